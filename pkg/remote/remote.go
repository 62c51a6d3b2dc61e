package remote

import (
	"errors"
	"fmt"
	"sync"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	"github.com/chrondb/chrondb/pkg/config"
	"github.com/chrondb/chrondb/pkg/events"
	"github.com/chrondb/chrondb/pkg/gitstore"
	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/types"
)

const remoteName = "origin"

// Syncer mirrors local commits to an upstream. Push failure never
// fails the local operation: the branch is marked as needing push and
// the failure is logged and counted. Semantics are last-writer-wins;
// a divergence on pull is reported as a conflict for external
// resolution, never silently merged.
type Syncer struct {
	store  *gitstore.Store
	cfg    *config.Config
	broker *events.Broker

	mu       sync.Mutex
	needPush map[string]bool
	pending  map[string]bool // batch mode: branches awaiting flush

	logger zerolog.Logger
}

// New creates a syncer and configures the upstream remote when one is
// set.
func New(store *gitstore.Store, cfg *config.Config, broker *events.Broker) (*Syncer, error) {
	s := &Syncer{
		store:    store,
		cfg:      cfg,
		broker:   broker,
		needPush: make(map[string]bool),
		pending:  make(map[string]bool),
		logger:   log.WithComponent("remote"),
	}
	if cfg.RemoteURL != "" {
		if err := s.ensureRemote(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Syncer) ensureRemote() error {
	repo := s.store.Repository()
	_, err := repo.Remote(remoteName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, git.ErrRemoteNotFound) {
		return types.NewIoError("remote config", err)
	}
	_, err = repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: remoteName,
		URLs: []string{s.cfg.RemoteURL},
	})
	if err != nil {
		return types.NewIoError("remote config", err)
	}
	return nil
}

// Enabled reports whether pushes are configured at all.
func (s *Syncer) Enabled() bool {
	return s.cfg.PushEnabled && s.cfg.RemoteURL != ""
}

// AfterCommit is called by the façade after each local commit. In sync
// mode it pushes immediately; in batch mode it defers to Flush.
func (s *Syncer) AfterCommit(branch string) {
	if !s.Enabled() {
		return
	}
	if s.cfg.PushMode == config.PushModeBatch {
		s.mu.Lock()
		s.pending[branch] = true
		s.mu.Unlock()
		return
	}
	s.push(branch)
}

// Flush pushes every branch deferred in batch mode. Called at the end
// of a transaction scope.
func (s *Syncer) Flush() {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	branches := make([]string, 0, len(s.pending))
	for b := range s.pending {
		branches = append(branches, b)
	}
	s.pending = make(map[string]bool)
	s.mu.Unlock()

	for _, b := range branches {
		s.push(b)
	}
}

// push performs one upstream push with force (last-writer-wins).
func (s *Syncer) push(branch string) {
	refspecs := []gitconfig.RefSpec{
		gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch)),
	}
	if s.cfg.PushNotes {
		refspecs = append(refspecs, gitconfig.RefSpec("+"+gitstore.NotesRef+":"+gitstore.NotesRef))
	}

	err := s.store.Repository().Push(&git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   refspecs,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		s.markNeedPush(branch)
		metrics.PushesTotal.WithLabelValues("failed").Inc()
		s.logger.Error().Err(err).Str("branch", branch).Msg("push failed, branch needs push")
		if s.broker != nil {
			s.broker.Publish(&events.Event{Type: events.EventPushFailed, Branch: branch})
		}
		return
	}

	metrics.PushesTotal.WithLabelValues("ok").Inc()
	s.clearNeedPush(branch)
}

// Retry re-attempts the push for every branch marked as needing one.
func (s *Syncer) Retry() {
	s.mu.Lock()
	branches := make([]string, 0, len(s.needPush))
	for b := range s.needPush {
		branches = append(branches, b)
	}
	s.mu.Unlock()

	for _, b := range branches {
		s.push(b)
	}
}

// NeedsPush reports whether a branch has unpushed commits.
func (s *Syncer) NeedsPush(branch string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needPush[branch]
}

func (s *Syncer) markNeedPush(branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.needPush[branch] {
		s.needPush[branch] = true
		metrics.BranchesNeedingPush.Inc()
	}
}

func (s *Syncer) clearNeedPush(branch string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needPush[branch] {
		delete(s.needPush, branch)
		metrics.BranchesNeedingPush.Dec()
	}
}

// PullOnStart fetches from the upstream and fast-forwards every local
// branch that is strictly behind. A diverged branch is reported as a
// conflict; resolution is an application concern.
func (s *Syncer) PullOnStart() error {
	if s.cfg.RemoteURL == "" || !s.cfg.PullOnStart {
		return nil
	}

	repo := s.store.Repository()
	err := repo.Fetch(&git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec("+refs/heads/*:refs/remotes/" + remoteName + "/*"),
		},
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return &types.RemoteError{Op: "fetch", Err: err}
	}

	refs, err := repo.References()
	if err != nil {
		return types.NewIoError("list refs", err)
	}
	defer refs.Close()

	var conflicts []string
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().String()
		prefix := "refs/remotes/" + remoteName + "/"
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			return nil
		}
		branch := name[len(prefix):]
		if branch == "HEAD" {
			return nil
		}
		localHash, exists, err := s.store.Head(branch)
		if err != nil {
			return err
		}
		if !exists {
			_, err := s.store.UpdateRef(string(gitstore.BranchRef(branch)), plumbing.ZeroHash, ref.Hash())
			return err
		}
		if localHash == ref.Hash() {
			return nil
		}
		ff, err := s.isFastForward(localHash, ref.Hash())
		if err != nil {
			return err
		}
		if !ff {
			conflicts = append(conflicts, branch)
			return nil
		}
		result, err := s.store.UpdateRef(string(gitstore.BranchRef(branch)), localHash, ref.Hash())
		if err != nil {
			return err
		}
		if result == types.RefRejected {
			conflicts = append(conflicts, branch)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(conflicts) > 0 {
		return &types.ConflictError{Branch: "pull", Paths: conflicts}
	}
	return nil
}

func (s *Syncer) isFastForward(local, remoteHash plumbing.Hash) (bool, error) {
	localCommit, err := s.store.Commit(local)
	if err != nil {
		return false, err
	}
	remoteCommit, err := s.store.Commit(remoteHash)
	if err != nil {
		return false, err
	}
	return isAncestor(localCommit, remoteCommit)
}

func isAncestor(older, newer *object.Commit) (bool, error) {
	return older.IsAncestor(newer)
}
