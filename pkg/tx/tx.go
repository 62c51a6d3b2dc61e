package tx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Origin identifies the front-end that opened the transaction.
type Origin string

const (
	OriginREST   Origin = "rest"
	OriginRedis  Origin = "redis"
	OriginSQL    Origin = "sql"
	OriginCLI    Origin = "cli"
	OriginSystem Origin = "system"
)

// Known flags. Flags are short strings; adapters may add their own.
const (
	FlagDelete    = "delete"
	FlagUpdate    = "update"
	FlagBulkLoad  = "bulk-load"
	FlagRollback  = "rollback"
	FlagMigration = "migration"
	FlagSystem    = "system"
)

// Context is the per-operation transaction state attached as a note to
// every commit produced within its scope. Concurrent writers each see
// a distinct id.
type Context struct {
	ID       string
	Origin   Origin
	User     string
	Flags    []string
	Branch   string
	Metadata map[string]interface{}
}

// New creates a transaction context with a fresh unique id.
func New(origin Origin) *Context {
	return &Context{
		ID:     uuid.New().String(),
		Origin: origin,
	}
}

// WithUser sets the acting user.
func (c *Context) WithUser(user string) *Context {
	c.User = user
	return c
}

// WithFlags appends flags.
func (c *Context) WithFlags(flags ...string) *Context {
	c.Flags = append(c.Flags, flags...)
	return c
}

// WithMeta sets one metadata entry.
func (c *Context) WithMeta(key string, value interface{}) *Context {
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.Metadata[key] = value
	return c
}

// Child derives a nested scope: same origin and user, fresh id,
// inherited flags and metadata that the child may extend without
// touching the parent.
func (c *Context) Child() *Context {
	child := &Context{
		ID:     uuid.New().String(),
		Origin: c.Origin,
		User:   c.User,
		Branch: c.Branch,
		Flags:  append([]string(nil), c.Flags...),
	}
	if len(c.Metadata) > 0 {
		child.Metadata = make(map[string]interface{}, len(c.Metadata))
		for k, v := range c.Metadata {
			child.Metadata[k] = v
		}
	}
	return child
}

type ctxKey struct{}

// With binds a transaction context for the duration of ctx.
func With(ctx context.Context, txc *Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, txc)
}

// From returns the bound transaction context, or a fresh system one so
// every commit carries a note even outside an explicit scope.
func From(ctx context.Context) *Context {
	if txc, ok := ctx.Value(ctxKey{}).(*Context); ok && txc != nil {
		return txc
	}
	return New(OriginSystem)
}

// WithTransaction runs body with txc bound. The scope is the unit the
// adapters' "with-transaction" façade maps onto.
func WithTransaction(ctx context.Context, txc *Context, body func(ctx context.Context) error) error {
	if txc == nil {
		txc = New(OriginSystem)
	}
	return body(With(ctx, txc))
}

// NotePayload is the serialized form attached to a commit on the notes
// ref.
type NotePayload struct {
	TxID       string                 `json:"tx_id"`
	Origin     string                 `json:"origin"`
	Timestamp  time.Time              `json:"timestamp"`
	Operation  string                 `json:"operation"`
	DocumentID string                 `json:"document_id"`
	Branch     string                 `json:"branch"`
	Table      string                 `json:"table,omitempty"`
	User       string                 `json:"user,omitempty"`
	Flags      []string               `json:"flags,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Note serializes the context into the note payload for one commit.
// extraFlags apply to this payload only, leaving the scope untouched.
func (c *Context) Note(operation, documentID, table, branch string, extraFlags ...string) ([]byte, error) {
	flags := c.Flags
	if len(extraFlags) > 0 {
		flags = append(append([]string(nil), c.Flags...), extraFlags...)
	}
	return json.Marshal(NotePayload{
		TxID:       c.ID,
		Origin:     string(c.Origin),
		Timestamp:  time.Now().UTC(),
		Operation:  operation,
		DocumentID: documentID,
		Branch:     branch,
		Table:      table,
		User:       c.User,
		Flags:      flags,
		Metadata:   c.Metadata,
	})
}
