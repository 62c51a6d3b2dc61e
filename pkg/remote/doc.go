// Package remote mirrors local commits to an upstream repository.
// Pushes run per commit (sync mode) or at scope end (batch mode) with
// last-writer-wins force semantics; a failed push marks the branch as
// needing push and never fails the local operation. Pull at startup
// fast-forwards branches that are strictly behind and reports any
// divergence as a conflict requiring external resolution.
package remote
