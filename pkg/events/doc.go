// Package events provides the in-process broker carrying ChronDB's
// commit stream: document saves and deletes, branch lifecycle, index
// staleness, and remote push failures. Publish never blocks; slow
// subscribers drop events rather than stalling the write path.
package events
