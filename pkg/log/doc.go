// Package log provides structured logging for ChronDB components,
// built on zerolog. Init configures the root logger once at startup;
// WithComponent derives the per-component child loggers the rest of
// the system holds, and WithFields adds per-operation context such as
// branch, document id, and transaction id.
package log
