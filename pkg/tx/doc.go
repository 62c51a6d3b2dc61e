/*
Package tx provides the transaction context attached as a note to
every commit produced within its scope.

A context carries a unique id, origin, optional user, flags, and
free-form metadata. It binds to a context.Context; WithTransaction
expresses the "run this body with this context bound" scope, and
nested scopes derive children that inherit and may extend the parent's
metadata without touching it.
*/
package tx
