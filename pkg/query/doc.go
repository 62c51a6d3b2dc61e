/*
Package query defines the language-neutral query AST every front-end
protocol lowers into and the index executor consumes.

Leaf clauses are Term, Range, FTS, and MatchAll; combinators are And,
Or, and Not. Options carry sort descriptors, limit/offset, the target
branch, and an opaque pagination cursor.
*/
package query
