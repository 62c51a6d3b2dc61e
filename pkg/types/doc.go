/*
Package types defines ChronDB's shared data model and error taxonomy.

A Document is a JSON-compatible map with a required "id" of the form
"collection:identifier"; the collection (table) derives from the id
prefix or the explicit _table field. Errors are categorical: sentinel
values for not-found and nil-document, typed errors for validation,
conflict, I/O, corruption, and remote failures, all discriminated with
errors.Is / errors.As.
*/
package types
