/*
Package pathcodec maps document keys to object tree paths and back.

Filesystem-hostile characters are substituted with _NAME_ escape
tokens in a single deterministic pass; the literal underscore is
itself escaped, which keeps the token alphabet collision-free and the
codec a pure bijection: Decode(Encode(s)) == s for every key.
*/
package pathcodec
