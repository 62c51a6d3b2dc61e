package pathcodec

import (
	"fmt"
	"strings"
)

// DocSuffix is the file extension for document blobs in the tree.
const DocSuffix = ".json"

// Escape tokens are of the form _NAME_ with an uppercase ASCII name, an
// alphabet that cannot collide with escaped output because every
// literal underscore is itself escaped. Encode substitutes rune by rune
// in a single pass, so an emitted token is never re-escaped.
var escapes = []struct {
	raw   string
	token string
}{
	{"_", "_UND_"},
	{":", "_COLON_"},
	{"/", "_SLASH_"},
	{"?", "_QMARK_"},
	{"*", "_STAR_"},
	{"\\", "_BSLASH_"},
	{"<", "_LT_"},
	{">", "_GT_"},
	{"|", "_PIPE_"},
	{"\"", "_QUOTE_"},
	{"%", "_PCT_"},
	{"#", "_HASH_"},
	{"&", "_AMP_"},
	{"=", "_EQ_"},
	{"+", "_PLUS_"},
	{"@", "_AT_"},
	{" ", "_SP_"},
}

var tokenToRaw = func() map[string]string {
	m := make(map[string]string, len(escapes))
	for _, e := range escapes {
		m[strings.Trim(e.token, "_")] = e.raw
	}
	return m
}()

// Encode substitutes filesystem-hostile characters with _NAME_ escape
// tokens. The result is a legal file name component on common
// filesystems, and Decode(Encode(s)) == s for every input.
func Encode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if tok, ok := escapeFor(r); ok {
			b.WriteString(tok)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func escapeFor(r rune) (string, bool) {
	for _, e := range escapes {
		if len(e.raw) == 1 && rune(e.raw[0]) == r {
			return e.token, true
		}
	}
	return "", false
}

// Decode reverses Encode. It fails on an escape token that Encode
// never produces, which can only happen on input that did not come out
// of Encode.
func Decode(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != '_' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], '_')
		if end < 0 {
			return "", fmt.Errorf("unterminated escape token at offset %d in %q", i, s)
		}
		name := s[i+1 : i+1+end]
		raw, ok := tokenToRaw[name]
		if !ok {
			return "", fmt.Errorf("unknown escape token %q in %q", "_"+name+"_", s)
		}
		b.WriteString(raw)
		i += end + 2
	}
	return b.String(), nil
}

// DocumentPath maps a document key to its path in the object tree:
// <encoded-table>/<encoded-id>.json. The full id (including the table
// prefix) names the blob so that decoding a file name alone recovers
// the key.
func DocumentPath(table, id string) string {
	return Encode(table) + "/" + Encode(id) + DocSuffix
}

// KeyFromFileName recovers the document key from an encoded tree file
// name. It returns ok=false for entries that are not document blobs.
func KeyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, DocSuffix) {
		return "", false
	}
	key, err := Decode(strings.TrimSuffix(name, DocSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}
