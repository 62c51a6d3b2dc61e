package pathcodec

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"plain", "user"},
		{"key with colon", "user:1"},
		{"slash and hash", "order:2023/04#15"},
		{"full stress key", "order:2023/04#15*001"},
		{"every escaped char", `: / ? * \ < > | " % # & = + @`},
		{"underscores", "_a__b_"},
		{"underscore next to escape", "_:_"},
		{"token lookalike", "_COLON_"},
		{"unicode", "café:naïve/日本語"},
		{"empty", ""},
		{"spaces", "a b  c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := Encode(tt.in)
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", encoded, err)
			}
			if decoded != tt.in {
				t.Errorf("round trip: got %q, want %q", decoded, tt.in)
			}
		})
	}
}

func TestEncodeProducesSafeFileNames(t *testing.T) {
	hostile := `a:b/c?d*e\f<g>h|i"j%k#l&m=n+o@p q`
	encoded := Encode(hostile)
	for _, c := range `:/?*\<>|"` {
		if strings.ContainsRune(encoded, c) {
			t.Errorf("encoded name still contains %q: %s", c, encoded)
		}
	}
	if strings.Contains(encoded, " ") {
		t.Errorf("encoded name still contains a space: %s", encoded)
	}
}

func TestEncodeIsInjective(t *testing.T) {
	// Inputs chosen to collide if escaping were naive.
	inputs := []string{"_COLON_", ":", "_UND_COLON_UND_", "_:", ":_", "__", "_"}
	seen := make(map[string]string)
	for _, in := range inputs {
		enc := Encode(in)
		if prev, dup := seen[enc]; dup {
			t.Fatalf("Encode(%q) and Encode(%q) both produce %q", prev, in, enc)
		}
		seen[enc] = in
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, in := range []string{"_", "_BOGUS_", "a_unterminated"} {
		if _, err := Decode(in); err == nil {
			t.Errorf("Decode(%q) should fail", in)
		}
	}
}

func TestDocumentPath(t *testing.T) {
	got := DocumentPath("order", "order:2023/04#15*001")
	want := "order/order_COLON_2023_SLASH_04_HASH_15_STAR_001.json"
	if got != want {
		t.Errorf("DocumentPath = %q, want %q", got, want)
	}
	if strings.Count(got, "/") != 1 {
		t.Errorf("document path must have exactly one directory level: %q", got)
	}
}

func TestKeyFromFileName(t *testing.T) {
	name := Encode("user:1") + DocSuffix
	key, ok := KeyFromFileName(name)
	if !ok || key != "user:1" {
		t.Errorf("KeyFromFileName(%q) = %q, %v", name, key, ok)
	}
	if _, ok := KeyFromFileName("README.md"); ok {
		t.Error("non-document file name should not decode")
	}
}

func TestRoundTripPrintableRange(t *testing.T) {
	// Every printable ASCII rune plus a Latin-1 sample, as one key.
	var b strings.Builder
	for r := rune(32); r < 127; r++ {
		b.WriteRune(r)
	}
	b.WriteString("àéîõü")
	in := b.String()

	decoded, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded != in {
		t.Errorf("printable range did not round trip")
	}
}
