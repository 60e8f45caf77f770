package env

import (
	"strings"
	"testing"
)

// FuzzExpandMerge fuzzes Merge/Expand with random inputs to ensure no panics
// and that every merged key survives.
func FuzzExpandMerge(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x"), []byte("C=${B}-y"))
	f.Add([]byte("FOO=bar"), []byte("FOO=${FOO}"))
	f.Add([]byte("X=$Y"), []byte("Y=${X}"))
	f.Add([]byte("U=${"), []byte("V=}${}"))

	f.Fuzz(func(t *testing.T, globalB []byte, perB []byte) {
		global := splitNZ(string(globalB))
		per := splitNZ(string(perB))
		if len(global) > 20 {
			global = global[:20]
		}
		if len(per) > 20 {
			per = per[:20]
		}
		e := New()
		for k, v := range ParsePairs(global) {
			e = e.WithSet(k, v)
		}
		layer := ParsePairs(per)
		out := e.Merge(layer)
		for k := range layer {
			if _, ok := out[k]; !ok {
				t.Fatalf("missing key %q", k)
			}
		}
		for _, kv := range out.Pairs() {
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
	})
}

func splitNZ(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
