package config

import (
	"os"
	"strconv"
	"strings"
	"testing"
)

// FuzzLoadTOML feeds random-ish fields into a tiny TOML and ensures the
// loader does not panic and rejects inconsistent sniff sizes.
func FuzzLoadTOML(f *testing.F) {
	f.Add("/kettle", 50, 10000, "A=1", "gen")
	f.Add("", 0, -1, "=", "")
	f.Add("x", 100, 10, "NOEQ", "a\"b")

	f.Fuzz(func(t *testing.T, basePath string, def, max int, variable, step string) {
		clean := func(s string) string {
			s = strings.ReplaceAll(s, "\"", "")
			s = strings.ReplaceAll(s, "\\", "")
			return strings.ReplaceAll(s, "\n", "")
		}
		b := strings.Builder{}
		b.WriteString("variables = [\"" + clean(variable) + "\"]\n")
		b.WriteString("[server]\nbase_path = \"" + clean(basePath) + "\"\n")
		b.WriteString("[sniff]\ndefault_buffer = " + strconv.Itoa(def) + "\nmax_buffer = " + strconv.Itoa(max) + "\n")
		b.WriteString("[[transformations]]\nname = \"fuzz\"\n[[transformations.steps]]\nname = \"" + clean(step) + "\"\ntype = \"generate\"\n")
		tmp := t.TempDir() + "/fuzz.toml"
		if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
			t.Skip()
		}
		cfg, err := Load(tmp) // must not panic
		if err != nil {
			return
		}
		if cfg.Sniff.DefaultBuffer > cfg.Sniff.MaxBuffer || cfg.Sniff.DefaultBuffer < 1 {
			t.Fatalf("accepted inconsistent sniff sizes: %+v", cfg.Sniff)
		}
		if !strings.HasPrefix(cfg.Server.BasePath, "/") {
			t.Fatalf("accepted base path %q", cfg.Server.BasePath)
		}
	})
}
