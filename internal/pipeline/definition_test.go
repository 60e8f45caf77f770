package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefinitionJSON(t *testing.T) {
	d, err := ParseDefinition([]byte(`{"name":"t1","steps":[{"name":"gen","type":"generate","config":{"limit":3}},{"name":"out","type":"dummy"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", d.Name)
	require.Len(t, d.Steps, 2)
	assert.Equal(t, float64(3), d.Steps[0].Config["limit"])
}

func TestParseDefinitionYAML(t *testing.T) {
	src := `
name: t2
variables:
  GREETING: hello
steps:
  - name: gen
    type: generate
    config:
      limit: 2
      fields:
        msg: ${GREETING}
  - name: seq
    type: sequence
    copies: 2
`
	d, err := ParseDefinition([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "hello", d.Variables["GREETING"])
	assert.Equal(t, 2, d.Steps[1].Copies)
}

func TestDefinitionValidate(t *testing.T) {
	cases := map[string]Definition{
		"no name":        {Steps: []StepDef{{Name: "a", Type: "dummy"}}},
		"no steps":       {Name: "x"},
		"unknown type":   {Name: "x", Steps: []StepDef{{Name: "a", Type: "nope"}}},
		"duplicate step": {Name: "x", Steps: []StepDef{{Name: "a", Type: "generate"}, {Name: "a", Type: "dummy"}}},
		"late source":    {Name: "x", Steps: []StepDef{{Name: "a", Type: "dummy"}, {Name: "b", Type: "generate"}}},
		"unnamed step":   {Name: "x", Steps: []StepDef{{Type: "dummy"}}},
		"negative copy":  {Name: "x", Steps: []StepDef{{Name: "a", Type: "dummy", Copies: -1}}},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, d.Validate())
		})
	}
}

func TestParseEmpty(t *testing.T) {
	_, err := ParseDefinition([]byte("  "))
	assert.Error(t, err)
}

func TestLoadDefinitionFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "t.yaml")
	require.NoError(t, os.WriteFile(p, []byte("name: f\nsteps:\n  - name: g\n    type: generate\n"), 0o600))
	d, err := LoadDefinition(p)
	require.NoError(t, err)
	assert.Equal(t, "f", d.Name)

	jp := filepath.Join(dir, "j.json")
	require.NoError(t, os.WriteFile(jp, []byte(`{"name":"j","entries":[{"transformation":"f"}]}`), 0o600))
	jd, err := LoadJobDefinition(jp)
	require.NoError(t, err)
	assert.Equal(t, "f", jd.Entries[0].Transformation)

	_, err = LoadDefinition(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestJobDefinitionValidate(t *testing.T) {
	assert.Error(t, JobDefinition{}.Validate())
	assert.Error(t, JobDefinition{Name: "j"}.Validate())
	assert.Error(t, JobDefinition{Name: "j", Entries: []JobEntry{{Name: "e"}}}.Validate())
	assert.NoError(t, JobDefinition{Name: "j", Entries: []JobEntry{{Transformation: "t"}}}.Validate())
}
