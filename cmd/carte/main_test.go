package main

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/carte"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const loadTrans = `
name: load
steps:
  - name: gen
    type: generate
    config:
      limit: 3
      fields:
        who: cli
  - name: out
    type: dummy
`

func startServer(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s, err := carte.NewServer(nil, carte.Options{Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Shutdown(context.Background())
	})
	return ts.URL + s.BasePath()
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeDef(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "load.yaml")
	require.NoError(t, os.WriteFile(p, []byte(loadTrans), 0o600))
	return p
}

func TestRootHasCommands(t *testing.T) {
	root := buildRoot()
	for _, name := range []string{"serve", "status", "trans", "job", "sniff", "hash-password"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestParsePairs(t *testing.T) {
	m, err := parsePairs([]string{"A=1", "B=x=y", "C="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y", "C": ""}, m)

	_, err = parsePairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=1"})
	assert.Error(t, err)

	m, err = parsePairs(nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "carte.toml", "--logfile", "x.log", "--logfile=y.log"})
	assert.Equal(t, []string{"serve", "carte.toml"}, got)
}

func TestTransLifecycle(t *testing.T) {
	api := startServer(t)
	def := writeDef(t)

	out, err := run(t, "--api-url", api, "trans", "add", def, "--level", "Basic", "--param", "P=1")
	require.NoError(t, err)
	assert.Contains(t, out, "load")
	assert.Contains(t, out, "id ")

	out, err = run(t, "--api-url", api, "trans", "start", "--name", "load")
	require.NoError(t, err)
	assert.Contains(t, out, "started")

	require.Eventually(t, func() bool {
		out, err = run(t, "--api-url", api, "trans", "status", "--name", "load")
		return err == nil && strings.Contains(out, "Finished")
	}, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, out, "gen")

	out, err = run(t, "--api-url", api, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "load")

	out, err = run(t, "--api-url", api, "--json", "trans", "remove", "--name", "load")
	require.NoError(t, err)
	assert.Contains(t, out, `"result": "OK"`)
}

func TestErrorResultBecomesError(t *testing.T) {
	api := startServer(t)
	_, err := run(t, "--api-url", api, "trans", "stop", "--name", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	_, err = run(t, "--api-url", api, "trans", "stop")
	assert.Error(t, err)
}

func TestSniffRequiresStep(t *testing.T) {
	_, err := run(t, "sniff", "--trans", "etl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--step")
}

func TestSniffSessionsEmpty(t *testing.T) {
	api := startServer(t)
	out, err := run(t, "--api-url", api, "sniff", "sessions")
	require.NoError(t, err)
	assert.Contains(t, out, "EXECUTION")
}

func TestHashPassword(t *testing.T) {
	out, err := run(t, "hash-password", "--cost", "4", "secret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	root := buildRoot()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetIn(strings.NewReader("\n"))
	root.SetArgs([]string{"hash-password"})
	assert.Error(t, root.Execute())
}
