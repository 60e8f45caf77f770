package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/carte/internal/manager"
	"github.com/loykin/carte/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const def = `{"name":"etl","steps":[
 {"name":"gen","type":"generate","config":{"limit":0,"interval":"2ms","fields":{"msg":"${GREETING}"}}},
 {"name":"out","type":"dummy"}]}`

func newTestClient(t *testing.T) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	lg := slog.New(slog.DiscardHandler)
	m, err := manager.New(manager.Options{Logger: lg})
	require.NoError(t, err)
	s, err := server.New(server.Options{Manager: m, BasePath: "/kettle", Logger: lg})
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	c, err := New(Config{BaseURL: ts.URL + "/kettle/", Logger: lg})
	require.NoError(t, err)
	return c
}

func TestClientLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	assert.True(t, c.IsReachable(ctx))

	res, err := c.RunTrans(ctx, []byte(def), ExecOptions{LogLevel: "Basic", Variables: map[string]string{"GREETING": "hi"}})
	require.NoError(t, err)
	require.True(t, res.OK())
	target := Target{Name: "etl", ID: res.ID}

	var sr SniffResult
	require.Eventually(t, func() bool {
		sr, err = c.Sniff(ctx, SniffRequest{Target: target, Step: "gen", Buffer: 3})
		return err == nil && sr.NrRows == 3
	}, 5*time.Second, 10*time.Millisecond)
	require.NotNil(t, sr.Meta)
	assert.Equal(t, "msg", sr.Meta.Values[0].Name)
	assert.Equal(t, "hi", sr.Rows[2].Values[0])

	sessions, err := c.SniffSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, res.ID, sessions[0].ExecutionID)

	_, err = c.StopSniff(ctx, SniffRequest{Target: target, Step: "gen"})
	require.NoError(t, err)

	st, err := c.Status(ctx)
	require.NoError(t, err)
	require.Len(t, st.Transformations, 1)
	assert.Equal(t, "Running", st.Transformations[0].Status)

	_, err = c.PauseTrans(ctx, target)
	require.NoError(t, err)
	_, err = c.StopTrans(ctx, target)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		d, err := c.TransStatus(ctx, target, 0)
		return err == nil && d.Status == "Stopped"
	}, 5*time.Second, 10*time.Millisecond)

	d, err := c.TransStatus(ctx, target, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, d.Steps)
	assert.Contains(t, d.LoggingString, "transformation started")

	_, err = c.RemoveTrans(ctx, target)
	require.NoError(t, err)
}

func TestClientErrorResult(t *testing.T) {
	c := newTestClient(t)
	_, err := c.StartTrans(context.Background(), Target{Name: "missing"})
	var re *ResultError
	require.ErrorAs(t, err, &re)
	assert.NotEmpty(t, re.Message)

	_, err = c.TransStatus(context.Background(), Target{Name: "missing"}, 0)
	assert.ErrorAs(t, err, &re)

	_, err = c.StartJob(context.Background(), Target{})
	assert.ErrorAs(t, err, &re)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "Y", r.URL.Query().Get("json"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "pw", pass)
		_, _ = w.Write([]byte(`{"result":"OK","message":"started","id":"42"}`))
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL, RetryMax: 3, User: "admin", Password: "pw", Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	res, err := c.StartTrans(context.Background(), Target{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, "42", res.ID)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer ts.Close()

	c, err := New(Config{BaseURL: ts.URL, Logger: slog.New(slog.DiscardHandler)})
	require.NoError(t, err)
	_, err = c.Status(context.Background())
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.False(t, c.IsReachable(context.Background()))
}

func TestClientTLSConfig(t *testing.T) {
	_, err := New(Config{TLS: &TLSClientConfig{CACert: "/does/not/exist.pem"}})
	assert.Error(t, err)

	c, err := New(Config{Insecure: true})
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
}
