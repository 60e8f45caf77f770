package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := HashPassword("hashed-secret", bcrypt.MinCost)
	require.NoError(t, err)
	svc, err := NewService(Config{
		Enabled:    true,
		BcryptCost: bcrypt.MinCost,
		Users: []UserConfig{
			{Username: "cluster", Password: "cluster"},
			{Username: "ops", PasswordHash: hash, Roles: []string{RoleOperator}},
			{Username: "guest", Password: "guest", Roles: []string{RoleViewer}},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestAuthenticate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.Authenticate(ctx, "cluster", "cluster")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{RoleAdmin}, res.Roles)

	res, err = svc.Authenticate(ctx, "ops", "hashed-secret")
	require.NoError(t, err)
	assert.Equal(t, []string{RoleOperator}, res.Roles)

	_, err = svc.Authenticate(ctx, "cluster", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "nobody", "cluster")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestNewServiceValidation(t *testing.T) {
	cases := []struct {
		name  string
		users []UserConfig
	}{
		{"missing username", []UserConfig{{Password: "x"}}},
		{"missing password", []UserConfig{{Username: "a"}}},
		{"bad hash", []UserConfig{{Username: "a", PasswordHash: "plain"}}},
		{"duplicate", []UserConfig{{Username: "a", Password: "x"}, {Username: "a", Password: "y"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewService(Config{BcryptCost: bcrypt.MinCost, Users: tc.users})
			assert.Error(t, err)
		})
	}
	_, err := NewService(Config{BcryptCost: 99})
	assert.Error(t, err)
}

func TestUserManagement(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "new", "pw", []string{RoleViewer})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, "new", "pw", nil)
	assert.ErrorIs(t, err, ErrUserAlreadyExists)

	require.NoError(t, svc.UpdateUserPassword(ctx, "new", "pw2"))
	_, err = svc.Authenticate(ctx, "new", "pw")
	assert.Error(t, err)
	_, err = svc.Authenticate(ctx, "new", "pw2")
	assert.NoError(t, err)

	users := svc.ListUsers(ctx)
	require.Len(t, users, 4)
	assert.Equal(t, "cluster", users[0].Username)
	for _, u := range users {
		assert.Empty(t, u.PasswordHash)
	}

	require.NoError(t, svc.DeleteUser(ctx, "new"))
	assert.ErrorIs(t, svc.DeleteUser(ctx, "new"), ErrUserNotFound)
}

func TestHasPermission(t *testing.T) {
	svc := newTestService(t)
	assert.True(t, svc.HasPermission([]string{RoleAdmin}, "anything", ActionWrite))
	assert.True(t, svc.HasPermission([]string{RoleOperator}, "transformation", ActionWrite))
	assert.False(t, svc.HasPermission([]string{RoleOperator}, "status", ActionWrite))
	assert.True(t, svc.HasPermission([]string{RoleViewer}, "sniff", ActionRead))
	assert.False(t, svc.HasPermission([]string{RoleViewer}, "job", ActionWrite))
	assert.False(t, svc.HasPermission([]string{"unknown"}, "job", ActionRead))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	mw := NewMiddleware(svc, "")

	r := gin.New()
	r.Use(mw.GinAuth())
	r.GET("/status", mw.GinRequirePermission("status", ActionRead), func(c *gin.Context) { c.String(200, "ok") })
	r.POST("/addTrans", mw.GinRequirePermission("transformation", ActionWrite), func(c *gin.Context) { c.String(200, "ok") })

	do := func(method, path, user, pass string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/status", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="Carte"`, w.Header().Get("WWW-Authenticate"))

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodGet, "/status", "cluster", "bad").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/status", "guest", "guest").Code)
	assert.Equal(t, http.StatusForbidden, do(http.MethodPost, "/addTrans", "guest", "guest").Code)
	assert.Equal(t, http.StatusOK, do(http.MethodPost, "/addTrans", "cluster", "cluster").Code)
}

func TestMiddlewareDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mw := NewMiddleware(nil, "")
	assert.False(t, mw.Enabled())

	r := gin.New()
	r.Use(mw.GinAuth())
	r.GET("/status", mw.GinRequirePermission("status", ActionRead), func(c *gin.Context) { c.String(200, "ok") })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	h := mw.HTTPAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHTTPAuth(t *testing.T) {
	mw := NewMiddleware(newTestService(t), "test")
	h := mw.HTTPAuth(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="test"`, w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.SetBasicAuth("cluster", "cluster")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
