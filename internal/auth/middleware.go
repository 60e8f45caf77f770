package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// ResultKey is the gin context key for the auth result
const ResultKey = "auth_result"

// Middleware provides authentication middleware for HTTP handlers
type Middleware struct {
	svc     *Service
	enabled bool
	realm   string
}

// NewMiddleware returns a middleware; a nil service disables authentication.
func NewMiddleware(svc *Service, realm string) *Middleware {
	if realm == "" {
		realm = DefaultRealm
	}
	return &Middleware{svc: svc, enabled: svc != nil, realm: realm}
}

func (m *Middleware) Enabled() bool { return m.enabled }

// GinAuth returns a Gin middleware function for HTTP basic authentication
func (m *Middleware) GinAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		result, err := m.authenticate(c.Request)
		if err != nil || !result.Success {
			c.Header("WWW-Authenticate", "Basic realm="+strconv.Quote(m.realm))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_failed",
				"message": "Authentication required",
			})
			return
		}
		c.Set(ResultKey, result)
		c.Next()
	}
}

// GinRequirePermission returns a Gin middleware that requires specific permissions
func (m *Middleware) GinRequirePermission(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.enabled {
			c.Next()
			return
		}
		v, exists := c.Get(ResultKey)
		result, ok := v.(*Result)
		if !exists || !ok || !result.Success {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Authentication required",
			})
			return
		}
		if !m.svc.HasPermission(result.Roles, resource, action) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

// HTTPAuth returns a standard HTTP middleware function for authentication
func (m *Middleware) HTTPAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled {
			next.ServeHTTP(w, r)
			return
		}
		result, err := m.authenticate(r)
		if err != nil || !result.Success {
			w.Header().Set("WWW-Authenticate", "Basic realm="+strconv.Quote(m.realm))
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Result, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	return m.svc.Authenticate(r.Context(), username, password)
}
