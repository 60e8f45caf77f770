package server

import (
	"encoding/xml"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// InternalError is rendered when a handler panics.
type InternalError struct {
	XMLName xml.Name `json:"-" xml:"webresult"`
	Result  string   `json:"result" xml:"result"`
	Message string   `json:"message" xml:"message"`
	Stack   string   `json:"stack" xml:"stacktrace"`
}

var internalTmpl = template.Must(template.New("internal").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Internal error</title></head>
<body>
<h1>{{.Message}}</h1>
<pre>{{.Stack}}</pre>
</body></html>
`))

// recovery logs the panic and answers 500 with the stack trace; the server
// keeps serving.
func recovery(logger *slog.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rec any) {
		stack := string(debug.Stack())
		logger.Error("handler panic", "path", c.Request.URL.Path, "panic", rec, "stack", stack)
		body := InternalError{Result: ResultError, Message: fmt.Sprintf("internal error: %v", rec), Stack: stack}
		switch formatOf(c) {
		case formatXML:
			c.XML(http.StatusInternalServerError, body)
		case formatJSON:
			c.JSON(http.StatusInternalServerError, body)
		default:
			c.Status(http.StatusInternalServerError)
			c.Header("Content-Type", "text/html; charset=utf-8")
			_ = internalTmpl.Execute(c.Writer, body)
		}
		c.Abort()
	})
}
