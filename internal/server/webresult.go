package server

import (
	"encoding/xml"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	ResultOK    = "OK"
	ResultError = "ERROR"
)

// WebResult is the body of every action endpoint.
type WebResult struct {
	XMLName xml.Name `json:"-" xml:"webresult"`
	Result  string   `json:"result" xml:"result"`
	Message string   `json:"message" xml:"message"`
	ID      string   `json:"id,omitempty" xml:"id,omitempty"`
}

func okResult(msg, id string) WebResult { return WebResult{Result: ResultOK, Message: msg, ID: id} }

func errResult(err error) WebResult { return WebResult{Result: ResultError, Message: err.Error()} }

// IsOK reports whether the action succeeded.
func (w WebResult) IsOK() bool { return w.Result == ResultOK }

// format selects the response encoding: xml=Y, json=Y, otherwise html.
type format int

const (
	formatHTML format = iota
	formatXML
	formatJSON
)

func formatOf(c *gin.Context) format {
	switch {
	case yes(c.Query("xml")):
		return formatXML
	case yes(c.Query("json")):
		return formatJSON
	}
	return formatHTML
}

var resultTmpl = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Result}}</title></head>
<body>
<h1>{{.Result}}</h1>
<p>{{.Message}}</p>
{{if .ID}}<p>id: <code>{{.ID}}</code></p>{{end}}
</body></html>
`))

// respond writes v in the requested format. Domain outcomes are always 200.
func respond(c *gin.Context, v any, tmpl *template.Template) {
	switch formatOf(c) {
	case formatXML:
		c.XML(http.StatusOK, v)
	case formatJSON:
		c.JSON(http.StatusOK, v)
	default:
		c.Status(http.StatusOK)
		c.Header("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(c.Writer, v); err != nil {
			_ = c.Error(err)
		}
	}
}

func respondResult(c *gin.Context, res WebResult) { respond(c, res, resultTmpl) }
