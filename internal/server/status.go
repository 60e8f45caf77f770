package server

import (
	"encoding/xml"
	"html/template"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/carte/internal/manager"
	"github.com/loykin/carte/internal/metrics"
)

// ServerStatus is the body of /status.
type ServerStatus struct {
	XMLName         xml.Name             `json:"-" xml:"serverstatus"`
	Name            string               `json:"name" xml:"name"`
	StatusDesc      string               `json:"status_desc" xml:"statusdesc"`
	StartedAt       time.Time            `json:"started_at" xml:"started_at"`
	Uptime          string               `json:"uptime" xml:"uptime"`
	Machine         *metrics.MachineInfo `json:"machine,omitempty" xml:"machine,omitempty"`
	SniffSessions   int                  `json:"sniff_sessions" xml:"sniff_sessions"`
	Transformations []manager.Summary    `json:"transformations" xml:"transstatuslist>transstatus"`
	Jobs            []manager.Summary    `json:"jobs" xml:"jobstatuslist>jobstatus"`
}

// TransStatus is the body of /transStatus.
type TransStatus struct {
	XMLName xml.Name `json:"-" xml:"transstatus"`
	manager.Detail
}

// JobStatus is the body of /jobStatus.
type JobStatus struct {
	XMLName xml.Name `json:"-" xml:"jobstatus"`
	manager.Detail
}

var statusTmpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Name}} status</title></head>
<body>
<h1>{{.Name}}: {{.StatusDesc}}</h1>
<p>up {{.Uptime}}, {{.SniffSessions}} sniff session(s)</p>
{{with .Machine}}<p>{{.Hostname}} ({{.Platform}}), {{.CPUCores}} cores, load {{printf "%.2f" .LoadAvg}}, {{.Goroutines}} goroutines</p>{{end}}
<h2>Transformations</h2>
<table border="1">
<tr><th>Name</th><th>ID</th><th>Status</th><th>Last log date</th><th>Error</th></tr>
{{range .Transformations}}<tr><td>{{.Name}}</td><td>{{.ID}}</td><td>{{.Status}}</td><td>{{.LogDate.Format "2006-01-02 15:04:05"}}</td><td>{{.Error}}</td></tr>
{{end}}</table>
<h2>Jobs</h2>
<table border="1">
<tr><th>Name</th><th>ID</th><th>Status</th><th>Last log date</th><th>Error</th></tr>
{{range .Jobs}}<tr><td>{{.Name}}</td><td>{{.ID}}</td><td>{{.Status}}</td><td>{{.LogDate.Format "2006-01-02 15:04:05"}}</td><td>{{.Error}}</td></tr>
{{end}}</table>
</body></html>
`))

var detailTmpl = template.Must(template.New("detail").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Name}}</title></head>
<body>
<h1>{{.Name}}</h1>
<p>id <code>{{.ID}}</code>, status <b>{{.Status}}</b>{{if .Error}}, error: {{.Error}}{{end}}</p>
{{if .Steps}}<table border="1">
<tr><th>Step</th><th>Copy</th><th>Read</th><th>Written</th><th>Errors</th><th>Status</th></tr>
{{range .Steps}}<tr><td>{{.Name}}</td><td>{{.Copy}}</td><td>{{.LinesRead}}</td><td>{{.LinesWritten}}</td><td>{{.Errors}}</td><td>{{.Status}}</td></tr>
{{end}}</table>{{end}}
{{if .Entries}}<table border="1">
<tr><th>Entry</th><th>Transformation</th><th>ID</th><th>Status</th><th>Error</th></tr>
{{range .Entries}}<tr><td>{{.Name}}</td><td>{{.Transformation}}</td><td>{{.ID}}</td><td>{{.Status}}</td><td>{{.Error}}</td></tr>
{{end}}</table>{{end}}
<pre>{{.LoggingString}}</pre>
</body></html>
`))

func (s *Server) handleStatus(c *gin.Context) {
	st := ServerStatus{
		Name:            s.serverName(),
		StatusDesc:      "Online",
		StartedAt:       s.started,
		Uptime:          time.Since(s.started).Truncate(time.Second).String(),
		SniffSessions:   s.mgr.Sniff().Len(),
		Transformations: s.mgr.List(manager.KindTransformation),
		Jobs:            s.mgr.List(manager.KindJob),
	}
	if s.host != nil {
		info, ok := s.host.Latest()
		if !ok {
			var err error
			if info, err = s.host.Sample(c.Request.Context()); err == nil {
				ok = true
			} else {
				s.logger.Warn("sample host", "error", err)
			}
		}
		if ok {
			st.Machine = &info
		}
	}
	respond(c, st, statusTmpl)
}

func (s *Server) serverName() string {
	if s.name != "" {
		return s.name
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "carte"
}

func (s *Server) handleTransStatus(c *gin.Context) {
	d, ok := s.detail(c, manager.KindTransformation)
	if ok {
		respond(c, TransStatus{Detail: d}, detailTmpl)
	}
}

func (s *Server) handleJobStatus(c *gin.Context) {
	d, ok := s.detail(c, manager.KindJob)
	if ok {
		respond(c, JobStatus{Detail: d}, detailTmpl)
	}
}

// detail writes an ERROR result and returns false when the execution
// cannot be resolved.
func (s *Server) detail(c *gin.Context, kind manager.Kind) (manager.Detail, bool) {
	q := c.Request.URL.Query()
	t, err := parseTarget(q, nameKeys(kind)...)
	if err != nil {
		respondResult(c, errResult(err))
		return manager.Detail{}, false
	}
	d, err := s.mgr.Status(kind, t.Name, t.ID, fromParam(q))
	if err != nil {
		respondResult(c, errResult(err))
		return manager.Detail{}, false
	}
	return d, true
}
