package server

import (
	"encoding/xml"
	"html/template"

	"github.com/gin-gonic/gin"
	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/manager"
	"github.com/loykin/carte/internal/sniff"
)

// SniffResult is the body of /sniffStep: the schema seen at the step, the
// number of rows and the rows themselves, oldest first.
type SniffResult struct {
	XMLName  xml.Name        `json:"-" xml:"step-sniff"`
	Name     string          `json:"name" xml:"name"`
	ID       string          `json:"id" xml:"id"`
	Step     string          `json:"step" xml:"step"`
	Copy     int             `json:"copy" xml:"copynr"`
	Type     string          `json:"type" xml:"type"`
	Meta     *engine.RowMeta `json:"row_meta" xml:"row-meta"`
	NrRows   int             `json:"nr_rows" xml:"nr_rows"`
	Rows     []SniffRow      `json:"rows" xml:"row-data>row"`
	Pushes   uint64          `json:"pushes" xml:"pushes"`
	Dropped  uint64          `json:"dropped" xml:"dropped"`
	Released bool            `json:"released" xml:"released"`
}

type SniffRow struct {
	Values []string `json:"values" xml:"value"`
}

// SniffSessions is the body of /sniffSessions.
type SniffSessions struct {
	XMLName  xml.Name     `json:"-" xml:"sniff-sessions"`
	Sessions []sniff.Info `json:"sessions" xml:"session"`
}

var sniffTmpl = template.Must(template.New("sniff").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Name}} / {{.Step}}</title></head>
<body>
<h1>{{.Name}} / {{.Step}}.{{.Copy}} ({{.Type}})</h1>
<p>{{.NrRows}} row(s), {{.Pushes}} seen, {{.Dropped}} dropped{{if .Released}}, execution ended{{end}}</p>
<table border="1">
<tr>{{with .Meta}}{{range .Values}}<th>{{.Name}} ({{.Type}})</th>{{end}}{{end}}</tr>
{{range .Rows}}<tr>{{range .Values}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
</body></html>
`))

var sessionsTmpl = template.Must(template.New("sessions").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Sniff sessions</title></head>
<body>
<h1>Sniff sessions</h1>
<table border="1">
<tr><th>Execution</th><th>ID</th><th>Step</th><th>Copy</th><th>Type</th><th>Rows</th><th>Capacity</th><th>Dropped</th></tr>
{{range .Sessions}}<tr><td>{{.ExecutionName}}</td><td>{{.ExecutionID}}</td><td>{{.Step}}</td><td>{{.Copy}}</td><td>{{.Direction}}</td><td>{{.Size}}</td><td>{{.Capacity}}</td><td>{{.Dropped}}</td></tr>
{{end}}</table>
</body></html>
`))

// handleSniff attaches to a step and returns its buffered rows; cmd=stop
// detaches instead.
func (s *Server) handleSniff(c *gin.Context) {
	p, err := parseSniffParams(c.Request.URL.Query())
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	it, err := s.mgr.Resolve(manager.KindTransformation, p.Name, p.ID)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	key := sniff.Key{ExecutionID: it.Entry.ID, Step: p.Step, Copy: p.Copy, Direction: p.Direction}
	dir := s.mgr.Sniff()

	if p.Stop {
		msg := "no sniff session was attached to " + key.String()
		if dir.Detach(key) {
			msg = "sniff session detached from " + key.String()
		}
		respondResult(c, okResult(msg, it.Entry.ID))
		return
	}

	snap, err := dir.Sniff(key, p.Buffer)
	if err != nil {
		respondResult(c, errResult(err))
		return
	}
	rows := snap.Rows
	if p.Lines > 0 && len(rows) > p.Lines {
		rows = rows[len(rows)-p.Lines:]
	}
	res := SniffResult{
		Name:     it.Entry.Name,
		ID:       it.Entry.ID,
		Step:     p.Step,
		Copy:     p.Copy,
		Type:     p.Direction.String(),
		Meta:     snap.Meta,
		NrRows:   len(rows),
		Rows:     make([]SniffRow, len(rows)),
		Pushes:   snap.Pushes,
		Dropped:  snap.Dropped,
		Released: snap.Released,
	}
	for i, r := range rows {
		res.Rows[i] = SniffRow{Values: formatRow(r)}
	}
	respond(c, res, sniffTmpl)
}

func (s *Server) handleSniffSessions(c *gin.Context) {
	respond(c, SniffSessions{Sessions: s.mgr.Sniff().List()}, sessionsTmpl)
}

func formatRow(r engine.Row) []string {
	out := make([]string, len(r))
	for i, v := range r {
		out[i] = engine.FormatValue(v)
	}
	return out
}

