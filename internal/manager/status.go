package manager

import (
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/pipeline"
	"github.com/loykin/carte/internal/registry"
)

// Summary is one row of the server status page.
type Summary struct {
	Kind       Kind      `json:"kind" xml:"-"`
	Name       string    `json:"name" xml:"name"`
	ID         string    `json:"id" xml:"id"`
	Status     string    `json:"status" xml:"status_desc"`
	Error      string    `json:"error,omitempty" xml:"error_desc,omitempty"`
	LogDate    time.Time `json:"log_date" xml:"log_date"`
	StartedAt  time.Time `json:"started_at,omitempty" xml:"-"`
	FinishedAt time.Time `json:"finished_at,omitempty" xml:"-"`
}

// Detail is the status of one execution including its log tail.
type Detail struct {
	Summary
	LogLevel      string                 `json:"log_level,omitempty" xml:"log_level,omitempty"`
	Steps         []engine.StepStatus    `json:"steps,omitempty" xml:"stepstatuslist>stepstatus,omitempty"`
	Entries       []pipeline.EntryStatus `json:"entries,omitempty" xml:"entries>entry,omitempty"`
	FirstLogLine  uint64                 `json:"first_log_line_nr" xml:"first_log_line_nr"`
	LastLogLine   uint64                 `json:"last_log_line_nr" xml:"last_log_line_nr"`
	LoggingString string                 `json:"logging_string" xml:"logging_string"`
}

func summarize(kind Kind, it registry.Item[engine.Execution]) Summary {
	exec := it.Handle
	s := Summary{
		Kind:       kind,
		Name:       it.Entry.Name,
		ID:         it.Entry.ID,
		Status:     string(exec.Status()),
		LogDate:    it.RegisteredAt,
		StartedAt:  exec.StartedAt(),
		FinishedAt: exec.FinishedAt(),
	}
	if err := exec.Err(); err != nil {
		s.Error = err.Error()
	}
	switch {
	case !s.FinishedAt.IsZero():
		s.LogDate = s.FinishedAt
	case !s.StartedAt.IsZero():
		s.LogDate = s.StartedAt
	}
	return s
}

// List summarizes every registered execution of kind in registration order.
func (m *Manager) List(kind Kind) []Summary {
	reg, err := m.registryFor(kind)
	if err != nil {
		return nil
	}
	items := reg.Items()
	out := make([]Summary, 0, len(items))
	for _, it := range items {
		out = append(out, summarize(kind, it))
	}
	return out
}

// Status describes one execution with the log lines from position from on.
func (m *Manager) Status(kind Kind, name, id string, from uint64) (Detail, error) {
	it, err := m.Resolve(kind, name, id)
	if err != nil {
		return Detail{}, err
	}
	d := Detail{Summary: summarize(kind, it), LogLevel: it.Config.LogLevel, FirstLogLine: from}
	switch exec := it.Handle.(type) {
	case engine.Sniffable:
		d.Steps = exec.Steps()
	case *pipeline.Job:
		d.Entries = exec.Entries()
	}
	m.mu.RLock()
	meta := m.meta[it.Entry.ID]
	m.mu.RUnlock()
	if meta != nil {
		d.LoggingString, d.LastLogLine = meta.logs.Text(from)
	}
	return d, nil
}
