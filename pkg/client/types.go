package client

import (
	"fmt"
	"time"
)

// Result is the WebResult answered by every action endpoint.
type Result struct {
	Result  string `json:"result"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func (r Result) OK() bool { return r.Result == "OK" }

// ResultError is returned when the server answered with an ERROR result.
type ResultError struct {
	Message string
}

func (e *ResultError) Error() string { return "server: " + e.Message }

// StatusError is returned for non-200 answers (authentication failures,
// internal errors).
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body) }

// ExecOptions are the optional arguments of add and run requests.
type ExecOptions struct {
	LogLevel   string
	Parameters map[string]string
	Variables  map[string]string
}

// Target names an execution; ID wins over Name when both are set.
type Target struct {
	Name string
	ID   string
}

type Summary struct {
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	LogDate    time.Time `json:"log_date"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

type StepStatus struct {
	Name         string `json:"name"`
	Copy         int    `json:"copy"`
	Status       string `json:"status"`
	LinesRead    int64  `json:"lines_read"`
	LinesWritten int64  `json:"lines_written"`
	Errors       int64  `json:"errors"`
}

type EntryStatus struct {
	Name           string `json:"name"`
	Transformation string `json:"transformation"`
	ID             string `json:"id,omitempty"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// Detail is the status of one transformation or job.
type Detail struct {
	Summary
	LogLevel      string        `json:"log_level,omitempty"`
	Steps         []StepStatus  `json:"steps,omitempty"`
	Entries       []EntryStatus `json:"entries,omitempty"`
	FirstLogLine  uint64        `json:"first_log_line_nr"`
	LastLogLine   uint64        `json:"last_log_line_nr"`
	LoggingString string        `json:"logging_string"`
}

type MachineInfo struct {
	Hostname    string  `json:"hostname"`
	OS          string  `json:"os"`
	Platform    string  `json:"platform"`
	CPUCores    int     `json:"cpu_cores"`
	LoadAvg     float64 `json:"load_avg"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryFree  uint64  `json:"memory_free"`
	ProcessRSS  uint64  `json:"process_rss"`
	CPUPercent  float64 `json:"cpu_percent"`
	Goroutines  int     `json:"goroutines"`
}

type ServerStatus struct {
	Name            string       `json:"name"`
	StatusDesc      string       `json:"status_desc"`
	StartedAt       time.Time    `json:"started_at"`
	Uptime          string       `json:"uptime"`
	Machine         *MachineInfo `json:"machine,omitempty"`
	SniffSessions   int          `json:"sniff_sessions"`
	Transformations []Summary    `json:"transformations"`
	Jobs            []Summary    `json:"jobs"`
}

// SniffRequest selects a step copy to sniff.
type SniffRequest struct {
	Target
	Step string
	Copy int
	// Input sniffs rows read by the step instead of rows written.
	Input  bool
	Buffer int
	Lines  int
}

type ValueMeta struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type RowMeta struct {
	Values []ValueMeta `json:"values"`
}

type SniffRow struct {
	Values []string `json:"values"`
}

type SniffResult struct {
	Name     string     `json:"name"`
	ID       string     `json:"id"`
	Step     string     `json:"step"`
	Copy     int        `json:"copy"`
	Type     string     `json:"type"`
	Meta     *RowMeta   `json:"row_meta"`
	NrRows   int        `json:"nr_rows"`
	Rows     []SniffRow `json:"rows"`
	Pushes   uint64     `json:"pushes"`
	Dropped  uint64     `json:"dropped"`
	Released bool       `json:"released"`
}

type SniffSession struct {
	ExecutionID   string    `json:"execution_id"`
	ExecutionName string    `json:"execution_name"`
	Step          string    `json:"step"`
	Copy          int       `json:"copy"`
	Direction     string    `json:"direction"`
	Capacity      int       `json:"capacity"`
	Size          int       `json:"size"`
	Pushes        uint64    `json:"pushes"`
	Dropped       uint64    `json:"dropped"`
	Released      bool      `json:"released"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccess    time.Time `json:"last_access"`
}
