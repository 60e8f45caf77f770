// Package engine defines what the execution host needs from a dataflow
// engine: lifecycle control of an identifiable execution and per-row
// observation of a step copy.
package engine

import (
	"context"
	"errors"
	"time"
)

var (
	ErrStepNotFound   = errors.New("step not found")
	ErrNotSniffable   = errors.New("execution has no sniffable steps")
	ErrAlreadyStarted = errors.New("execution already started")
	ErrNotRunning     = errors.New("execution is not running")
)

// Status is the externally visible state of an execution.
type Status string

const (
	StatusWaiting    Status = "Waiting"
	StatusRunning    Status = "Running"
	StatusPaused     Status = "Paused"
	StatusStopped    Status = "Stopped"
	StatusFinished   Status = "Finished"
	StatusFinishedKO Status = "Finished (with errors)"
)

// Active reports whether the execution is still running or paused.
func (s Status) Active() bool { return s == StatusRunning || s == StatusPaused }

// Terminal reports whether the execution has ended.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFinished || s == StatusFinishedKO
}

// RowFunc receives one row observed at a step. It runs on the engine's step
// goroutine and must return quickly.
type RowFunc func(meta *RowMeta, row Row)

// StepCopy is one running copy of a step that can be observed.
type StepCopy interface {
	StepName() string
	CopyNr() int
	// Subscribe registers fn for the given direction. The returned function
	// removes the subscription; once it returns fn is not running and will
	// not be called again.
	Subscribe(dir Direction, fn RowFunc) (unsubscribe func())
}

// StepStatus reports progress of one step copy.
type StepStatus struct {
	Name         string        `json:"name" xml:"stepname"`
	Copy         int           `json:"copy" xml:"copy"`
	Status       string        `json:"status" xml:"status_description"`
	LinesRead    int64         `json:"lines_read" xml:"linesRead"`
	LinesWritten int64         `json:"lines_written" xml:"linesWritten"`
	Errors       int64         `json:"errors" xml:"errors"`
	Duration     time.Duration `json:"duration" xml:"-"`
}

// Execution is one running instance of a transformation or job.
type Execution interface {
	Name() string
	ID() string
	Start(ctx context.Context) error
	Stop()
	Pause() error
	Resume() error
	Status() Status
	// Done is closed when the execution reaches a terminal status.
	Done() <-chan struct{}
	Err() error
	StartedAt() time.Time
	FinishedAt() time.Time
}

// Sniffable is implemented by executions whose step copies can be observed.
type Sniffable interface {
	Execution
	StepCopy(name string, copyNr int) (StepCopy, error)
	Steps() []StepStatus
}
