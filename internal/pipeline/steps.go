package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"time"

	"github.com/loykin/carte/internal/engine"
)

// stepRunner is the behavior of one step copy. in is nil for the first step.
type stepRunner interface {
	run(ctx context.Context, sc *stepCopy, in <-chan rowMsg) error
}

type kind struct {
	source bool
	build  func(c stepConfig) (stepRunner, error)
}

var kinds = map[string]kind{
	"generate": {source: true, build: newGenerateStep},
	"command":  {source: true, build: newCommandStep},
	"sequence": {build: newSequenceStep},
	"filter":   {build: newFilterStep},
	"delay":    {build: newDelayStep},
	"dummy":    {build: func(stepConfig) (stepRunner, error) { return passThrough{}, nil }},
}

// StepTypes lists the supported step types.
func StepTypes() []string {
	return []string{"generate", "command", "sequence", "filter", "delay", "dummy"}
}

// generate emits limit rows of constant fields; limit 0 runs until stopped.
type generateStep struct {
	limit    int64
	interval time.Duration
	meta     *engine.RowMeta
	values   engine.Row
}

func newGenerateStep(c stepConfig) (stepRunner, error) {
	limit, err := c.Int("limit", 10)
	if err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, fmt.Errorf("step %s: limit must be >= 0", c.step)
	}
	interval, err := c.Duration("interval", 0)
	if err != nil {
		return nil, err
	}
	meta, values, err := c.Fields("fields")
	if err != nil {
		return nil, err
	}
	return &generateStep{limit: limit, interval: interval, meta: meta, values: values}, nil
}

func (g *generateStep) run(ctx context.Context, sc *stepCopy, _ <-chan rowMsg) error {
	for i := int64(0); g.limit == 0 || i < g.limit; i++ {
		if err := sc.emit(ctx, g.meta, g.values.Clone()); err != nil {
			return err
		}
		if g.interval > 0 {
			if err := sleep(ctx, g.interval); err != nil {
				return err
			}
		}
	}
	return nil
}

// command runs a shell command and emits one row per stdout line.
type commandStep struct {
	script string
	meta   *engine.RowMeta
}

func newCommandStep(c stepConfig) (stepRunner, error) {
	script := c.String("command", "")
	if script == "" {
		return nil, fmt.Errorf("step %s: command is required", c.step)
	}
	return &commandStep{
		script: script,
		meta:   engine.NewRowMeta(engine.ValueMeta{Name: "line", Type: engine.TypeString}),
	}, nil
}

func (s *commandStep) run(ctx context.Context, sc *stepCopy, _ <-chan rowMsg) error {
	cmd := shellCommand(ctx, s.script)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}
	sc.logger.Debug("command started", "pid", cmd.Process.Pid)
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var emitErr error
	for scanner.Scan() {
		if emitErr = sc.emit(ctx, s.meta, engine.Row{scanner.Text()}); emitErr != nil {
			break
		}
	}
	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if emitErr != nil {
		return emitErr
	}
	if waitErr != nil {
		return fmt.Errorf("command failed: %w", waitErr)
	}
	return scanner.Err()
}

// sequence appends an increasing integer field. Each copy counts on its own.
type sequenceStep struct {
	field     string
	next      int64
	increment int64
	inMeta    *engine.RowMeta
	outMeta   *engine.RowMeta
}

func newSequenceStep(c stepConfig) (stepRunner, error) {
	start, err := c.Int("start", 1)
	if err != nil {
		return nil, err
	}
	inc, err := c.Int("increment", 1)
	if err != nil {
		return nil, err
	}
	return &sequenceStep{field: c.String("field", "seq"), next: start, increment: inc}, nil
}

func (s *sequenceStep) run(ctx context.Context, sc *stepCopy, in <-chan rowMsg) error {
	for {
		msg, ok, err := sc.next(ctx, in)
		if err != nil || !ok {
			return err
		}
		if msg.meta != s.inMeta {
			s.inMeta = msg.meta
			s.outMeta = msg.meta.With(engine.ValueMeta{Name: s.field, Type: engine.TypeInteger})
		}
		row := append(msg.row.Clone(), s.next)
		s.next += s.increment
		if err := sc.emit(ctx, s.outMeta, row); err != nil {
			return err
		}
	}
}

// filter keeps rows whose field renders equal to value (or not, with negate).
type filterStep struct {
	field  string
	value  string
	negate bool
}

func newFilterStep(c stepConfig) (stepRunner, error) {
	field := c.String("field", "")
	if field == "" {
		return nil, fmt.Errorf("step %s: field is required", c.step)
	}
	return &filterStep{field: field, value: c.String("value", ""), negate: c.Bool("negate", false)}, nil
}

func (f *filterStep) run(ctx context.Context, sc *stepCopy, in <-chan rowMsg) error {
	for {
		msg, ok, err := sc.next(ctx, in)
		if err != nil || !ok {
			return err
		}
		idx := msg.meta.IndexOf(f.field)
		if idx < 0 || idx >= len(msg.row) {
			return fmt.Errorf("field %q not found in %s", f.field, msg.meta)
		}
		match := engine.FormatValue(msg.row[idx]) == f.value
		if match == f.negate {
			continue
		}
		if err := sc.emit(ctx, msg.meta, msg.row); err != nil {
			return err
		}
	}
}

// delay waits before passing each row on.
type delayStep struct{ d time.Duration }

func newDelayStep(c stepConfig) (stepRunner, error) {
	d, err := c.Duration("delay", 100*time.Millisecond)
	if err != nil {
		return nil, err
	}
	return delayStep{d: d}, nil
}

func (s delayStep) run(ctx context.Context, sc *stepCopy, in <-chan rowMsg) error {
	for {
		msg, ok, err := sc.next(ctx, in)
		if err != nil || !ok {
			return err
		}
		if err := sleep(ctx, s.d); err != nil {
			return err
		}
		if err := sc.emit(ctx, msg.meta, msg.row); err != nil {
			return err
		}
	}
}

type passThrough struct{}

func (passThrough) run(ctx context.Context, sc *stepCopy, in <-chan rowMsg) error {
	for {
		msg, ok, err := sc.next(ctx, in)
		if err != nil || !ok {
			return err
		}
		if err := sc.emit(ctx, msg.meta, msg.row); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
