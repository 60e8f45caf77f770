package server

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/env"
	"github.com/loykin/carte/internal/registry"
)

const (
	defaultSniffBuffer = 50
	maxLines           = 100000
)

var errNameRequired = errors.New("missing parameter: name or id is required")

func yes(s string) bool { return strings.EqualFold(strings.TrimSpace(s), "y") }

// target names one execution: by id when given, else the most recent with
// that name.
type target struct {
	Name string
	ID   string
}

// parseTarget reads the execution name from the first non-empty of keys.
func parseTarget(q url.Values, keys ...string) (target, error) {
	t := target{ID: strings.TrimSpace(q.Get("id"))}
	for _, k := range keys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			t.Name = v
			break
		}
	}
	if t.Name == "" && t.ID == "" {
		return t, errNameRequired
	}
	return t, nil
}

type sniffParams struct {
	target
	Step      string
	Copy      int
	Direction engine.Direction
	Buffer    int
	Lines     int
	Stop      bool
}

func parseSniffParams(q url.Values) (sniffParams, error) {
	t, err := parseTarget(q, "trans", "name")
	if err != nil {
		return sniffParams{}, err
	}
	p := sniffParams{target: t, Step: strings.TrimSpace(q.Get("step")), Buffer: defaultSniffBuffer}
	if p.Step == "" {
		return p, errors.New("missing parameter: step")
	}
	if p.Copy, err = intParam(q, "copynr", 0); err != nil {
		return p, err
	}
	if p.Copy < 0 {
		return p, fmt.Errorf("invalid copynr %d", p.Copy)
	}
	if p.Direction, err = engine.ParseDirection(q.Get("type")); err != nil {
		return p, err
	}
	if p.Buffer, err = intParam(q, "buffer", defaultSniffBuffer); err != nil {
		return p, err
	}
	if p.Lines, err = intParam(q, "lines", 0); err != nil {
		return p, err
	}
	if p.Lines < 0 || p.Lines > maxLines {
		return p, fmt.Errorf("invalid lines %d", p.Lines)
	}
	p.Stop = strings.EqualFold(strings.TrimSpace(q.Get("cmd")), "stop")
	return p, nil
}

func intParam(q url.Values, key string, def int) (int, error) {
	s := strings.TrimSpace(q.Get(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def, fmt.Errorf("invalid %s %q: not a number", key, s)
	}
	return n, nil
}

// fromParam is the first log line to return; invalid values mean all lines.
func fromParam(q url.Values) uint64 {
	n, err := strconv.ParseUint(strings.TrimSpace(q.Get("from")), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// execConfig reads the log level plus repeated param=K=V and var=K=V
// arguments of add and run requests.
func execConfig(q url.Values) registry.Config {
	cfg := registry.Config{LogLevel: strings.TrimSpace(q.Get("level"))}
	if p := env.ParsePairs(q["param"]); len(p) > 0 {
		cfg.Parameters = p
	}
	if v := env.ParsePairs(q["var"]); len(v) > 0 {
		cfg.Variables = v
	}
	return cfg
}
