package pipeline

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/loykin/carte/internal/engine"
	"github.com/loykin/carte/internal/env"
)

// stepConfig reads typed values out of a step's free-form config, expanding
// ${VAR} references in strings.
type stepConfig struct {
	step string
	raw  map[string]any
	vars env.Var
}

func (c stepConfig) String(key, def string) string {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return c.vars.Expand(def)
	}
	return c.vars.Expand(fmt.Sprint(v))
}

func (c stepConfig) Int(key string, def int64) (int64, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("step %s: %s must be an integer", c.step, key)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(c.vars.Expand(x), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("step %s: %s: %w", c.step, key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("step %s: %s has unsupported type %T", c.step, key, v)
	}
}

func (c stepConfig) Bool(key string, def bool) bool {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, err := strconv.ParseBool(c.vars.Expand(x))
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

// Duration accepts Go duration strings or a number of milliseconds.
func (c stepConfig) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return def, nil
	}
	switch x := v.(type) {
	case string:
		d, err := time.ParseDuration(c.vars.Expand(x))
		if err != nil {
			return 0, fmt.Errorf("step %s: %s: %w", c.step, key, err)
		}
		return d, nil
	case int:
		return time.Duration(x) * time.Millisecond, nil
	case int64:
		return time.Duration(x) * time.Millisecond, nil
	case float64:
		return time.Duration(x * float64(time.Millisecond)), nil
	default:
		return 0, fmt.Errorf("step %s: %s has unsupported type %T", c.step, key, v)
	}
}

// Fields reads constant field definitions either as a map (sorted by name)
// or as a list of {name, value} objects (kept in order).
func (c stepConfig) Fields(key string) (*engine.RowMeta, engine.Row, error) {
	v, ok := c.raw[key]
	if !ok || v == nil {
		return engine.NewRowMeta(), engine.Row{}, nil
	}
	meta := engine.NewRowMeta()
	var row engine.Row
	add := func(name string, val any) {
		val = c.normalize(val)
		meta.Values = append(meta.Values, engine.ValueMeta{Name: name, Type: engine.TypeOf(val)})
		row = append(row, val)
	}
	switch x := v.(type) {
	case map[string]any:
		names := make([]string, 0, len(x))
		for k := range x {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, n := range names {
			add(n, x[n])
		}
	case []any:
		for i, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("step %s: %s[%d] must be an object", c.step, key, i)
			}
			name, _ := m["name"].(string)
			if name == "" {
				return nil, nil, fmt.Errorf("step %s: %s[%d] requires a name", c.step, key, i)
			}
			add(name, m["value"])
		}
	default:
		return nil, nil, fmt.Errorf("step %s: %s has unsupported type %T", c.step, key, v)
	}
	return meta, row, nil
}

func (c stepConfig) normalize(v any) any {
	switch x := v.(type) {
	case string:
		return c.vars.Expand(x)
	case int:
		return int64(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x)
		}
		return x
	default:
		return v
	}
}
