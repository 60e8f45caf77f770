package registry

import "fmt"

// Entry identifies one execution by name and id. Several entries may share a
// name; the id is unique among live executions.
type Entry struct {
	Name string `json:"name" xml:"name"`
	ID   string `json:"id" xml:"id"`
}

func (e Entry) String() string { return fmt.Sprintf("%s (%s)", e.Name, e.ID) }

// Valid reports whether both name and id are set.
func (e Entry) Valid() bool { return e.Name != "" && e.ID != "" }

// Config is the execution configuration captured at registration time.
type Config struct {
	LogLevel   string            `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Variables  map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// Clone returns a deep copy so callers can't mutate registered state.
func (c Config) Clone() Config {
	out := Config{LogLevel: c.LogLevel}
	if c.Parameters != nil {
		out.Parameters = make(map[string]string, len(c.Parameters))
		for k, v := range c.Parameters {
			out.Parameters[k] = v
		}
	}
	if c.Variables != nil {
		out.Variables = make(map[string]string, len(c.Variables))
		for k, v := range c.Variables {
			out.Variables[k] = v
		}
	}
	return out
}
