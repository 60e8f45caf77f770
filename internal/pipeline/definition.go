package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// StepDef declares one step of a transformation. Steps form a linear
// pipeline: rows written by step i are read by step i+1.
type StepDef struct {
	Name   string         `json:"name" yaml:"name" mapstructure:"name"`
	Type   string         `json:"type" yaml:"type" mapstructure:"type"`
	Copies int            `json:"copies,omitempty" yaml:"copies,omitempty" mapstructure:"copies"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty" mapstructure:"config"`
}

// Definition describes a transformation.
type Definition struct {
	Name        string            `json:"name" yaml:"name" mapstructure:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Variables   map[string]string `json:"variables,omitempty" yaml:"variables,omitempty" mapstructure:"variables"`
	Steps       []StepDef         `json:"steps" yaml:"steps" mapstructure:"steps"`
}

// Validate checks names, step types and source placement.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("transformation requires a name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("transformation %s has no steps", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("transformation %s: step %d requires a name", d.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("transformation %s: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true
		k, ok := kinds[s.Type]
		if !ok {
			return fmt.Errorf("transformation %s: step %s has unknown type %q", d.Name, s.Name, s.Type)
		}
		if k.source && i != 0 {
			return fmt.Errorf("transformation %s: %s step %s must be the first step", d.Name, s.Type, s.Name)
		}
		if s.Copies < 0 {
			return fmt.Errorf("transformation %s: step %s has negative copies", d.Name, s.Name)
		}
	}
	return nil
}

// JobEntry runs one transformation definition as part of a job.
type JobEntry struct {
	Name           string `json:"name" yaml:"name" mapstructure:"name"`
	Transformation string `json:"transformation" yaml:"transformation" mapstructure:"transformation"`
	IgnoreErrors   bool   `json:"ignore_errors,omitempty" yaml:"ignore_errors,omitempty" mapstructure:"ignore_errors"`
}

// JobDefinition describes a job: entries run one after another.
type JobDefinition struct {
	Name        string            `json:"name" yaml:"name" mapstructure:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	Variables   map[string]string `json:"variables,omitempty" yaml:"variables,omitempty" mapstructure:"variables"`
	Entries     []JobEntry        `json:"entries" yaml:"entries" mapstructure:"entries"`
}

func (d JobDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("job requires a name")
	}
	if len(d.Entries) == 0 {
		return fmt.Errorf("job %s has no entries", d.Name)
	}
	for i, e := range d.Entries {
		if e.Transformation == "" {
			return fmt.Errorf("job %s: entry %d requires a transformation", d.Name, i)
		}
	}
	return nil
}

// ParseDefinition decodes a transformation definition from JSON or YAML.
func ParseDefinition(data []byte) (Definition, error) {
	var d Definition
	if err := decode(data, &d); err != nil {
		return Definition{}, fmt.Errorf("decode transformation: %w", err)
	}
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// ParseJobDefinition decodes a job definition from JSON or YAML.
func ParseJobDefinition(data []byte) (JobDefinition, error) {
	var d JobDefinition
	if err := decode(data, &d); err != nil {
		return JobDefinition{}, fmt.Errorf("decode job: %w", err)
	}
	if err := d.Validate(); err != nil {
		return JobDefinition{}, err
	}
	return d, nil
}

// LoadDefinition reads a transformation definition file (.json, .yaml, .yml).
func LoadDefinition(path string) (Definition, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Definition{}, err
	}
	return ParseDefinition(b)
}

// LoadJobDefinition reads a job definition file.
func LoadJobDefinition(path string) (JobDefinition, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return JobDefinition{}, err
	}
	return ParseJobDefinition(b)
}

func decode(data []byte, v any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return errors.New("empty definition")
	}
	if trimmed[0] == '{' {
		return json.Unmarshal(trimmed, v)
	}
	return yaml.Unmarshal(trimmed, v)
}
