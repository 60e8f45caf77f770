package engine

import (
	"fmt"
	"strings"
)

// Direction selects which side of a step a sniffer observes.
type Direction int

const (
	// Output observes rows written by the step.
	Output Direction = iota
	// Input observes rows read by the step.
	Input
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// ParseDirection accepts "input" or "output" (case-insensitive); empty means output.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "output":
		return Output, nil
	case "input":
		return Input, nil
	default:
		return Output, fmt.Errorf("invalid sniff type %q: expected input or output", s)
	}
}
