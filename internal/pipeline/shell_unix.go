//go:build !windows

package pipeline

import (
	"context"
	"os/exec"
)

// shellCommand returns a shell command for Unix systems
func shellCommand(ctx context.Context, script string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", script)
}
