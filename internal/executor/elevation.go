package executor

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// elevationProbe checks that running as user would actually work.
type elevationProbe func(ctx context.Context, user string) error

// probeElevation verifies non-interactive elevation: sudo must be on
// PATH and `sudo -n -u user true` must succeed without prompting. A
// missing sudoers entry, an unknown user or a password prompt all
// surface as errors here instead of hanging a job step.
func probeElevation(ctx context.Context, user string) error {
	if _, err := exec.LookPath("sudo"); err != nil {
		return fmt.Errorf("sudo not available: %w", err)
	}

	probe := exec.CommandContext(ctx, "sudo", "-n", "-u", user, "true")
	probe.Stdout = io.Discard
	probe.Stderr = io.Discard
	if err := probe.Run(); err != nil {
		return fmt.Errorf("non-interactive sudo as %q failed: %w", user, err)
	}
	return nil
}
