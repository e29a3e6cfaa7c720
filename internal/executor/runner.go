package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/fleetward/deviceops/internal/model"
)

// Runner executes one resolved command and captures its outcome.
// Implementations must honor ctx cancellation by killing the process.
type Runner interface {
	Run(ctx context.Context, cmd model.Command) (model.ExecutionOutput, error)
}

const (
	maxOutputLines = 1000
	maxOutputBytes = 32 * 1024

	// appended to a stream that hit the line or byte bound
	truncatedMark = "\n[Output truncated: exceeded limit]"
	// appended after the hard byte cut, so a single oversized line
	// still ends with a visible marker
	sizeMark = "\n[Output truncated: size limit]"

	// how long Wait may linger on inherited pipes after the process
	// is gone (orphaned grandchildren holding stdout open)
	reapDelay = 5 * time.Second
)

// SystemRunner spawns commands through os/exec. Each command runs in
// its own process group and the whole group is killed on cancellation,
// so shell children do not outlive their step.
type SystemRunner struct {
	logger *slog.Logger
}

func NewSystemRunner(logger *slog.Logger) *SystemRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &SystemRunner{logger: logger}
}

func (r *SystemRunner) Run(ctx context.Context, cmd model.Command) (model.ExecutionOutput, error) {
	argv := argv(cmd)

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = reapDelay
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		return syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
	}

	r.logger.DebugContext(ctx, "spawning command", "path", argv[0], "args", argv[1:])
	started := time.Now()
	err := c.Run()
	elapsed := time.Since(started)

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// never started or was not waitable; there is no exit state
		return model.ExecutionOutput{}, fmt.Errorf("spawning %q: %w", argv[0], err)
	}

	outStr, outTruncated := limitOutput(stdout.Bytes())
	errStr, errTruncated := limitOutput(stderr.Bytes())

	out := model.ExecutionOutput{
		Stdout:          outStr,
		Stderr:          errStr,
		ExitCode:        c.ProcessState.ExitCode(), // -1 when killed by a signal
		Duration:        elapsed,
		StderrLines:     countLines(errStr),
		StdoutTruncated: outTruncated,
		StderrTruncated: errTruncated,
	}
	r.logger.DebugContext(ctx, "command finished",
		"path", argv[0],
		"exit_code", out.ExitCode,
		"duration", elapsed,
		"stderr_lines", out.StderrLines,
	)
	return out, nil
}

// argv builds the final invocation, routing through non-interactive
// sudo when the command must run as another user.
func argv(cmd model.Command) []string {
	if cmd.RunAsUser != "" {
		out := []string{"sudo", "-u", cmd.RunAsUser, "-n", cmd.Path}
		return append(out, cmd.Args...)
	}
	return append([]string{cmd.Path}, cmd.Args...)
}

// limitOutput bounds a captured stream to maxOutputLines lines and
// maxOutputBytes bytes, in that order, so a single long line cannot
// bypass the byte limit. The returned bool reports truncation.
func limitOutput(raw []byte) (string, bool) {
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")

	truncated := false
	if len(lines) > maxOutputLines {
		lines = lines[:maxOutputLines]
		truncated = true
	}

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		if b.Len() > maxOutputBytes-100 {
			truncated = true
			break
		}
	}

	out := b.String()
	if truncated {
		out += truncatedMark
	}
	if len(out) > maxOutputBytes {
		cut := maxOutputBytes - len(sizeMark)
		// back off to a rune boundary so the cut never leaves a
		// broken UTF-8 sequence in the status payload
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + sizeMark
	}
	return out, truncated
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
