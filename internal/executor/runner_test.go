package executor

import (
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/fleetward/deviceops/internal/model"

	"github.com/stretchr/testify/require"
)

func TestArgv(t *testing.T) {
	t.Parallel()

	plain := argv(model.Command{Path: "/bin/ls", Args: []string{"-l", "/tmp"}})
	require.Equal(t, []string{"/bin/ls", "-l", "/tmp"}, plain)

	elevated := argv(model.Command{Path: "/bin/ls", Args: []string{"-l"}, RunAsUser: "backup"})
	require.Equal(t, []string{"sudo", "-u", "backup", "-n", "/bin/ls", "-l"}, elevated)
}

func TestLimitOutput(t *testing.T) {
	t.Parallel()

	t.Run("passthrough", func(t *testing.T) {
		t.Parallel()
		out, truncated := limitOutput([]byte("hi\n"))
		require.Equal(t, "hi", out)
		require.False(t, truncated)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		out, truncated := limitOutput(nil)
		require.Empty(t, out)
		require.False(t, truncated)
	})

	t.Run("exactly_at_line_limit", func(t *testing.T) {
		t.Parallel()
		raw := strings.Repeat("x\n", maxOutputLines)
		out, truncated := limitOutput([]byte(raw))
		require.False(t, truncated)
		require.Equal(t, maxOutputLines, strings.Count(out, "\n")+1)
	})

	t.Run("line_limit", func(t *testing.T) {
		t.Parallel()
		raw := strings.Repeat("x\n", 1500)
		out, truncated := limitOutput([]byte(raw))
		require.True(t, truncated)
		require.True(t, strings.HasSuffix(out, truncatedMark))

		content := strings.TrimSuffix(out, truncatedMark)
		require.Equal(t, maxOutputLines, strings.Count(content, "\n")+1)
	})

	t.Run("single_long_line", func(t *testing.T) {
		t.Parallel()
		raw := []byte(strings.Repeat("y", 40*1024))
		out, truncated := limitOutput(raw)
		require.True(t, truncated)
		require.True(t, strings.HasSuffix(out, sizeMark))
		require.LessOrEqual(t, len(out), maxOutputBytes)
	})

	t.Run("cut_lands_on_rune_boundary", func(t *testing.T) {
		t.Parallel()
		// three-byte runes guarantee the naive byte cut would split one
		raw := []byte(strings.Repeat("界", 16*1024))
		out, truncated := limitOutput(raw)
		require.True(t, truncated)
		require.True(t, strings.HasSuffix(out, sizeMark))
		require.LessOrEqual(t, len(out), maxOutputBytes)
		require.True(t, utf8.ValidString(out))
	})
}

func TestCountLines(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0, countLines(""))
	require.Equal(t, 1, countLines("warn"))
	require.Equal(t, 3, countLines("a\nb\nc"))
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh on PATH")
	}
	return sh
}

func TestSystemRunner_Run(t *testing.T) {
	t.Parallel()
	sh := requireShell(t)
	r := NewSystemRunner(nil)

	t.Run("captures_streams_and_exit_code", func(t *testing.T) {
		t.Parallel()
		out, err := r.Run(t.Context(), model.Command{
			Path: sh,
			Args: []string{"-c", "echo out; echo err 1>&2; exit 3"},
		})
		require.NoError(t, err)
		require.Equal(t, 3, out.ExitCode)
		require.Equal(t, "out", out.Stdout)
		require.Equal(t, "err", out.Stderr)
		require.Equal(t, 1, out.StderrLines)
		require.False(t, out.StdoutTruncated)
		require.Positive(t, out.Duration)
	})

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		out, err := r.Run(t.Context(), model.Command{
			Path: sh,
			Args: []string{"-c", "printf 'a\\nb\\n'"},
		})
		require.NoError(t, err)
		require.Equal(t, 0, out.ExitCode)
		require.Equal(t, "a\nb", out.Stdout)
		require.Empty(t, out.Stderr)
		require.Equal(t, 0, out.StderrLines)
	})

	t.Run("truncates_long_stdout", func(t *testing.T) {
		t.Parallel()
		out, err := r.Run(t.Context(), model.Command{
			Path: sh,
			Args: []string{"-c", "i=0; while [ $i -lt 1500 ]; do echo line; i=$((i+1)); done"},
		})
		require.NoError(t, err)
		require.Equal(t, 0, out.ExitCode)
		require.True(t, out.StdoutTruncated)
		require.True(t, strings.HasSuffix(out.Stdout, truncatedMark))
	})

	t.Run("spawn_failure", func(t *testing.T) {
		t.Parallel()
		_, err := r.Run(t.Context(), model.Command{Path: "/nonexistent/binary"})
		require.Error(t, err)
		require.ErrorContains(t, err, "spawning")
	})

	t.Run("killed_on_cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
		defer cancel()

		start := time.Now()
		out, err := r.Run(ctx, model.Command{
			Path: sh,
			Args: []string{"-c", "sleep 30"},
		})
		require.Less(t, time.Since(start), 10*time.Second)
		if err == nil {
			// killed by a signal, so there is no exit code
			require.Equal(t, -1, out.ExitCode)
		}
	})
}
