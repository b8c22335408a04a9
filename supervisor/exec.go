package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Default bounds for sandboxed commands.
const (
	defaultWallClock   = 60 * time.Second
	defaultOutputBytes = 1 << 20
	defaultKillGrace   = 2 * time.Second
)

// BlockedByScanError means the pre-execution scan refused the artifact
// directory.
type BlockedByScanError struct {
	Scan *ScanResult
}

func (e *BlockedByScanError) Error() string {
	return fmt.Sprintf("sandbox blocked execution: %s (%d violations)", e.Scan.Reason, len(e.Scan.Violations))
}

// ResourceExceededError means the command blew one of its limits and its
// process group was terminated.
type ResourceExceededError struct {
	Limit string
}

func (e *ResourceExceededError) Error() string {
	return "sandbox resource limit exceeded: " + e.Limit
}

// ExecLimits bounds one sandboxed command. Zero fields take defaults.
type ExecLimits struct {
	// WallClock bounds total runtime.
	WallClock time.Duration
	// OutputBytes caps captured stdout and stderr, each.
	OutputBytes int64
	// KillGrace is how long the process group gets after SIGTERM before
	// SIGKILL.
	KillGrace time.Duration
}

// ExecResult is the outcome of a sandboxed command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Exec scans the artifact directory and then runs a command inside it.
// The command gets its own process group; on wall-clock expiry or output
// overflow the whole group is terminated, so a stage that spawned helpers
// cannot leave strays behind. A nonzero exit is reported in ExitCode, not
// as an error.
func (s *Sandbox) Exec(ctx context.Context, dir string, limits ExecLimits, name string, args ...string) (*ExecResult, error) {
	scan, err := s.ScanDir(dir)
	if err != nil {
		return nil, err
	}
	if scan.Killed {
		return nil, &BlockedByScanError{Scan: scan}
	}

	if limits.WallClock <= 0 {
		limits.WallClock = defaultWallClock
	}
	if limits.OutputBytes <= 0 {
		limits.OutputBytes = defaultOutputBytes
	}
	if limits.KillGrace <= 0 {
		limits.KillGrace = defaultKillGrace
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative pid addresses the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = limits.KillGrace

	stdout := &cappedBuffer{remaining: limits.OutputBytes, kill: cancel}
	stderr := &cappedBuffer{remaining: limits.OutputBytes, kill: cancel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &ExecResult{
		Stdout:   stdout.buf.String(),
		Stderr:   stderr.buf.String(),
		Duration: time.Since(start),
	}

	switch {
	case stdout.overflowed || stderr.overflowed:
		return res, &ResourceExceededError{Limit: "output_bytes"}
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return res, &ResourceExceededError{Limit: "wall_clock"}
	case runErr == nil:
		return res, nil
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, runErr
	}
}

// cappedBuffer captures command output up to a limit; crossing the limit
// triggers the kill callback and drops the excess.
type cappedBuffer struct {
	buf        bytes.Buffer
	remaining  int64
	overflowed bool
	kill       func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.overflowed {
		return n, nil
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
		b.overflowed = true
	}
	b.buf.Write(p)
	b.remaining -= int64(len(p))
	if b.overflowed && b.kill != nil {
		b.kill()
	}
	return n, nil
}
