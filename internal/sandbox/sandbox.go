// Package sandbox runs the container validation command for a proposed fix.
//
// Validation is the hard gate between "the AI thinks this fixes it" and "a
// PR gets opened": the configured command runs in a working directory with a
// timeout and an output cap, and its combined output becomes the attempt's
// validation log.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// PassedMarker annotates validation logs of passing runs.
	PassedMarker = "[CONTAINER_VALIDATION_PASSED]"

	// FailedMarker annotates validation logs of failing runs.
	FailedMarker = "[CONTAINER_VALIDATION_FAILED]"

	// DefaultTimeout bounds the validation command.
	DefaultTimeout = 900 * time.Second

	// DefaultMaxOutput caps captured combined stdout/stderr.
	DefaultMaxOutput = 10 * 1024 * 1024

	truncatedNote = "\n... [output truncated]"
)

// Config controls the validator.
type Config struct {
	// Required makes a missing command a validation failure instead of a
	// skip.
	Required bool

	// Command is the shell command to run, empty to skip (see Required).
	Command string

	// WorkDir is the working directory for the command.
	WorkDir string

	// Timeout bounds the command. Zero means DefaultTimeout.
	Timeout time.Duration

	// MaxOutput caps captured output bytes. Zero means DefaultMaxOutput.
	MaxOutput int64
}

// Outcome is the result of one validation.
type Outcome struct {
	// Ran is false when no command was configured.
	Ran bool

	// Passed reports whether the attempt may proceed to PR creation.
	Passed bool

	// Log is the annotated combined output.
	Log string

	// Reason explains a failure.
	Reason string
}

// Validator executes the configured validation command.
type Validator struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Validator.
func New(cfg Config, logger *zap.Logger) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = DefaultMaxOutput
	}
	return &Validator{cfg: cfg, logger: logger.Named("sandbox")}
}

// Validate runs the command and reports the gate decision.
func (v *Validator) Validate(ctx context.Context) Outcome {
	if v.cfg.Command == "" {
		if v.cfg.Required {
			return Outcome{
				Passed: false,
				Log:    FailedMarker + " no validation command configured",
				Reason: "container validation required but no command configured",
			}
		}
		return Outcome{Passed: true}
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	output := newCappedBuffer(v.cfg.MaxOutput)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", v.cfg.Command)
	if v.cfg.WorkDir != "" {
		cmd.Dir = v.cfg.WorkDir
	}
	cmd.Stdout = output
	cmd.Stderr = output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err == nil {
		v.logger.Info("container validation passed", zap.Duration("elapsed", elapsed))
		return Outcome{
			Ran:    true,
			Passed: true,
			Log:    PassedMarker + "\n" + output.String(),
		}
	}

	reason := failureReason(ctx, err, v.cfg.Timeout)
	v.logger.Warn("container validation failed",
		zap.Duration("elapsed", elapsed),
		zap.String("reason", reason),
	)
	return Outcome{
		Ran:    true,
		Passed: false,
		Log:    FailedMarker + "\n" + output.String(),
		Reason: reason,
	}
}

func failureReason(ctx context.Context, err error, timeout time.Duration) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Sprintf("validation command timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("validation command exited with code %d", exitErr.ExitCode())
	}
	return fmt.Sprintf("validation command failed: %v", err)
}

// cappedBuffer keeps the first max bytes and discards the rest, so a noisy
// command cannot exhaust memory.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int64
	truncated bool
}

func newCappedBuffer(max int64) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - int64(b.buf.Len())
	if remaining > 0 {
		if int64(len(p)) > remaining {
			b.buf.Write(p[:remaining])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + truncatedNote
	}
	return b.buf.String()
}
