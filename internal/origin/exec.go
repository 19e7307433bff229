package origin

import (
	"context"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

// runner executes subprocesses under an upper time bound. On expiry it
// sends SIGINT, waits out a grace period, then kills. A hang therefore
// surfaces as an error instead of stalling a fetch forever.
type runner struct {
	timeout time.Duration
	grace   time.Duration
	logger  *log.Logger
}

func newRunner(timeout time.Duration, logger *log.Logger) *runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &runner{
		timeout: timeout,
		grace:   500 * time.Millisecond,
		logger:  logger,
	}
}

// run starts cmd and waits for it, bounded by the runner's timeout on top
// of whatever deadline ctx already carries.
func (r *runner) run(ctx context.Context, cmd *exec.Cmd) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	err := r.runCommand(ctx, cmd)
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Warn("subprocess timed out",
			"command", cmd.Path,
			"timeout", r.timeout)
		return context.DeadlineExceeded
	}

	r.logger.Debug("subprocess finished",
		"command", cmd.Path,
		"duration", duration,
		"err", err)
	return err
}

func (r *runner) runCommand(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		interrupt(cmd)
		select {
		case <-done:
		case <-time.After(r.grace):
			if cmd.Process != nil {
				cmd.Process.Kill() //nolint:errcheck
			}
			<-done
		}
		return ctx.Err()
	}
}

// interrupt asks the process to stop. SIGINT lets yt-dlp and ffmpeg clean
// up partial output where they can; windows has no equivalent.
func interrupt(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		cmd.Process.Kill() //nolint:errcheck
		return
	}
	cmd.Process.Signal(syscall.SIGINT) //nolint:errcheck
}
