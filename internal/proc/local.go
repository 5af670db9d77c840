package proc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
const terminationGracePeriod = 5 * time.Second

// Handle is a started external command.
type Handle interface {
	// Stdin is nil when the command was started without input.
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait returns the exit status. It must only be called after stdout and
	// stderr were read to EOF. A non-nil error means no status is available.
	Wait() (int, error)
	// Terminate asks the command to stop and forces it after a grace period.
	Terminate()
}

// Starter starts one command.
type Starter func(ctx context.Context) (Handle, error)

// LocalOptions configures a local command.
type LocalOptions struct {
	Shell     string
	WithStdin bool
	Grace     time.Duration
	Logger    *slog.Logger
}

// Local returns a Starter running command through a shell in its own
// process group, so termination reaches every child.
func Local(command string, opts LocalOptions) Starter {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Grace <= 0 {
		opts.Grace = terminationGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return func(ctx context.Context) (Handle, error) {
		// Not CommandContext: termination is managed by Terminate.
		cmd := exec.Command(opts.Shell, "-c", command)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		h := &localHandle{cmd: cmd, grace: opts.Grace, logger: opts.Logger, exited: make(chan struct{})}

		var err error
		if opts.WithStdin {
			if h.stdin, err = cmd.StdinPipe(); err != nil {
				return nil, fmt.Errorf("create stdin pipe: %w", err)
			}
		}
		if h.stdout, err = cmd.StdoutPipe(); err != nil {
			return nil, fmt.Errorf("create stdout pipe: %w", err)
		}
		if h.stderr, err = cmd.StderrPipe(); err != nil {
			return nil, fmt.Errorf("create stderr pipe: %w", err)
		}

		opts.Logger.Debug("spawning command", "command", command)
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start process: %w", err)
		}
		return h, nil
	}
}

type localHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
	grace  time.Duration
	logger *slog.Logger

	exited   chan struct{}
	termOnce sync.Once
}

func (h *localHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *localHandle) Stdout() io.Reader     { return h.stdout }
func (h *localHandle) Stderr() io.Reader     { return h.stderr }

func (h *localHandle) Wait() (int, error) {
	defer close(h.exited)

	err := h.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, fmt.Errorf("process terminated: %w", err)
	}
	return -1, fmt.Errorf("wait for process: %w", err)
}

func (h *localHandle) Terminate() {
	h.termOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		pgid := h.cmd.Process.Pid
		h.logger.Warn("terminating command, sending SIGTERM", "pid", pgid)
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			h.logger.Error("failed to send SIGTERM", "error", err)
		}

		go func() {
			grace := time.NewTimer(h.grace)
			defer grace.Stop()

			select {
			case <-h.exited:
				h.logger.Info("command exited after SIGTERM")
			case <-grace.C:
				h.logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
				if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
					h.logger.Error("failed to send SIGKILL", "error", err)
				}
			}
		}()
	})
}
