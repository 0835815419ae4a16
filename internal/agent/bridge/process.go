package bridge

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
)

// killGrace is how long a child gets to exit after SIGTERM before it is
// force-killed.
const killGrace = 3 * time.Second

// process wraps the spawned agent child: its pipes, its process group and
// its exit state.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *logger.Logger

	waitOnce sync.Once
	done     chan struct{} // closed once the child has been reaped
	exitCode int
}

// startProcess spawns the agent binary in its own process group so the
// whole subprocess tree can be terminated together.
func startProcess(command string, args []string, env map[string]string, cwd string, log *logger.Logger) (*process, error) {
	cmd := exec.Command(command, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = mergeEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	log.Debug("agent process started",
		zap.String("command", command),
		zap.Strings("args", args),
		zap.Int("pid", cmd.Process.Pid))

	return &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: log,
		done:   make(chan struct{}),
	}, nil
}

// reap waits for the child to exit and records its exit code. Safe to call
// from multiple goroutines; only the first performs the Wait.
func (p *process) reap() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		p.exitCode = exitStatus(err)
		if err != nil {
			p.logger.Debug("agent process exited",
				zap.Int("exit_code", p.exitCode),
				zap.Error(err))
		}
		close(p.done)
	})
	<-p.done
	return p.exitCode
}

// stop closes stdin, sends SIGTERM to the process group, and escalates to
// SIGKILL after the grace period. It returns once the child has been
// reaped by the read loop.
func (p *process) stop() {
	_ = p.stdin.Close()

	select {
	case <-p.done:
		return
	default:
	}

	pgid, err := syscall.Getpgid(p.cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGTERM)
	} else {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
	case <-time.After(killGrace):
		p.logger.Warn("agent process ignored SIGTERM, killing",
			zap.Int("pid", p.cmd.Process.Pid))
		if err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		} else {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
}

// exitStatus extracts the exit code from a Wait error.
func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return ws.ExitStatus()
		}
	}
	return 1
}

// mergeEnv layers the provider's environment on top of the parent process
// environment. exec.Cmd uses the last value for duplicate keys, so appended
// entries override inherited ones.
func mergeEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	merged := os.Environ()
	for k, v := range env {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}
