package executor

import (
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/idlewatch/idlewatch/internal/logging"
)

// Proc is a spawned step command. Ownership stays with the executor
// until the process is reaped or the daemon shuts down.
type Proc interface {
	PID() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	Terminate() error
	Kill() error
}

// Service is the thin sink the executor calls for side effects. Swapped
// out in tests.
type Service interface {
	Spawn(command string) (Proc, error)
	Notify(message string)
}

// ShellService runs commands through `sh -c` with output discarded and
// notifications through notify-send.
type ShellService struct{}

type shellProc struct {
	cmd *exec.Cmd
}

func (p *shellProc) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *shellProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (p *shellProc) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *shellProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (ShellService) Spawn(command string) (Proc, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &shellProc{cmd: cmd}, nil
}

func (ShellService) Notify(message string) {
	cmd := exec.Command("sh", "-c",
		"notify-send -a idlewatch '"+escapeSingleQuotes(message)+"'")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		log := logging.WithComponent("service")
		log.Warn().Err(err).Msg("notify-send failed")
		return
	}
	go cmd.Wait() //nolint:errcheck
}

func escapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}
