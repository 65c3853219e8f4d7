//go:build !windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcAttr(cmd *exec.Cmd) {
	// own process group so terminal signals to the supervisor do not reach the node
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func terminate(p *os.Process) error {
	return p.Signal(syscall.SIGTERM)
}

// kill takes down the whole process group.
func kill(p *os.Process) error {
	if err := syscall.Kill(-p.Pid, syscall.SIGKILL); err != nil {
		return p.Kill()
	}
	return nil
}
