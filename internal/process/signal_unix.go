//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

type signal = syscall.Signal

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

func configureSysProcAttr(cmd *exec.Cmd) {
	// new process group so signals reach the worker's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group led by proc, falling back to the
// process itself when the group is gone.
func signalGroup(proc *os.Process, sig signal) error {
	err := syscall.Kill(-proc.Pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ESRCH) {
		err = proc.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
	}
	return err
}
