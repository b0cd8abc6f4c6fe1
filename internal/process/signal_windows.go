//go:build windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

type signal int

const (
	sigTerm signal = iota
	sigKill
)

const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// signalGroup has no graceful variant on Windows; both signals terminate.
func signalGroup(proc *os.Process, _ signal) error {
	err := proc.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
