//go:build windows

package pidfile

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// Windows has no SIGTERM; both steps kill the process.
func terminate(pid int) error { return kill(pid) }

func kill(pid int) error {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}

func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
