//go:build !unix

package sandbox

import (
	"os"
	"syscall"
)

var resourceSignals = []syscall.Signal{syscall.SIGKILL}

func processAttributes(*RunAs) *syscall.SysProcAttr {
	return nil
}

func killProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	_ = p.Kill()
	return nil
}
