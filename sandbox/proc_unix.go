//go:build unix

package sandbox

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// resourceSignals terminate a process that exceeded a limit: SIGKILL from
// the kernel OOM killer or the hard CPU limit, SIGXCPU and SIGXFSZ from the
// soft limits.
var resourceSignals = []syscall.Signal{syscall.SIGKILL, syscall.SIGXCPU, syscall.SIGXFSZ}

func processAttributes(runAs *RunAs) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if runAs != nil {
		attr.Credential = &syscall.Credential{Uid: runAs.UID, Gid: runAs.GID}
	}
	return attr
}

// killProcessGroup sends SIGKILL to every process in the group led by pid.
func killProcessGroup(pid int) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
