//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// applyRlimits sets the limits on a running process. Children inherit them.
func applyRlimits(pid int, l *Rlimits) error {
	limits := []struct {
		resource int
		name     string
		soft     uint64
		hard     uint64
	}{
		// SIGXCPU at the soft limit, SIGKILL one second later
		{unix.RLIMIT_CPU, "cpu", l.CPUSeconds, l.CPUSeconds + 1},
		{unix.RLIMIT_AS, "as", l.AddressSpace, l.AddressSpace},
		{unix.RLIMIT_NOFILE, "nofile", l.OpenFiles, l.OpenFiles},
		{unix.RLIMIT_NPROC, "nproc", l.Processes, l.Processes},
		{unix.RLIMIT_FSIZE, "fsize", l.FileSize, l.FileSize},
	}

	for _, lim := range limits {
		if lim.soft == 0 {
			continue
		}
		rl := unix.Rlimit{Cur: lim.soft, Max: lim.hard}
		if err := unix.Prlimit(pid, lim.resource, &rl, nil); err != nil {
			return fmt.Errorf("rlimit %s: %w", lim.name, err)
		}
	}
	return nil
}
