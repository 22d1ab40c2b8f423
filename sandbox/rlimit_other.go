//go:build !linux

package sandbox

// applyRlimits is a no-op where prlimit(2) is unavailable; the watchdog and
// output caps still apply.
func applyRlimits(int, *Rlimits) error {
	return nil
}
