//go:build !linux

package workers

// setAffinity is a no-op where the scheduler offers no per-thread affinity.
func setAffinity([]int) error { return nil }
