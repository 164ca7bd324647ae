//go:build linux

package workers

import "golang.org/x/sys/unix"

// setAffinity pins the calling thread to the given CPUs. The caller must have
// locked the goroutine to its OS thread.
func setAffinity(cpus []int) error {
	var set unix.CPUSet
	for _, cpu := range cpus {
		set.Set(cpu)
	}
	return unix.SchedSetaffinity(0, &set)
}
