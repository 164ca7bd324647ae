// Package coord provides the process-coordination channel used to bootstrap
// collective communication.
//
// Bootstrap needs exactly one primitive beyond knowing the process' own rank and
// the world size: a byte broadcast from the root process, used to distribute the
// communicator identity token that rank 0 mints. Coordinator captures that, and
// nothing more -- it is not a data plane.
//
// Two implementations are provided: Single for a lone process, and TCP for a small
// star network rooted at rank 0 (see NewTCP). FromEnv picks one from the usual
// launcher environment variables.
package coord

import "github.com/pkg/errors"

// Coordinator is the process-coordination channel of one run. Implementations must
// be safe for sequential use; Broadcast blocks until the payload is delivered.
type Coordinator interface {
	// Rank returns the calling process' rank, in [0, WorldSize).
	Rank() int

	// WorldSize returns the number of cooperating processes.
	WorldSize() int

	// Broadcast distributes buf from the root process to all others: the root's
	// buf is sent, everyone else's buf is overwritten. All processes must call it
	// with the same root and the same buffer length, and it blocks until done.
	Broadcast(root int, buf []byte) error

	// Close releases the channel. It is idempotent.
	Close() error
}

// Single is the Coordinator of a lone process: rank 0 of a world of 1, where
// Broadcast from rank 0 is a no-op.
type Single struct{}

// Rank implements Coordinator.
func (Single) Rank() int { return 0 }

// WorldSize implements Coordinator.
func (Single) WorldSize() int { return 1 }

// Broadcast implements Coordinator.
func (Single) Broadcast(root int, buf []byte) error {
	if root != 0 {
		return errors.Errorf("root %d out of range for a single-process run", root)
	}
	return nil
}

// Close implements Coordinator.
func (Single) Close() error { return nil }
