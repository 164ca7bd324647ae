// Package gomultigpu manages the per-accelerator execution resources of
// multi-device, multi-process training runs: execution streams, BLAS/random/DNN
// library handles and collective-communicator endpoints, acquired all-or-nothing
// and torn down in order.
//
// The pieces, bottom up:
//
//   - driver: the accelerator runtime interface, with a registry of named
//     implementations. Package driver/host is the always-available pure-Go
//     reference runtime; driver/cuda (build tag "cuda") runs on real hardware.
//   - devmap: the run topology -- which process owns which devices -- and the
//     coordinate conversions between local indices, device ids and global ids.
//   - coord: how cooperating processes exchange the communicator identity token
//     during bootstrap (TCP star rooted at rank 0, or environment-driven).
//   - workers: one OS-thread-pinned worker per device for per-device callables.
//   - gpures: the core. gpures.NewGroup validates the topology, forms the
//     collective communicator group across all processes and acquires one
//     Resource per local device; gpures.Group.Destroy releases it all.
//
// This package is the convenience surface over those. Single-host users call
// NewLocalGroup; multi-process runs assemble the pieces themselves:
//
//	m, err := devmap.New(deviceLists, myProcess)
//	c, err := coord.FromEnv()
//	g, err := gpures.NewGroup(m, drv, c)
//
// Importing this package registers the host driver. Other drivers register
// themselves when their package is imported, database/sql style.
package gomultigpu

import (
	"github.com/janpfeifer/must"

	"github.com/gomlx/gomultigpu/devmap"
	"github.com/gomlx/gomultigpu/driver"
	"github.com/gomlx/gomultigpu/gpures"

	_ "github.com/gomlx/gomultigpu/driver/host"
)

// NewLocalGroup builds a single-process device resource group over the named
// driver, with the given local device ids in order. It is the short path for
// single-host runs:
//
//	g, err := gomultigpu.NewLocalGroup("host", []int{0, 1})
//	if err != nil { ... }
//	defer g.Destroy()
func NewLocalGroup(driverName string, devices []int) (*gpures.Group, error) {
	drv, err := driver.Get(driverName)
	if err != nil {
		return nil, err
	}
	m, err := devmap.New([][]int{devices}, 0)
	if err != nil {
		return nil, err
	}
	return gpures.NewGroup(m, drv, nil)
}

// MustNewLocalGroup is NewLocalGroup panicking on error, for demos and tests.
func MustNewLocalGroup(driverName string, devices []int) *gpures.Group {
	return must.M1(NewLocalGroup(driverName, devices))
}
