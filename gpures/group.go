// Package gpures manages per-accelerator execution resources and the bootstrap of
// the collective-communication group that ties them together across processes.
//
// A Group owns one Resource per accelerator this process controls: a compute
// stream, two data-copy streams, BLAS/random/DNN library handles and an endpoint in
// the run-wide collective communicator. Construction is all-or-nothing -- either
// every device joined the collective group and every handle was acquired, or
// nothing is left allocated and NewGroup reports why. Destruction is symmetric and
// best-effort: every failure is logged, none is allowed to interrupt the rest of
// the teardown.
//
// The bootstrap protocol for a multi-process run is the heart of the package: rank
// 0 mints a communicator identity token, broadcasts it through the coordination
// channel (package coord), and every process then joins the collective group once
// per local device -- in local index order, under the device's global id as its
// rank -- inside a driver join batch, so one process can represent several devices
// without deadlocking. Both the broadcast and the join are blocking cross-process
// rendezvous points; neither carries a timeout here, a stalled peer is the
// supervisor's problem.
//
// A Group is built once on the process' initialization path and destroyed once on
// shutdown; in between it is read-only and safe to share.
package gpures

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu/coord"
	"github.com/gomlx/gomultigpu/devmap"
	"github.com/gomlx/gomultigpu/driver"
	"github.com/gomlx/gomultigpu/workers"
)

// Group owns the per-device resources of one process and this process' share of
// the run-wide collective communicator.
//
// Create it with NewGroup; index it with Resource. Membership is fixed at
// construction: devices are never added or removed, only the whole group is
// destroyed, with Destroy.
type Group struct {
	drv driver.Driver
	m   *devmap.DeviceMap

	// devices is the local device list in local index order, same as the map's.
	devices   []driver.DeviceID
	comms     []driver.Comm
	resources []*Resource
	pool      *workers.Pool

	destroyed bool
}

// NewGroup builds the device resource group of this process: it validates the
// device map against the driver, forms the collective communicator group spanning
// all cooperating processes, and acquires the per-device resources, one Resource
// per local device in local index order.
//
// c is the coordination channel of the run; nil means a single-process run, in
// which case the communicator group is formed locally with no coordination. With a
// multi-process coordinator NewGroup blocks twice: once receiving the identity
// token broadcast from rank 0 and once inside the collective join, which only
// completes when every participant of the run has joined.
//
// On any failure everything already acquired is released and the error reported;
// there is no partial group. Configuration failures (ErrEmptyDeviceList,
// ErrDeviceCountMismatch, ErrInvalidDeviceID) are detected before any resource is
// touched.
func NewGroup(m *devmap.DeviceMap, drv driver.Driver, c coord.Coordinator) (*Group, error) {
	if m == nil {
		return nil, errors.New("device map is required")
	}
	if drv == nil {
		return nil, errors.New("driver is required")
	}

	deviceList := m.DeviceList()
	if len(deviceList) == 0 {
		return nil, errors.Wrapf(ErrEmptyDeviceList, "process %d of %s", m.MyProcess(), m)
	}
	if len(deviceList) != m.LocalSize() {
		return nil, errors.Wrapf(ErrDeviceCountMismatch, "device list has %d entries but the map reports %d", len(deviceList), m.LocalSize())
	}
	devCount, err := drv.DeviceCount()
	if err != nil {
		return nil, errors.WithMessagef(err, "querying the device count of driver %q", drv.Name())
	}
	for _, dev := range deviceList {
		if dev >= devCount {
			return nil, errors.Wrapf(ErrInvalidDeviceID, "device %d: driver %q sees only %d device(s)", dev, drv.Name(), devCount)
		}
	}

	g := &Group{
		drv:     drv,
		m:       m,
		devices: make([]driver.DeviceID, len(deviceList)),
	}
	for i, dev := range deviceList {
		g.devices[i] = driver.DeviceID(dev)
	}

	// One worker slot per local device; per-device training callables are
	// dispatched through it, each pinned to its own OS thread.
	g.pool, err = workers.New(len(g.devices))
	if err != nil {
		return nil, err
	}

	world := 1
	if c != nil {
		world = c.WorldSize()
	}
	if world > 1 {
		err = g.joinDistributed(c)
	} else {
		g.comms, err = drv.CommInitAll(g.devices)
		err = errors.WithMessagef(err, "forming the local communicator group over devices %v", deviceList)
	}
	if err != nil {
		g.releaseOrLog()
		return nil, err
	}

	// Every communicator slot is live from here on, so resources can wire
	// themselves in as they come up.
	g.resources = make([]*Resource, 0, len(g.devices))
	for i, dev := range g.devices {
		r, err := newResource(g, dev, i)
		if err != nil {
			err = errors.WithMessagef(err, "building the resource for device %d (local index %d)", dev, i)
			g.releaseOrLog()
			return nil, err
		}
		g.resources = append(g.resources, r)
	}

	runtime.SetFinalizer(g, func(g *Group) { g.destroyOrLog() })
	klog.V(1).Infof("device resource group ready: %s", g)
	return g, nil
}

// joinDistributed runs the multi-process bootstrap: receive the identity token
// minted by rank 0, then join the collective group once per local device inside a
// driver join batch. Every process must call this at the same point in its
// lifecycle; both the broadcast and the batched join block until all peers arrive.
func (g *Group) joinDistributed(c coord.Coordinator) error {
	var commID driver.UniqueID
	if c.Rank() == 0 {
		var err error
		commID, err = g.drv.CommUniqueID()
		if err != nil {
			return errors.WithMessagef(err, "rank 0 minting the communicator identity token")
		}
	}
	if err := c.Broadcast(0, commID[:]); err != nil {
		return errors.WithMessagef(err, "distributing the communicator identity token from rank 0")
	}

	// The joins bind to the active device, so the loop runs under a device
	// context guard: thread pinned, previous device restored at the end.
	devCtx, err := newDeviceContext(g.drv, g.devices[0])
	if err != nil {
		return err
	}
	defer devCtx.closeOrLog()

	total := g.m.Size()
	g.comms = make([]driver.Comm, len(g.devices))
	if err := g.drv.GroupStart(); err != nil {
		return errors.WithMessagef(err, "opening the communicator join batch")
	}
	for i, dev := range g.devices {
		if err := g.drv.SetDevice(dev); err != nil {
			g.abandonComms()
			return errors.WithMessagef(err, "selecting device %d for its communicator join", dev)
		}
		rank := g.m.GlobalID(int(dev))
		comm, err := g.drv.CommInitRank(total, commID, rank)
		if err != nil {
			// The batch cannot be completed once a join failed; whatever
			// endpoints it produced are dropped without GroupEnd.
			g.abandonComms()
			return errors.WithMessagef(err, "device %d joining the communicator group as rank %d of %d", dev, rank, total)
		}
		g.comms[i] = comm
	}
	if err := g.drv.GroupEnd(); err != nil {
		g.abandonComms()
		return errors.WithMessagef(err, "completing the communicator group join")
	}
	klog.V(1).Infof("joined communicator group %s: %d local device(s), %d rank(s) total", commID, len(g.devices), total)
	return nil
}

// abandonComms drops the endpoints of a failed bootstrap, best-effort.
func (g *Group) abandonComms() {
	for _, comm := range g.comms {
		if comm == nil {
			continue
		}
		if err := comm.Destroy(); err != nil {
			klog.Errorf("destroying an abandoned communicator endpoint failed: %+v", err)
		}
	}
	g.comms = nil
}

// commAt resolves a communicator slot by local index; Resource.Comm goes through
// here so communicator ownership stays with the group. Returns nil once the group
// was destroyed or for an out-of-range index.
func (g *Group) commAt(i int) driver.Comm {
	if g == nil || i < 0 || i >= len(g.comms) {
		return nil
	}
	return g.comms[i]
}

// Resource returns the device resource at the given local index, in [0, Size()).
// The resource stays owned by the group: callers may hold it but must not use it
// past Destroy.
func (g *Group) Resource(i int) *Resource {
	return g.resources[i]
}

// Comm returns the communicator endpoint at the given local index, or nil after
// the group was destroyed. Resource(i).Comm() resolves to the same endpoint.
func (g *Group) Comm(i int) driver.Comm {
	return g.commAt(i)
}

// Workers returns the group's worker pool: one slot per local device, slot i
// pinned to its own OS thread for device i's tasks.
func (g *Group) Workers() *workers.Pool {
	return g.pool
}

// Size returns the number of local devices in the group.
func (g *Group) Size() int {
	return g.m.LocalSize()
}

// Empty reports whether the group has no devices. It is false for every
// successfully constructed group.
func (g *Group) Empty() bool {
	return g.Size() == 0
}

// DeviceList returns the local device ids in local index order.
func (g *Group) DeviceList() []int {
	return g.m.DeviceList()
}

// GlobalID returns the global id (collective rank) of the given local device id,
// or -1 if this process does not own it.
func (g *Group) GlobalID(localDeviceID int) int {
	return g.m.GlobalID(localDeviceID)
}

// LocalIndex returns the position of the given global id within its owning
// process' device list, or -1 if out of range.
func (g *Group) LocalIndex(globalID int) int {
	return g.m.LocalIndex(globalID)
}

// LocalDeviceID returns the runtime device number of the given global id within
// its owning process, or -1 if out of range.
func (g *Group) LocalDeviceID(globalID int) int {
	return g.m.LocalDeviceID(globalID)
}

// ProcessID returns the process owning the given global id, or -1 if out of range.
func (g *Group) ProcessID(globalID int) int {
	return g.m.ProcessID(globalID)
}

// TotalGPUCount returns the number of devices across all cooperating processes.
func (g *Group) TotalGPUCount() int {
	return g.m.Size()
}

// NodeCount returns the number of cooperating processes.
func (g *Group) NodeCount() int {
	return g.m.NumNodes()
}

// Destroy releases everything the group owns: the worker pool is drained and
// stopped, every Resource is destroyed, and -- only when more than one device
// participated in the run -- every communicator endpoint is destroyed. A lone
// participant's collective context is degenerate, there is no peer to
// synchronize its destruction with, so it is skipped.
//
// Communicator destruction in a multi-process run is itself a blocking collective
// operation: every process must destroy its endpoints for any of them to
// complete. Teardown keeps going past failures, logs each one and returns the
// first. It is idempotent; it is also registered as a finalizer fallback in case
// the owner never calls it.
func (g *Group) Destroy() error {
	if g == nil || g.destroyed {
		return nil
	}
	g.destroyed = true
	runtime.SetFinalizer(g, nil)
	return g.release(g.m.Size() > 1)
}

// release tears down in reverse acquisition order: pool, resources, then
// optionally the communicator endpoints. The construction failure path releases
// the endpoints unconditionally -- a group that never existed must not leak them
// -- while Destroy skips them for single-participant runs.
func (g *Group) release(destroyComms bool) error {
	var firstErr error
	if g.pool != nil {
		g.pool.Close()
		g.pool = nil
	}
	for _, r := range g.resources {
		if err := r.Destroy(); err != nil {
			klog.Errorf("destroying %s failed: %+v", r, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	g.resources = nil
	if destroyComms {
		for i, comm := range g.comms {
			if comm == nil {
				continue
			}
			if err := comm.Destroy(); err != nil {
				klog.Errorf("destroying communicator endpoint %d failed: %+v", i, err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	g.comms = nil
	return firstErr
}

// releaseOrLog unwinds a partially built group, communicator endpoints included.
func (g *Group) releaseOrLog() {
	if err := g.release(true); err != nil {
		klog.Errorf("releasing a partially built Group failed: %+v", err)
	}
}

// destroyOrLog destroys the group and logs any error: the finalizer fallback.
func (g *Group) destroyOrLog() {
	if err := g.Destroy(); err != nil {
		klog.Errorf("Group.Destroy failed: %+v", err)
	}
}

// String implements fmt.Stringer.
func (g *Group) String() string {
	if g == nil || g.destroyed {
		return "Group[destroyed]"
	}
	return fmt.Sprintf("Group[driver=%q, devices=%v, total=%d, nodes=%d]",
		g.drv.Name(), g.DeviceList(), g.TotalGPUCount(), g.NodeCount())
}
