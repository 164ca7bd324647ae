package host

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu/driver"
)

// uniqueIDMagic prefixes every identity token minted by the host driver, so a join
// with a token from some other origin fails loudly instead of hanging.
const uniqueIDMagic = "GMGHOST1"

// The fabric registry is process-wide, not per-Driver: several Driver values
// (modeling several processes) rendezvous through it.
var fabrics = struct {
	mu   sync.Mutex
	byID map[driver.UniqueID]*fabric
}{byID: make(map[driver.UniqueID]*fabric)}

// fabric is the meeting point of one communicator group: participants join with
// their rank and the fabric becomes full once all nRanks arrived.
type fabric struct {
	id     driver.UniqueID
	nRanks int
	full   chan struct{}

	mu      sync.Mutex
	arrived map[int]driver.DeviceID
}

func newUniqueID() (driver.UniqueID, error) {
	var id driver.UniqueID
	u, err := uuid.NewRandom()
	if err != nil {
		return id, errors.Wrapf(err, "generating communicator unique id")
	}
	copy(id[:], uniqueIDMagic)
	copy(id[len(uniqueIDMagic):], u[:])
	return id, nil
}

// getFabric returns the fabric for the given token, creating it on first use. All
// participants must agree on the group size.
func getFabric(id driver.UniqueID, nRanks int) (*fabric, error) {
	if string(id[:len(uniqueIDMagic)]) != uniqueIDMagic {
		return nil, errors.Errorf("communicator unique id was not created by the %q driver", Name)
	}
	fabrics.mu.Lock()
	defer fabrics.mu.Unlock()
	f, found := fabrics.byID[id]
	if !found {
		f = &fabric{
			id:      id,
			nRanks:  nRanks,
			full:    make(chan struct{}),
			arrived: make(map[int]driver.DeviceID, nRanks),
		}
		fabrics.byID[id] = f
		return f, nil
	}
	if f.nRanks != nRanks {
		return nil, errors.Errorf("communicator %s joined with %d rank(s) here but %d elsewhere", id, nRanks, f.nRanks)
	}
	return f, nil
}

func (f *fabric) join(rank int, dev driver.DeviceID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.arrived[rank]; dup {
		return errors.Errorf("rank %d joined communicator %s twice", rank, f.id)
	}
	f.arrived[rank] = dev
	if len(f.arrived) == f.nRanks {
		close(f.full)
	}
	return nil
}

// wait blocks until every rank has joined.
func (f *fabric) wait() { <-f.full }

// leave removes a rank; the last one out drops the fabric from the registry.
func (f *fabric) leave(rank int) {
	f.mu.Lock()
	delete(f.arrived, rank)
	empty := len(f.arrived) == 0
	f.mu.Unlock()
	if empty {
		fabrics.mu.Lock()
		delete(fabrics.byID, f.id)
		fabrics.mu.Unlock()
	}
}

// Comm implements driver.Comm: one endpoint of a host communicator group.
type Comm struct {
	fabric *fabric
	rank   int
	dev    driver.DeviceID

	mu        sync.Mutex
	destroyed bool
}

func (c *Comm) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return errors.Errorf("communicator rank %d already destroyed", c.rank)
	}
	return nil
}

// Rank implements driver.Comm.
func (c *Comm) Rank() (int, error) {
	if err := c.check(); err != nil {
		return -1, err
	}
	return c.rank, nil
}

// Count implements driver.Comm.
func (c *Comm) Count() (int, error) {
	if err := c.check(); err != nil {
		return -1, err
	}
	return c.fabric.nRanks, nil
}

// Device implements driver.Comm.
func (c *Comm) Device() (driver.DeviceID, error) {
	if err := c.check(); err != nil {
		return -1, err
	}
	return c.dev, nil
}

// Destroy implements driver.Comm. It is idempotent.
func (c *Comm) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	c.mu.Unlock()
	c.fabric.leave(c.rank)
	return nil
}

// CommUniqueID implements driver.Driver.
func (d *Driver) CommUniqueID() (driver.UniqueID, error) {
	return newUniqueID()
}

// GroupStart implements driver.Driver. A batch left open by an abandoned
// bootstrap is discarded: its pending joins were never registered with their
// fabrics, so the driver stays usable after a failed grouped join.
func (d *Driver) GroupStart() error {
	d.muBatch.Lock()
	defer d.muBatch.Unlock()
	if d.batching {
		klog.Warningf("discarding a communicator join batch left open with %d pending join(s)", len(d.pending))
	}
	d.batching = true
	d.pending = nil
	return nil
}

// CommInitRank implements driver.Driver. The endpoint binds to the driver's current
// device. Outside a batch the call blocks until all nRanks participants arrive.
func (d *Driver) CommInitRank(nRanks int, commID driver.UniqueID, rank int) (driver.Comm, error) {
	if nRanks < 1 {
		return nil, errors.Errorf("communicator needs at least one rank, got %d", nRanks)
	}
	if rank < 0 || rank >= nRanks {
		return nil, errors.Errorf("rank %d out of range for a %d-rank communicator", rank, nRanks)
	}
	dev, err := d.CurrentDevice()
	if err != nil {
		return nil, err
	}
	f, err := getFabric(commID, nRanks)
	if err != nil {
		return nil, err
	}
	c := &Comm{fabric: f, rank: rank, dev: dev}

	d.muBatch.Lock()
	if d.batching {
		d.pending = append(d.pending, c)
		d.muBatch.Unlock()
		return c, nil
	}
	d.muBatch.Unlock()

	if err := f.join(rank, dev); err != nil {
		return nil, err
	}
	f.wait()
	return c, nil
}

// GroupEnd implements driver.Driver: it registers every batched join and then
// blocks until each joined group is complete. Registering all local ranks before
// waiting is what keeps several local ranks from deadlocking each other.
func (d *Driver) GroupEnd() error {
	d.muBatch.Lock()
	if !d.batching {
		d.muBatch.Unlock()
		return errors.New("no communicator join batch open")
	}
	pending := d.pending
	d.pending = nil
	d.batching = false
	d.muBatch.Unlock()

	for _, c := range pending {
		if err := c.fabric.join(c.rank, c.dev); err != nil {
			return err
		}
	}
	for _, c := range pending {
		c.fabric.wait()
	}
	return nil
}

// CommInitAll implements driver.Driver: it creates a complete group over the given
// local devices, ranks in list order. No coordination is involved, so it never
// blocks.
func (d *Driver) CommInitAll(devices []driver.DeviceID) ([]driver.Comm, error) {
	if len(devices) == 0 {
		return nil, errors.New("communicator clique needs at least one device")
	}
	seen := make(map[driver.DeviceID]bool, len(devices))
	for _, dev := range devices {
		if err := d.checkDevice(dev); err != nil {
			return nil, err
		}
		if seen[dev] {
			return nil, errors.Errorf("device %d listed more than once", dev)
		}
		seen[dev] = true
	}
	id, err := newUniqueID()
	if err != nil {
		return nil, err
	}
	f, err := getFabric(id, len(devices))
	if err != nil {
		return nil, err
	}
	comms := make([]driver.Comm, len(devices))
	for i, dev := range devices {
		c := &Comm{fabric: f, rank: i, dev: dev}
		if err := f.join(i, dev); err != nil {
			return nil, err
		}
		comms[i] = c
	}
	return comms, nil
}
