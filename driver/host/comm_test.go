package host

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/gomultigpu/driver"
)

func TestCommInitAll(t *testing.T) {
	d, err := New(WithDeviceCount(4))
	require.NoError(t, err)

	comms, err := d.CommInitAll([]driver.DeviceID{0, 1, 2})
	require.NoError(t, err)
	require.Len(t, comms, 3)
	for i, c := range comms {
		rank, err := c.Rank()
		require.NoError(t, err)
		require.Equal(t, i, rank)
		count, err := c.Count()
		require.NoError(t, err)
		require.Equal(t, 3, count)
		dev, err := c.Device()
		require.NoError(t, err)
		require.Equal(t, driver.DeviceID(i), dev)
	}
	for _, c := range comms {
		require.NoError(t, c.Destroy())
	}
}

func TestCommInitAllValidation(t *testing.T) {
	d, err := New(WithDeviceCount(2))
	require.NoError(t, err)

	_, err = d.CommInitAll(nil)
	require.Error(t, err, "empty device list must be rejected")
	_, err = d.CommInitAll([]driver.DeviceID{0, 0})
	require.Error(t, err, "duplicate device must be rejected")
	_, err = d.CommInitAll([]driver.DeviceID{0, 5})
	require.Error(t, err, "out-of-range device must be rejected")
}

func TestCommDestroy(t *testing.T) {
	d, err := New(WithDeviceCount(1))
	require.NoError(t, err)
	comms, err := d.CommInitAll([]driver.DeviceID{0})
	require.NoError(t, err)

	c := comms[0]
	require.NoError(t, c.Destroy())
	require.NoError(t, c.Destroy(), "Destroy must be idempotent")
	_, err = c.Rank()
	require.Error(t, err)
	_, err = c.Count()
	require.Error(t, err)
	_, err = c.Device()
	require.Error(t, err)
}

func TestCommUniqueID(t *testing.T) {
	d, err := New(WithDeviceCount(1))
	require.NoError(t, err)

	id1, err := d.CommUniqueID()
	require.NoError(t, err)
	id2, err := d.CommUniqueID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2, "tokens must be distinct")

	// A token that was not minted by this driver is rejected instead of hanging.
	var bogus driver.UniqueID
	_, err = d.CommInitRank(2, bogus, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not created by")
}

func TestCommInitRankValidation(t *testing.T) {
	d, err := New(WithDeviceCount(1))
	require.NoError(t, err)
	id, err := d.CommUniqueID()
	require.NoError(t, err)

	_, err = d.CommInitRank(0, id, 0)
	require.Error(t, err)
	_, err = d.CommInitRank(2, id, 2)
	require.Error(t, err)
	_, err = d.CommInitRank(2, id, -1)
	require.Error(t, err)
}

func TestCommInitRankSingleRank(t *testing.T) {
	// A one-rank group completes immediately, no batch needed.
	d, err := New(WithDeviceCount(1))
	require.NoError(t, err)
	id, err := d.CommUniqueID()
	require.NoError(t, err)

	c, err := d.CommInitRank(1, id, 0)
	require.NoError(t, err)
	count, err := c.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, c.Destroy())
}

func TestGroupBatchStateMachine(t *testing.T) {
	d, err := New(WithDeviceCount(1))
	require.NoError(t, err)

	require.Error(t, d.GroupEnd(), "GroupEnd without GroupStart must fail")
	require.NoError(t, d.GroupStart())
	require.NoError(t, d.GroupEnd(), "an empty batch is fine")
	require.Error(t, d.GroupEnd(), "the batch closes exactly once")
}

func TestGroupStartResetsAbandonedBatch(t *testing.T) {
	// A bootstrap that fails mid-batch walks away without calling GroupEnd.
	// The next GroupStart must discard the stale batch rather than report the
	// driver busy forever.
	d, err := New(WithDeviceCount(1))
	require.NoError(t, err)
	id, err := d.CommUniqueID()
	require.NoError(t, err)

	require.NoError(t, d.GroupStart())
	c, err := d.CommInitRank(3, id, 0)
	require.NoError(t, err)
	require.NoError(t, c.Destroy())

	require.NoError(t, d.GroupStart(), "a stale batch must not block a new one")
	id2, err := d.CommUniqueID()
	require.NoError(t, err)
	c2, err := d.CommInitRank(1, id2, 0)
	require.NoError(t, err)
	require.NoError(t, d.GroupEnd())
	rank, err := c2.Rank()
	require.NoError(t, err)
	require.Equal(t, 0, rank)
	require.NoError(t, c2.Destroy())
}

func TestGroupedJoinAcrossProcesses(t *testing.T) {
	// Two simulated processes with two devices each join one four-rank group.
	// Each process batches its two local joins so they register together.
	const procs, devsPerProc = 2, 2
	total := procs * devsPerProc

	drivers := make([]*Driver, procs)
	for p := range drivers {
		d, err := New(WithDeviceCount(devsPerProc))
		require.NoError(t, err)
		drivers[p] = d
	}
	id, err := drivers[0].CommUniqueID()
	require.NoError(t, err)

	comms := make([][]driver.Comm, procs)
	errs := make([]error, procs)
	var wg sync.WaitGroup
	for p := 0; p < procs; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			d := drivers[p]
			errs[p] = func() error {
				if err := d.GroupStart(); err != nil {
					return err
				}
				for i := 0; i < devsPerProc; i++ {
					if err := d.SetDevice(driver.DeviceID(i)); err != nil {
						return err
					}
					c, err := d.CommInitRank(total, id, p*devsPerProc+i)
					if err != nil {
						return err
					}
					comms[p] = append(comms[p], c)
				}
				return d.GroupEnd()
			}()
		}(p)
	}
	wg.Wait()

	for p, err := range errs {
		require.NoErrorf(t, err, "process %d failed to join", p)
	}
	for p := 0; p < procs; p++ {
		for i, c := range comms[p] {
			rank, err := c.Rank()
			require.NoError(t, err)
			require.Equal(t, p*devsPerProc+i, rank)
			count, err := c.Count()
			require.NoError(t, err)
			require.Equal(t, total, count)
			dev, err := c.Device()
			require.NoError(t, err)
			require.Equal(t, driver.DeviceID(i), dev, "endpoint must be bound to the device active at join time")
			fmt.Printf("\tprocess %d local %d -> rank %d on device %d\n", p, i, rank, dev)
		}
	}
	for p := range comms {
		for _, c := range comms[p] {
			require.NoError(t, c.Destroy())
		}
	}
}

func TestFabricSizeMismatch(t *testing.T) {
	d0, err := New(WithDeviceCount(1))
	require.NoError(t, err)
	d1, err := New(WithDeviceCount(1))
	require.NoError(t, err)

	id, err := d0.CommUniqueID()
	require.NoError(t, err)

	// d0 opens the fabric for 2 ranks without completing the join.
	require.NoError(t, d0.GroupStart())
	_, err = d0.CommInitRank(2, id, 0)
	require.NoError(t, err)

	// d1 disagrees on the group size and is rejected before it can hang.
	_, err = d1.CommInitRank(3, id, 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "rank")
}
