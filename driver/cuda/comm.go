//go:build cuda

package cuda

/*
#include <stdlib.h>
#include <nccl.h>
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gomlx/gomultigpu/driver"
)

// driver.UniqueIDBytes matches NCCL_UNIQUE_ID_BYTES (128), so tokens cross the
// boundary by byte copy.

// toNCCLUniqueID converts the portable token into NCCL's struct.
func toNCCLUniqueID(id driver.UniqueID) C.ncclUniqueId {
	var cid C.ncclUniqueId
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&cid.internal[0])), len(id)), id[:])
	return cid
}

// CommUniqueID implements driver.Driver.
func (d *Driver) CommUniqueID() (driver.UniqueID, error) {
	var id driver.UniqueID
	var cid C.ncclUniqueId
	if err := ncclErr(C.ncclGetUniqueId(&cid)); err != nil {
		return id, errors.WithMessage(err, "minting an NCCL unique id")
	}
	copy(id[:], unsafe.Slice((*byte)(unsafe.Pointer(&cid.internal[0])), len(id)))
	return id, nil
}

// GroupStart implements driver.Driver.
func (d *Driver) GroupStart() error {
	return errors.WithMessage(ncclErr(C.ncclGroupStart()), "opening an NCCL group")
}

// GroupEnd implements driver.Driver.
func (d *Driver) GroupEnd() error {
	return errors.WithMessage(ncclErr(C.ncclGroupEnd()), "completing an NCCL group")
}

// Comm implements driver.Comm on an NCCL communicator.
//
// The communicator slot is C-allocated: inside a GroupStart/GroupEnd batch NCCL
// holds on to the slot pointer and only fills it when the batch completes, and Go
// memory must not be handed to C for that long.
type Comm struct {
	slot *C.ncclComm_t
}

// allocCommSlot allocates a zeroed communicator slot in C memory.
func allocCommSlot() *C.ncclComm_t {
	var zero C.ncclComm_t
	return (*C.ncclComm_t)(C.calloc(1, C.size_t(unsafe.Sizeof(zero))))
}

// CommInitRank implements driver.Driver. The endpoint binds to the calling
// thread's active device; callers select it with SetDevice first. Inside a group
// batch the call returns immediately and the endpoint only becomes usable once
// GroupEnd completes.
func (d *Driver) CommInitRank(nRanks int, commID driver.UniqueID, rank int) (driver.Comm, error) {
	slot := allocCommSlot()
	cid := toNCCLUniqueID(commID)
	if err := ncclErr(C.ncclCommInitRank(slot, C.int(nRanks), cid, C.int(rank))); err != nil {
		C.free(unsafe.Pointer(slot))
		return nil, errors.WithMessagef(err, "joining communicator group %s as rank %d of %d", commID, rank, nRanks)
	}
	return &Comm{slot: slot}, nil
}

// CommInitAll implements driver.Driver.
func (d *Driver) CommInitAll(devices []driver.DeviceID) ([]driver.Comm, error) {
	if len(devices) == 0 {
		return nil, errors.New("CommInitAll needs at least one device")
	}
	n := len(devices)
	cComms := make([]C.ncclComm_t, n)
	cDevs := make([]C.int, n)
	for i, dev := range devices {
		cDevs[i] = C.int(dev)
	}
	if err := ncclErr(C.ncclCommInitAll(&cComms[0], C.int(n), &cDevs[0])); err != nil {
		return nil, errors.WithMessagef(err, "forming the local communicator group over devices %v", devices)
	}
	comms := make([]driver.Comm, n)
	for i, comm := range cComms {
		slot := allocCommSlot()
		*slot = comm
		comms[i] = &Comm{slot: slot}
	}
	return comms, nil
}

// comm resolves the live communicator behind the endpoint.
func (c *Comm) comm() (C.ncclComm_t, error) {
	if c == nil || c.slot == nil {
		return nil, errors.New("communicator already destroyed")
	}
	if *c.slot == nil {
		return nil, errors.New("communicator not initialized, its join batch never completed")
	}
	return *c.slot, nil
}

// Rank implements driver.Comm.
func (c *Comm) Rank() (int, error) {
	comm, err := c.comm()
	if err != nil {
		return 0, err
	}
	var rank C.int
	if err := ncclErr(C.ncclCommUserRank(comm, &rank)); err != nil {
		return 0, errors.WithMessage(err, "querying the communicator rank")
	}
	return int(rank), nil
}

// Count implements driver.Comm.
func (c *Comm) Count() (int, error) {
	comm, err := c.comm()
	if err != nil {
		return 0, err
	}
	var count C.int
	if err := ncclErr(C.ncclCommCount(comm, &count)); err != nil {
		return 0, errors.WithMessage(err, "querying the communicator size")
	}
	return int(count), nil
}

// Device implements driver.Comm.
func (c *Comm) Device() (driver.DeviceID, error) {
	comm, err := c.comm()
	if err != nil {
		return 0, err
	}
	var dev C.int
	if err := ncclErr(C.ncclCommCuDevice(comm, &dev)); err != nil {
		return 0, errors.WithMessage(err, "querying the communicator device")
	}
	return driver.DeviceID(dev), nil
}

// Raw returns the underlying ncclComm_t for collective calls issued by other cgo
// packages; the Comm keeps owning it. Nil once destroyed.
func (c *Comm) Raw() unsafe.Pointer {
	if c == nil || c.slot == nil {
		return nil
	}
	return unsafe.Pointer(*c.slot)
}

// Destroy implements driver.Comm. Destroying an endpoint of a live multi-rank
// group is collective: every participant must destroy its endpoints for any of
// the calls to return. It is idempotent.
func (c *Comm) Destroy() error {
	if c == nil || c.slot == nil {
		return nil
	}
	comm := *c.slot
	C.free(unsafe.Pointer(c.slot))
	c.slot = nil
	if comm == nil {
		// Slot was allocated but its batched join never completed.
		return nil
	}
	return errors.WithMessage(ncclErr(C.ncclCommDestroy(comm)), "destroying the NCCL communicator")
}
