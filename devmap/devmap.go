// Package devmap defines DeviceMap, the table that translates between the coordinate
// spaces of a multi-process accelerator run.
//
// A run is described by one device list per cooperating process, in process order.
// Each accelerator then has three coordinates:
//
//   - Local index: its position within the owning process' device list.
//   - Local device id: the runtime device number within the owning process
//     (what the driver's SetDevice takes).
//   - Global id: its rank within the whole run, counting devices process by
//     process in list order. Global ids double as collective ranks.
//
// A DeviceMap is immutable after construction and safe for concurrent use.
package devmap

import (
	"fmt"

	"github.com/pkg/errors"
)

// DeviceMap holds the topology of a run: which process owns which accelerators, and
// how local and global coordinates map to each other.
//
// Create it with New. The zero value is not usable.
type DeviceMap struct {
	deviceLists [][]int
	myProcess   int

	// firstGlobal[p] is the global id of process p's first device; an extra final
	// entry holds the total device count, so firstGlobal[p+1]-firstGlobal[p] is the
	// number of devices owned by process p.
	firstGlobal []int
}

// New creates a DeviceMap from one device list per cooperating process, in process
// order, and the index of the calling process within that order.
//
// Device ids must be non-negative and unique within each process' list. Lists may
// differ in length across processes, and a process may own no devices at all --
// whether an empty local list is acceptable is up to the caller.
func New(deviceLists [][]int, myProcess int) (*DeviceMap, error) {
	if len(deviceLists) == 0 {
		return nil, errors.New("device map requires at least one process")
	}
	if myProcess < 0 || myProcess >= len(deviceLists) {
		return nil, errors.Errorf("process index %d out of range: device map describes %d process(es)", myProcess, len(deviceLists))
	}
	m := &DeviceMap{
		deviceLists: make([][]int, len(deviceLists)),
		myProcess:   myProcess,
		firstGlobal: make([]int, len(deviceLists)+1),
	}
	total := 0
	for p, list := range deviceLists {
		seen := make(map[int]bool, len(list))
		for _, dev := range list {
			if dev < 0 {
				return nil, errors.Errorf("process %d lists negative device id %d", p, dev)
			}
			if seen[dev] {
				return nil, errors.Errorf("process %d lists device id %d more than once", p, dev)
			}
			seen[dev] = true
		}
		m.deviceLists[p] = append([]int(nil), list...)
		m.firstGlobal[p] = total
		total += len(list)
	}
	m.firstGlobal[len(deviceLists)] = total
	return m, nil
}

// DeviceList returns the local device ids owned by the calling process, in local
// index order. The returned slice is a copy and can be modified by the caller.
func (m *DeviceMap) DeviceList() []int {
	return append([]int(nil), m.deviceLists[m.myProcess]...)
}

// LocalSize returns the number of accelerators owned by the calling process.
func (m *DeviceMap) LocalSize() int {
	return len(m.deviceLists[m.myProcess])
}

// Size returns the total number of accelerators across all processes.
func (m *DeviceMap) Size() int {
	return m.firstGlobal[len(m.deviceLists)]
}

// NumNodes returns the number of cooperating processes.
func (m *DeviceMap) NumNodes() int {
	return len(m.deviceLists)
}

// MyProcess returns the index of the calling process within the process order.
func (m *DeviceMap) MyProcess() int {
	return m.myProcess
}

// GlobalID returns the global id of the given local device id on the calling
// process, or -1 if the calling process does not own that device.
func (m *DeviceMap) GlobalID(localDeviceID int) int {
	for i, dev := range m.deviceLists[m.myProcess] {
		if dev == localDeviceID {
			return m.firstGlobal[m.myProcess] + i
		}
	}
	return -1
}

// owner returns the process owning the given global id, or -1 if the id is out of
// range.
func (m *DeviceMap) owner(globalID int) int {
	if globalID < 0 || globalID >= m.Size() {
		return -1
	}
	for p := range m.deviceLists {
		if globalID < m.firstGlobal[p+1] {
			return p
		}
	}
	return -1
}

// LocalIndex returns the position of the given global id within its owning process'
// device list, or -1 if the id is out of range.
func (m *DeviceMap) LocalIndex(globalID int) int {
	p := m.owner(globalID)
	if p < 0 {
		return -1
	}
	return globalID - m.firstGlobal[p]
}

// LocalDeviceID returns the runtime device number of the given global id within its
// owning process, or -1 if the id is out of range.
func (m *DeviceMap) LocalDeviceID(globalID int) int {
	p := m.owner(globalID)
	if p < 0 {
		return -1
	}
	return m.deviceLists[p][globalID-m.firstGlobal[p]]
}

// ProcessID returns the process owning the given global id, or -1 if the id is out
// of range.
func (m *DeviceMap) ProcessID(globalID int) int {
	return m.owner(globalID)
}

// String implements fmt.Stringer. It prints the process count, total device count
// and the calling process' device list.
func (m *DeviceMap) String() string {
	return fmt.Sprintf("DeviceMap[processes=%d, devices=%d, process=%d, local=%v]",
		m.NumNodes(), m.Size(), m.myProcess, m.deviceLists[m.myProcess])
}
