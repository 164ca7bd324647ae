// Package driver defines the interface between the resource-management core and a
// concrete accelerator runtime.
//
// A Driver hands out per-device handles: execution streams, BLAS handles, random
// number generators, neural-network primitive handles and collective communicators.
// The core (package gpures) only ever talks to these interfaces, so the same
// lifecycle code drives real hardware and the pure-Go reference runtime alike.
//
// Implementations register themselves with Register, usually from an init function,
// and are looked up by name with Get -- the same way database/sql drivers work:
//
//	import _ "github.com/gomlx/gomultigpu/driver/host"
//	...
//	drv, err := driver.Get("host")
package driver

import "fmt"

// DeviceID identifies one accelerator within a process, numbered from 0 to
// Driver.DeviceCount()-1.
type DeviceID int

// UniqueIDBytes is the size of a communicator identity token.
const UniqueIDBytes = 128

// UniqueID is the opaque identity token of a communicator group. One process
// creates it with Driver.CommUniqueID and distributes it to every participant
// (see package coord); all participants then join with the same token.
//
// The token is a fixed-width byte array so it can be broadcast as-is.
type UniqueID [UniqueIDBytes]byte

// String prints a short prefix of the token, enough to tell tokens apart in logs.
func (id UniqueID) String() string {
	return fmt.Sprintf("UniqueID[%x...]", id[:8])
}

// RandAlgorithm selects the pseudo-random generator family used by
// Driver.CreateRandGenerator.
type RandAlgorithm int

const (
	// RandDefault is the driver's default generator family.
	RandDefault RandAlgorithm = iota

	// RandPhilox selects a Philox counter-based generator.
	RandPhilox

	// RandXORWOW selects an XORWOW generator.
	RandXORWOW
)

// String implements fmt.Stringer.
func (a RandAlgorithm) String() string {
	switch a {
	case RandDefault:
		return "default"
	case RandPhilox:
		return "philox"
	case RandXORWOW:
		return "xorwow"
	}
	return fmt.Sprintf("RandAlgorithm(%d)", int(a))
}

// Stream is an in-order execution queue on one device. Work submitted to a stream
// runs asynchronously with respect to the caller but strictly in submission order
// with respect to other work on the same stream.
type Stream interface {
	// Synchronize blocks until all work previously submitted to the stream has
	// completed, and returns the first error any of that work hit.
	Synchronize() error

	// Destroy releases the stream. It is idempotent.
	Destroy() error
}

// BlasHandle is a dense linear-algebra context bound to one device.
type BlasHandle interface {
	// SetStream directs subsequent operations issued through the handle to the
	// given stream. A nil stream makes operations synchronous.
	SetStream(s Stream) error

	// Destroy releases the handle. It is idempotent.
	Destroy() error
}

// RandGenerator is a pseudo-random number generator bound to one device.
type RandGenerator interface {
	// SetSeed reseeds the generator.
	SetSeed(seed uint64) error

	// SetStream directs subsequent generation to the given stream. A nil stream
	// makes generation synchronous.
	SetStream(s Stream) error

	// Destroy releases the generator. It is idempotent.
	Destroy() error
}

// DnnHandle is a neural-network primitives context bound to one device.
type DnnHandle interface {
	// SetStream directs subsequent operations issued through the handle to the
	// given stream. A nil stream makes operations synchronous.
	SetStream(s Stream) error

	// Destroy releases the handle. It is idempotent.
	Destroy() error
}

// Comm is one participant's endpoint in a collective communicator group.
type Comm interface {
	// Rank returns this participant's rank within the group.
	Rank() (int, error)

	// Count returns the total number of participants in the group.
	Count() (int, error)

	// Device returns the device this endpoint is bound to.
	Device() (DeviceID, error)

	// Destroy releases the endpoint. It is idempotent.
	Destroy() error
}

// Driver is a concrete accelerator runtime.
//
// Unless noted otherwise, methods may be called from any goroutine. The exceptions
// are SetDevice and CurrentDevice, whose scope (per-thread on CUDA, per-process on
// the host runtime) is implementation-defined: callers that depend on the active
// device must pin their goroutine to an OS thread and serialize, which is what
// package gpures does during construction and teardown.
type Driver interface {
	// Name returns the registry name of the driver, e.g. "host" or "cuda".
	Name() string

	// DeviceCount returns the number of visible devices.
	DeviceCount() (int, error)

	// SetDevice makes dev the active device for subsequent calls.
	SetDevice(dev DeviceID) error

	// CurrentDevice returns the active device.
	CurrentDevice() (DeviceID, error)

	// CreateStream creates an execution stream on the given device.
	CreateStream(dev DeviceID) (Stream, error)

	// CreateBlasHandle creates a BLAS context on the given device.
	CreateBlasHandle(dev DeviceID) (BlasHandle, error)

	// CreateRandGenerator creates a pseudo-random generator of the given family on
	// the given device.
	CreateRandGenerator(dev DeviceID, algo RandAlgorithm) (RandGenerator, error)

	// CreateDnnHandle creates a neural-network primitives context on the given
	// device.
	CreateDnnHandle(dev DeviceID) (DnnHandle, error)

	// CommUniqueID creates a fresh communicator identity token. Typically only the
	// root process of a run calls this; everyone else receives the token through
	// the coordination channel.
	CommUniqueID() (UniqueID, error)

	// GroupStart opens a batch of communicator joins. Between GroupStart and
	// GroupEnd, CommInitRank calls are collected instead of blocking, which lets
	// one process join on behalf of several local devices without deadlocking.
	// A batch left open by an abandoned bootstrap is discarded by the next
	// GroupStart.
	GroupStart() error

	// GroupEnd closes the batch opened by GroupStart and blocks until every
	// collected join has completed, i.e. until all participants of each joined
	// group have arrived.
	//
	// If a batched CommInitRank returned an error the batch must be considered
	// abandoned: the process cannot recover the partially joined groups and
	// should not call GroupEnd.
	GroupEnd() error

	// CommInitRank joins the communicator group identified by commID as the given
	// rank out of nRanks total participants. The endpoint binds to the driver's
	// current device, so callers select the device with SetDevice first.
	//
	// Outside a GroupStart/GroupEnd batch the call blocks until all participants
	// have arrived.
	CommInitRank(nRanks int, commID UniqueID, rank int) (Comm, error)

	// CommInitAll creates a complete communicator group over the given local
	// devices in a single call, with ranks assigned in list order. It is the
	// single-process shortcut: no identity token or coordination is involved.
	CommInitAll(devices []DeviceID) ([]Comm, error)
}
