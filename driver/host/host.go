// Package host implements the pure-Go reference driver, registered under the name
// "host".
//
// Devices are virtual: each one is a numbered slot with FIFO execution streams
// backed by goroutines. BLAS operations run on gonum's native implementation,
// random numbers come from math/rand/v2 and neural-network primitives are plain
// elementwise loops. Communicators rendezvous through an in-process fabric, shared
// across Driver values, so multi-process bootstrap can be exercised inside a single
// test binary by giving each simulated process its own Driver.
//
// The host driver keeps the same call discipline real hardware demands -- active
// device selection before communicator joins, group batching for multiple local
// ranks, destroy-once handle lifecycles -- which is the point: code that runs
// correctly against it runs correctly against the CUDA driver.
package host

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu/driver"
)

const (
	// Name is the registry name of this driver.
	Name = "host"

	// DeviceCountEnv overrides the device count of the driver registered at init,
	// e.g. GOMULTIGPU_HOST_DEVICES=8. Without it the driver exposes one device per
	// CPU.
	DeviceCountEnv = "GOMULTIGPU_HOST_DEVICES"
)

func init() {
	driver.Register(NewFromEnv())
}

// Driver is the pure-Go reference implementation of driver.Driver.
//
// Each Driver value models one process: it has its own device count, its own active
// device and its own communicator join batch. Driver values within one OS process
// share the communicator fabric, which is what lets tests run multi-process
// bootstrap scenarios in-process.
type Driver struct {
	deviceCount int
	current     atomic.Int32

	muBatch  sync.Mutex
	batching bool
	pending  []*Comm
}

// Option configures the Driver created by New.
type Option func(*Driver)

// WithDeviceCount sets the number of virtual devices the driver exposes.
func WithDeviceCount(n int) Option {
	return func(d *Driver) { d.deviceCount = n }
}

// New creates a host driver. By default it exposes one virtual device per CPU; see
// WithDeviceCount.
func New(opts ...Option) (*Driver, error) {
	d := &Driver{deviceCount: runtime.NumCPU()}
	for _, opt := range opts {
		opt(d)
	}
	if d.deviceCount < 1 {
		return nil, errors.Errorf("host driver needs at least one device, got %d", d.deviceCount)
	}
	return d, nil
}

// NewFromEnv creates a host driver configured from the environment: the device
// count comes from GOMULTIGPU_HOST_DEVICES when set and valid, otherwise it
// defaults to the number of CPUs.
func NewFromEnv() *Driver {
	count := runtime.NumCPU()
	if value, found := os.LookupEnv(DeviceCountEnv); found {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 1 {
			klog.Warningf("ignoring invalid %s=%q, using %d device(s)", DeviceCountEnv, value, count)
		} else {
			count = parsed
		}
	}
	d, err := New(WithDeviceCount(count))
	if err != nil {
		// Unreachable, count is validated above.
		klog.Errorf("host driver setup failed: %v", err)
		d = &Driver{deviceCount: 1}
	}
	return d
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) { return d.deviceCount, nil }

// checkDevice validates that dev names one of the driver's devices.
func (d *Driver) checkDevice(dev driver.DeviceID) error {
	if int(dev) < 0 || int(dev) >= d.deviceCount {
		return errors.Errorf("invalid device %d: driver %q has %d device(s)", dev, Name, d.deviceCount)
	}
	return nil
}

// SetDevice implements driver.Driver. The active device is per-Driver, not
// per-thread: one Driver models one process.
func (d *Driver) SetDevice(dev driver.DeviceID) error {
	if err := d.checkDevice(dev); err != nil {
		return err
	}
	d.current.Store(int32(dev))
	return nil
}

// CurrentDevice implements driver.Driver.
func (d *Driver) CurrentDevice() (driver.DeviceID, error) {
	return driver.DeviceID(d.current.Load()), nil
}

// CreateStream implements driver.Driver.
func (d *Driver) CreateStream(dev driver.DeviceID) (driver.Stream, error) {
	if err := d.checkDevice(dev); err != nil {
		return nil, err
	}
	return newStream(dev), nil
}

// CreateBlasHandle implements driver.Driver.
func (d *Driver) CreateBlasHandle(dev driver.DeviceID) (driver.BlasHandle, error) {
	if err := d.checkDevice(dev); err != nil {
		return nil, err
	}
	return newBlasHandle(dev), nil
}

// CreateRandGenerator implements driver.Driver.
func (d *Driver) CreateRandGenerator(dev driver.DeviceID, algo driver.RandAlgorithm) (driver.RandGenerator, error) {
	if err := d.checkDevice(dev); err != nil {
		return nil, err
	}
	return newRandGenerator(dev, algo)
}

// CreateDnnHandle implements driver.Driver.
func (d *Driver) CreateDnnHandle(dev driver.DeviceID) (driver.DnnHandle, error) {
	if err := d.checkDevice(dev); err != nil {
		return nil, err
	}
	return newDnnHandle(dev), nil
}
