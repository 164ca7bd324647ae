//go:build cuda

package cuda

/*
#cgo CFLAGS: -I/usr/local/cuda/include
#cgo LDFLAGS: -lcudart -lcublas -lcurand -lcudnn -lnccl
#cgo linux LDFLAGS: -L/usr/local/cuda/lib64

#include <cuda_runtime.h>
*/
import "C"

import (
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu/driver"
)

// Name is the registry name of this driver.
const Name = "cuda"

func init() {
	driver.Register(&Driver{})
}

// Driver implements driver.Driver on the CUDA runtime. It carries no state of its
// own: the active device lives in the runtime, per OS thread, and every handle is
// owned by its wrapper.
type Driver struct{}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) {
	var n C.int
	if err := cudaErr(C.cudaGetDeviceCount(&n)); err != nil {
		return 0, errors.WithMessage(err, "querying the CUDA device count")
	}
	return int(n), nil
}

// SetDevice implements driver.Driver. The active device is a property of the
// calling OS thread; pin the goroutine first.
func (d *Driver) SetDevice(dev driver.DeviceID) error {
	return errors.WithMessagef(cudaErr(C.cudaSetDevice(C.int(dev))), "selecting CUDA device %d", dev)
}

// CurrentDevice implements driver.Driver.
func (d *Driver) CurrentDevice() (driver.DeviceID, error) {
	var dev C.int
	if err := cudaErr(C.cudaGetDevice(&dev)); err != nil {
		return 0, errors.WithMessage(err, "querying the active CUDA device")
	}
	return driver.DeviceID(dev), nil
}

// onDevice runs fn with dev active on a pinned thread and restores the thread's
// previous device afterwards. The Create* methods go through here, so a handle
// lands on its device no matter what the calling thread had active.
func (d *Driver) onDevice(dev driver.DeviceID, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	var prev C.int
	if err := cudaErr(C.cudaGetDevice(&prev)); err != nil {
		return errors.WithMessage(err, "querying the active CUDA device")
	}
	if err := d.SetDevice(dev); err != nil {
		return err
	}
	defer func() {
		if err := cudaErr(C.cudaSetDevice(prev)); err != nil {
			klog.Errorf("restoring CUDA device %d failed: %v", int(prev), err)
		}
	}()
	return fn()
}
