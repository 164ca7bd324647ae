package gpures

import (
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu/driver"
)

// deviceContext makes one device the driver's active device for the duration of a
// scope, restoring the previous one on Close. Because the active device can be
// thread-scoped (it is on CUDA), the guard also locks the goroutine to its OS
// thread until closed.
type deviceContext struct {
	drv  driver.Driver
	prev driver.DeviceID
}

func newDeviceContext(drv driver.Driver, dev driver.DeviceID) (*deviceContext, error) {
	runtime.LockOSThread()
	prev, err := drv.CurrentDevice()
	if err != nil {
		runtime.UnlockOSThread()
		return nil, errors.WithMessagef(err, "querying the active device")
	}
	if err := drv.SetDevice(dev); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.WithMessagef(err, "selecting device %d", dev)
	}
	return &deviceContext{drv: drv, prev: prev}, nil
}

// Close restores the previously active device and releases the thread. It is
// idempotent.
func (c *deviceContext) Close() error {
	if c == nil || c.drv == nil {
		return nil
	}
	err := c.drv.SetDevice(c.prev)
	c.drv = nil
	runtime.UnlockOSThread()
	return errors.WithMessagef(err, "restoring device %d", c.prev)
}

// closeOrLog closes the guard and logs failures: a failed restore must not mask
// the error of the operation it guarded.
func (c *deviceContext) closeOrLog() {
	if err := c.Close(); err != nil {
		klog.Errorf("device context restore failed: %+v", err)
	}
}
