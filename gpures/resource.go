package gpures

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu/driver"
)

// NumDataCopyStreams is how many dedicated data-movement streams each Resource
// carries alongside its compute stream.
const NumDataCopyStreams = 2

// Resource bundles everything one accelerator needs to take part in training: a
// compute stream, two data-copy streams, a BLAS handle, a random generator, a
// neural-network primitives handle and this device's endpoint in the group's
// collective communicator.
//
// Resources are created by NewGroup, one per local device, and owned by their
// Group: destroying the group destroys them. The communicator endpoint is owned by
// the group as well; Resource only holds the slot index and resolves it on demand,
// so a Resource never outlives or leaks group state.
type Resource struct {
	drv      driver.Driver
	group    *Group
	deviceID driver.DeviceID

	stream          driver.Stream
	dataCopyStreams [NumDataCopyStreams]driver.Stream
	blas            driver.BlasHandle
	rand            driver.RandGenerator
	dnn             driver.DnnHandle
	commIndex       int
}

// newResource acquires all per-device handles with dev active. On any failure it
// releases what was already acquired and reports the failure.
func newResource(g *Group, dev driver.DeviceID, commIndex int) (_ *Resource, err error) {
	r := &Resource{
		drv:       g.drv,
		group:     g,
		deviceID:  dev,
		commIndex: commIndex,
	}
	devCtx, err := newDeviceContext(g.drv, dev)
	if err != nil {
		return nil, err
	}
	defer devCtx.closeOrLog()
	// The failure paths below return a nil Resource, so the unwind reads the
	// local r, which still holds whatever was acquired.
	defer func() {
		if err != nil {
			r.destroyOrLog()
		}
	}()

	if r.blas, err = g.drv.CreateBlasHandle(dev); err != nil {
		return nil, errors.WithMessagef(err, "creating BLAS handle on device %d", dev)
	}
	if r.rand, err = g.drv.CreateRandGenerator(dev, driver.RandDefault); err != nil {
		return nil, errors.WithMessagef(err, "creating random generator on device %d", dev)
	}
	if r.dnn, err = g.drv.CreateDnnHandle(dev); err != nil {
		return nil, errors.WithMessagef(err, "creating DNN handle on device %d", dev)
	}
	if r.stream, err = g.drv.CreateStream(dev); err != nil {
		return nil, errors.WithMessagef(err, "creating compute stream on device %d", dev)
	}
	for i := range r.dataCopyStreams {
		if r.dataCopyStreams[i], err = g.drv.CreateStream(dev); err != nil {
			return nil, errors.WithMessagef(err, "creating data-copy stream %d on device %d", i, dev)
		}
	}
	if err = r.bindStreams(); err != nil {
		return nil, errors.WithMessagef(err, "binding handles to the compute stream on device %d", dev)
	}

	runtime.SetFinalizer(r, func(r *Resource) { r.destroyOrLog() })
	return r, nil
}

// bindStreams points the BLAS, random and DNN handles at the compute stream, so
// work issued through them serializes with compute by default.
func (r *Resource) bindStreams() error {
	if err := r.blas.SetStream(r.stream); err != nil {
		return err
	}
	if err := r.rand.SetStream(r.stream); err != nil {
		return err
	}
	return r.dnn.SetStream(r.stream)
}

// DeviceID returns the device this resource lives on.
func (r *Resource) DeviceID() driver.DeviceID { return r.deviceID }

// Stream returns the compute stream.
func (r *Resource) Stream() driver.Stream { return r.stream }

// DataCopyStream returns data-movement stream i, in [0, NumDataCopyStreams). The
// streams are distinct, so copies can overlap compute and each other.
func (r *Resource) DataCopyStream(i int) driver.Stream { return r.dataCopyStreams[i] }

// BlasHandle returns the BLAS handle, bound to the compute stream.
func (r *Resource) BlasHandle() driver.BlasHandle { return r.blas }

// RandGenerator returns the random generator, bound to the compute stream.
func (r *Resource) RandGenerator() driver.RandGenerator { return r.rand }

// DnnHandle returns the DNN handle, bound to the compute stream.
func (r *Resource) DnnHandle() driver.DnnHandle { return r.dnn }

// Comm returns this device's endpoint in the group's collective communicator, or
// nil after the resource or its group was destroyed.
func (r *Resource) Comm() driver.Comm {
	if r == nil || r.group == nil {
		return nil
	}
	return r.group.commAt(r.commIndex)
}

// Destroy releases every handle the resource owns, with its device active, in
// acquisition order. It keeps going past failures and returns the first one. It is
// idempotent; the group calls it during Group.Destroy.
//
// The communicator endpoint is not touched: the group owns it.
func (r *Resource) Destroy() error {
	if r == nil || r.drv == nil {
		return nil
	}
	runtime.SetFinalizer(r, nil)
	devCtx, err := newDeviceContext(r.drv, r.deviceID)
	if err != nil {
		return errors.WithMessagef(err, "destroying resource on device %d", r.deviceID)
	}
	defer devCtx.closeOrLog()

	var firstErr error
	record := func(err error, what string) {
		if err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "destroying %s on device %d", what, r.deviceID)
		}
	}
	if r.blas != nil {
		record(r.blas.Destroy(), "BLAS handle")
		r.blas = nil
	}
	if r.rand != nil {
		record(r.rand.Destroy(), "random generator")
		r.rand = nil
	}
	if r.dnn != nil {
		record(r.dnn.Destroy(), "DNN handle")
		r.dnn = nil
	}
	if r.stream != nil {
		record(r.stream.Destroy(), "compute stream")
		r.stream = nil
	}
	for i := range r.dataCopyStreams {
		if r.dataCopyStreams[i] != nil {
			record(r.dataCopyStreams[i].Destroy(), fmt.Sprintf("data-copy stream %d", i))
			r.dataCopyStreams[i] = nil
		}
	}
	r.drv = nil
	r.group = nil
	return firstErr
}

// destroyOrLog destroys the resource and logs any error: used where there is no
// path to return it (finalizers, teardown of partially built state).
func (r *Resource) destroyOrLog() {
	if err := r.Destroy(); err != nil {
		klog.Errorf("Resource.Destroy failed: %+v", err)
	}
}

// String implements fmt.Stringer.
func (r *Resource) String() string {
	if r == nil || r.drv == nil {
		return "Resource[destroyed]"
	}
	return fmt.Sprintf("Resource[device=%d, commIndex=%d]", r.deviceID, r.commIndex)
}
