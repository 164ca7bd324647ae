package gpures

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/gomultigpu/devmap"
	"github.com/gomlx/gomultigpu/driver"
	"github.com/gomlx/gomultigpu/driver/host"
)

// newTestGroup builds a single-process group of the given size over a fresh host
// driver, destroyed at the end of the test.
func newTestGroup(t *testing.T, devices int) *Group {
	t.Helper()
	drv, err := host.New(host.WithDeviceCount(devices))
	require.NoError(t, err)
	list := make([]int, devices)
	for i := range list {
		list[i] = i
	}
	m, err := devmap.New([][]int{list}, 0)
	require.NoError(t, err)
	g, err := NewGroup(m, drv, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Destroy() })
	return g
}

func TestResourceAccessors(t *testing.T) {
	g := newTestGroup(t, 2)
	r := g.Resource(0)

	require.Equal(t, driver.DeviceID(0), r.DeviceID())
	require.NotNil(t, r.Stream())
	require.NotNil(t, r.BlasHandle())
	require.NotNil(t, r.RandGenerator())
	require.NotNil(t, r.DnnHandle())
	require.NotNil(t, r.Comm())

	// The compute stream and the data-copy streams are all distinct queues.
	require.NotSame(t, r.Stream(), r.DataCopyStream(0))
	require.NotSame(t, r.Stream(), r.DataCopyStream(1))
	require.NotSame(t, r.DataCopyStream(0), r.DataCopyStream(1))
	require.Panics(t, func() { r.DataCopyStream(NumDataCopyStreams) })

	require.Contains(t, r.String(), "device=0")
}

func TestResourceComputePipeline(t *testing.T) {
	// The library handles are bound to the compute stream at construction, so a
	// generate -> scale -> activate chain issued through them runs in order and
	// one Synchronize on the stream fences all of it.
	g := newTestGroup(t, 1)
	r := g.Resource(0)

	rng := r.RandGenerator().(*host.RandGenerator)
	blas := r.BlasHandle().(*host.BlasHandle)
	dnn := r.DnnHandle().(*host.DnnHandle)

	x := make([]float32, 128)
	y := make([]float32, len(x))
	require.NoError(t, rng.Uniform(x))
	require.NoError(t, blas.Saxpy(len(x), 2, x, 1, y, 1))
	require.NoError(t, dnn.ActivationForward(host.ActivationReLU, 1, 0, y, y))
	require.NoError(t, r.Stream().Synchronize())

	for i := range x {
		require.GreaterOrEqual(t, x[i], float32(0))
		require.Less(t, x[i], float32(1))
		require.Equal(t, 2*x[i], y[i], "y = relu(2*x) with x in [0, 1)")
	}
}

func TestResourceDataCopyStreams(t *testing.T) {
	// Half-precision staging transfers run on the dedicated data-copy streams,
	// independent of compute.
	g := newTestGroup(t, 1)
	r := g.Resource(0)

	copy0 := r.DataCopyStream(0).(*host.Stream)
	copy1 := r.DataCopyStream(1).(*host.Stream)
	src := []float32{1, 0.5, -2, 0}
	half := make([]uint16, len(src))
	back := make([]float32, len(src))
	require.NoError(t, copy0.CopyFloat32ToHalf(half, src))
	require.NoError(t, copy0.Synchronize())
	require.NoError(t, copy1.CopyHalfToFloat32(back, half))
	require.NoError(t, copy1.Synchronize())
	require.Equal(t, src, back)
}

func TestResourceAfterGroupDestroy(t *testing.T) {
	g := newTestGroup(t, 2)
	r := g.Resource(1)
	require.NotNil(t, r.Comm())

	require.NoError(t, g.Destroy())
	require.Nil(t, r.Comm(), "the endpoint dies with the group")
	require.Nil(t, r.Stream())
	require.NoError(t, r.Destroy(), "destroying an already destroyed resource is a no-op")
	require.Equal(t, "Resource[destroyed]", r.String())
}
