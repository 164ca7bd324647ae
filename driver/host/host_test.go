package host

import (
	"flag"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/gomultigpu/driver"
)

func init() {
	klog.InitFlags(nil)
	_ = flag.Set("logtostderr", "true")
}

func TestNew(t *testing.T) {
	d, err := New(WithDeviceCount(4))
	require.NoError(t, err)
	count, err := d.DeviceCount()
	require.NoError(t, err)
	require.Equal(t, 4, count)

	_, err = New(WithDeviceCount(0))
	require.Error(t, err)
	_, err = New(WithDeviceCount(-2))
	require.Error(t, err)
}

func TestNewFromEnv(t *testing.T) {
	t.Setenv(DeviceCountEnv, "3")
	d := NewFromEnv()
	count, err := d.DeviceCount()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	t.Setenv(DeviceCountEnv, "potato")
	d = NewFromEnv()
	count, err = d.DeviceCount()
	require.NoError(t, err)
	require.Equal(t, runtime.NumCPU(), count, "invalid value should fall back to one device per CPU")
}

func TestActiveDevice(t *testing.T) {
	d, err := New(WithDeviceCount(3))
	require.NoError(t, err)

	dev, err := d.CurrentDevice()
	require.NoError(t, err)
	require.Equal(t, driver.DeviceID(0), dev, "device 0 should be active by default")

	require.NoError(t, d.SetDevice(2))
	dev, err = d.CurrentDevice()
	require.NoError(t, err)
	require.Equal(t, driver.DeviceID(2), dev)

	require.Error(t, d.SetDevice(3))
	require.Error(t, d.SetDevice(-1))
}

func TestCreateValidatesDevice(t *testing.T) {
	d, err := New(WithDeviceCount(2))
	require.NoError(t, err)

	_, err = d.CreateStream(2)
	require.Error(t, err)
	_, err = d.CreateBlasHandle(-1)
	require.Error(t, err)
	_, err = d.CreateRandGenerator(7, driver.RandDefault)
	require.Error(t, err)
	_, err = d.CreateDnnHandle(2)
	require.Error(t, err)
}

func TestRegisteredByDefault(t *testing.T) {
	d, err := driver.Get(Name)
	require.NoError(t, err)
	require.Equal(t, Name, d.Name())
}
