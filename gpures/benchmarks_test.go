package gpures

// Benchmarks run over the host driver, so they measure the lifecycle and dispatch
// machinery itself rather than accelerator latency.

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/gomlx/gomultigpu/devmap"
	"github.com/gomlx/gomultigpu/driver/host"
	"github.com/gomlx/gomultigpu/workers"
)

func must(err error) {
	if err != nil {
		panic(errors.WithStack(err))
	}
}

func must1[T any](v T, err error) T {
	must(err)
	return v
}

func BenchmarkGroupLifecycle(b *testing.B) {
	drv := must1(host.New(host.WithDeviceCount(4)))
	m := must1(devmap.New([][]int{{0, 1, 2, 3}}, 0))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		g := must1(NewGroup(m, drv, nil))
		must(g.Destroy())
	}
}

func BenchmarkWorkerDispatch(b *testing.B) {
	drv := must1(host.New(host.WithDeviceCount(4)))
	m := must1(devmap.New([][]int{{0, 1, 2, 3}}, 0))
	g := must1(NewGroup(m, drv, nil))
	defer func() { must(g.Destroy()) }()

	noop := func() error { return nil }
	tasks := make([]*workers.Task, g.Size())
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		for slot := range tasks {
			tasks[slot] = must1(g.Workers().Submit(slot, noop))
		}
		for _, task := range tasks {
			must(task.Wait())
		}
	}
}

func BenchmarkStreamRoundTrip(b *testing.B) {
	drv := must1(host.New(host.WithDeviceCount(1)))
	m := must1(devmap.New([][]int{{0}}, 0))
	g := must1(NewGroup(m, drv, nil))
	defer func() { must(g.Destroy()) }()

	r := g.Resource(0)
	rng := r.RandGenerator().(*host.RandGenerator)
	x := make([]float32, 1024)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		must(rng.Uniform(x))
		must(r.Stream().Synchronize())
	}
}
