package workers

import (
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndWait(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)
	defer p.Close()
	require.Equal(t, 2, p.Size())

	ran := false
	task, err := p.Submit(0, func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, task.Wait())
	require.True(t, ran)
}

func TestSlotOrdering(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	defer p.Close()

	var got []int
	var last *Task
	for i := 0; i < 100; i++ {
		i := i
		task, err := p.Submit(0, func() error {
			got = append(got, i)
			return nil
		})
		require.NoError(t, err)
		last = task
	}
	require.NoError(t, last.Wait())
	require.Len(t, got, 100)
	require.IsIncreasing(t, got, "tasks on one slot must run in submission order")
}

func TestSlotsRunInParallel(t *testing.T) {
	const slots = 4
	p, err := New(slots)
	require.NoError(t, err)
	defer p.Close()

	// Every task blocks until all slots entered their task, which only resolves
	// if the slots really run concurrently.
	var entered atomic.Int32
	release := make(chan struct{})
	tasks := make([]*Task, slots)
	for slot := 0; slot < slots; slot++ {
		task, err := p.Submit(slot, func() error {
			if entered.Add(1) == slots {
				close(release)
			}
			<-release
			return nil
		})
		require.NoError(t, err)
		tasks[slot] = task
	}
	for _, task := range tasks {
		require.NoError(t, task.Wait())
	}
}

func TestTaskError(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	defer p.Close()

	boom := errors.New("boom")
	task, err := p.Submit(0, func() error { return boom })
	require.NoError(t, err)
	require.ErrorIs(t, task.Wait(), boom)
}

func TestTaskPanicIsContained(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	defer p.Close()

	task, err := p.Submit(0, func() error { panic("kaboom") })
	require.NoError(t, err)
	err = task.Wait()
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")

	// The slot survives.
	task, err = p.Submit(0, func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.Wait())
}

func TestSubmitValidation(t *testing.T) {
	p, err := New(1)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Submit(1, func() error { return nil })
	require.Error(t, err)
	_, err = p.Submit(-1, func() error { return nil })
	require.Error(t, err)
	_, err = p.Submit(0, nil)
	require.Error(t, err)

	_, err = New(0)
	require.Error(t, err)
}

func TestCloseDrains(t *testing.T) {
	p, err := New(2)
	require.NoError(t, err)

	var ran atomic.Int32
	for slot := 0; slot < 2; slot++ {
		for i := 0; i < 10; i++ {
			_, err := p.Submit(slot, func() error {
				ran.Add(1)
				return nil
			})
			require.NoError(t, err)
		}
	}
	p.Close()
	p.Close()
	require.Equal(t, int32(20), ran.Load(), "Close must wait for queued tasks")

	_, err = p.Submit(0, func() error { return nil })
	require.Error(t, err, "Submit after Close must fail")
}

func TestCPUAffinityOption(t *testing.T) {
	// Pinning to CPU 0 is valid everywhere; on non-Linux it is a no-op. Either
	// way the pool must come up and run tasks.
	p, err := New(2, WithCPUAffinity(func(slot int) []int {
		if slot == 0 {
			return []int{0}
		}
		return nil
	}))
	require.NoError(t, err)
	defer p.Close()

	task, err := p.Submit(0, func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.Wait())
	task, err = p.Submit(1, func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, task.Wait())
}
