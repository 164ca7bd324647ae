package host

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/gomultigpu/driver"
)

// streamQueueDepth is how many operations a stream buffers before submission
// starts to block.
const streamQueueDepth = 128

// Stream implements driver.Stream as a FIFO queue drained by one goroutine.
// Operations run asynchronously in submission order; Synchronize blocks until the
// queue has drained.
type Stream struct {
	dev  driver.DeviceID
	ops  chan func() error
	done chan struct{}

	// mu guards closed and every send to ops, so Destroy cannot close the channel
	// under a concurrent submission.
	mu     sync.RWMutex
	closed bool

	muErr sync.Mutex
	err   error
}

func newStream(dev driver.DeviceID) *Stream {
	s := &Stream{
		dev:  dev,
		ops:  make(chan func() error, streamQueueDepth),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(); err != nil {
			s.setErr(err)
		}
	}
}

// setErr records the first asynchronous failure; later ones are dropped.
func (s *Stream) setErr(err error) {
	s.muErr.Lock()
	defer s.muErr.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) firstErr() error {
	s.muErr.Lock()
	defer s.muErr.Unlock()
	return s.err
}

// enqueue submits op to the stream. It blocks while the queue is full and fails if
// the stream was destroyed.
func (s *Stream) enqueue(op func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.Errorf("stream on device %d already destroyed", s.dev)
	}
	s.ops <- op
	return nil
}

// Device returns the device the stream executes on.
func (s *Stream) Device() driver.DeviceID { return s.dev }

// Synchronize implements driver.Stream: it blocks until all previously submitted
// work has completed and returns the first error any of that work hit.
func (s *Stream) Synchronize() error {
	marker := make(chan struct{})
	if err := s.enqueue(func() error { close(marker); return nil }); err != nil {
		return err
	}
	<-marker
	return s.firstErr()
}

// Destroy implements driver.Stream. It waits for queued work to drain and is
// idempotent.
func (s *Stream) Destroy() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.mu.Unlock()
	<-s.done
	return nil
}

// CopyHalfToFloat32 widens IEEE 754 half-precision values (given as raw bits) to
// float32, asynchronously on the stream. dst and src must not be touched until the
// stream is synchronized.
func (s *Stream) CopyHalfToFloat32(dst []float32, src []uint16) error {
	if len(dst) != len(src) {
		return errors.Errorf("length mismatch: dst has %d elements, src has %d", len(dst), len(src))
	}
	return s.enqueue(func() error {
		for i, bits := range src {
			dst[i] = float16.Frombits(bits).Float32()
		}
		return nil
	})
}

// CopyFloat32ToHalf narrows float32 values to IEEE 754 half-precision (as raw
// bits), asynchronously on the stream, rounding to nearest-even. dst and src must
// not be touched until the stream is synchronized.
func (s *Stream) CopyFloat32ToHalf(dst []uint16, src []float32) error {
	if len(dst) != len(src) {
		return errors.Errorf("length mismatch: dst has %d elements, src has %d", len(dst), len(src))
	}
	return s.enqueue(func() error {
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v).Bits()
		}
		return nil
	})
}
