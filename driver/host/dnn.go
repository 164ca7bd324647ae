package host

import (
	"fmt"
	"sync"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/gomlx/gomultigpu/driver"
)

// Activation selects the elementwise nonlinearity applied by
// DnnHandle.ActivationForward.
type Activation int

const (
	ActivationReLU Activation = iota
	ActivationSigmoid
	ActivationTanh
)

// String implements fmt.Stringer.
func (a Activation) String() string {
	switch a {
	case ActivationReLU:
		return "relu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// DnnHandle implements driver.DnnHandle with plain elementwise loops over float32
// slices.
type DnnHandle struct {
	dev driver.DeviceID

	mu        sync.Mutex
	stream    *Stream
	destroyed bool
}

func newDnnHandle(dev driver.DeviceID) *DnnHandle {
	return &DnnHandle{dev: dev}
}

// SetStream implements driver.DnnHandle. The stream must have been created by the
// host driver; a nil stream makes operations synchronous.
func (h *DnnHandle) SetStream(s driver.Stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return errors.Errorf("DNN handle on device %d already destroyed", h.dev)
	}
	if s == nil {
		h.stream = nil
		return nil
	}
	hs, ok := s.(*Stream)
	if !ok {
		return errors.Errorf("stream of type %T was not created by the %q driver", s, Name)
	}
	h.stream = hs
	return nil
}

// Destroy implements driver.DnnHandle. It is idempotent.
func (h *DnnHandle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	h.stream = nil
	return nil
}

func (h *DnnHandle) submit(op func() error) error {
	h.mu.Lock()
	stream, destroyed := h.stream, h.destroyed
	h.mu.Unlock()
	if destroyed {
		return errors.Errorf("DNN handle on device %d already destroyed", h.dev)
	}
	if stream != nil {
		return stream.enqueue(op)
	}
	return op()
}

// ActivationForward computes out[i] = alpha*act(in[i]) + beta*out[i] elementwise.
// in and out must have the same length; they may alias.
//
// When a stream is set the operation runs asynchronously and the slices must not be
// touched until the stream is synchronized.
func (h *DnnHandle) ActivationForward(act Activation, alpha, beta float32, in, out []float32) error {
	if len(in) != len(out) {
		return errors.Errorf("length mismatch: in has %d elements, out has %d", len(in), len(out))
	}
	var f func(float32) float32
	switch act {
	case ActivationReLU:
		f = func(x float32) float32 { return math32.Max(0, x) }
	case ActivationSigmoid:
		f = func(x float32) float32 { return 1 / (1 + math32.Exp(-x)) }
	case ActivationTanh:
		f = math32.Tanh
	default:
		return errors.Errorf("unknown activation %s", act)
	}
	return h.submit(func() error {
		for i, x := range in {
			out[i] = alpha*f(x) + beta*out[i]
		}
		return nil
	})
}
