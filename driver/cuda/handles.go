//go:build cuda

package cuda

/*
#include <cuda_runtime.h>
#include <cublas_v2.h>
#include <curand.h>
#include <cudnn.h>
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"

	"github.com/gomlx/gomultigpu/driver"
)

// rawStream unwraps a stream created by this package; nil maps to the default
// stream, which serializes with everything else on the device.
func rawStream(s driver.Stream) (C.cudaStream_t, error) {
	if s == nil {
		return nil, nil
	}
	cs, ok := s.(*Stream)
	if !ok {
		return nil, errors.Errorf("stream of type %T was not created by the %q driver", s, Name)
	}
	if cs.s == nil {
		return nil, errors.Errorf("stream on device %d already destroyed", cs.dev)
	}
	return cs.s, nil
}

// Stream implements driver.Stream on a CUDA stream.
type Stream struct {
	dev driver.DeviceID
	s   C.cudaStream_t
}

// CreateStream implements driver.Driver.
func (d *Driver) CreateStream(dev driver.DeviceID) (driver.Stream, error) {
	s := &Stream{dev: dev}
	err := d.onDevice(dev, func() error {
		return errors.WithMessagef(cudaErr(C.cudaStreamCreate(&s.s)), "creating a stream on device %d", dev)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Device returns the device the stream executes on.
func (s *Stream) Device() driver.DeviceID { return s.dev }

// Raw returns the underlying cudaStream_t for kernels launched by other cgo
// packages; the Stream keeps owning it.
func (s *Stream) Raw() unsafe.Pointer { return unsafe.Pointer(s.s) }

// Synchronize implements driver.Stream.
func (s *Stream) Synchronize() error {
	if s.s == nil {
		return errors.Errorf("stream on device %d already destroyed", s.dev)
	}
	return errors.WithMessagef(cudaErr(C.cudaStreamSynchronize(s.s)), "synchronizing a stream on device %d", s.dev)
}

// Destroy implements driver.Stream. It is idempotent.
func (s *Stream) Destroy() error {
	if s.s == nil {
		return nil
	}
	stream := s.s
	s.s = nil
	return errors.WithMessagef(cudaErr(C.cudaStreamDestroy(stream)), "destroying a stream on device %d", s.dev)
}

// BlasHandle implements driver.BlasHandle on cuBLAS.
type BlasHandle struct {
	dev driver.DeviceID
	h   C.cublasHandle_t
}

// CreateBlasHandle implements driver.Driver.
func (d *Driver) CreateBlasHandle(dev driver.DeviceID) (driver.BlasHandle, error) {
	h := &BlasHandle{dev: dev}
	err := d.onDevice(dev, func() error {
		return errors.WithMessagef(blasErr(C.cublasCreate(&h.h)), "creating a cuBLAS handle on device %d", dev)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// SetStream implements driver.BlasHandle.
func (h *BlasHandle) SetStream(s driver.Stream) error {
	if h.h == nil {
		return errors.Errorf("cuBLAS handle on device %d already destroyed", h.dev)
	}
	raw, err := rawStream(s)
	if err != nil {
		return err
	}
	return errors.WithMessagef(blasErr(C.cublasSetStream(h.h, raw)), "binding the cuBLAS handle on device %d to a stream", h.dev)
}

// Raw returns the underlying cublasHandle_t; the BlasHandle keeps owning it.
func (h *BlasHandle) Raw() unsafe.Pointer { return unsafe.Pointer(h.h) }

// Destroy implements driver.BlasHandle. It is idempotent.
func (h *BlasHandle) Destroy() error {
	if h.h == nil {
		return nil
	}
	handle := h.h
	h.h = nil
	return errors.WithMessagef(blasErr(C.cublasDestroy(handle)), "destroying the cuBLAS handle on device %d", h.dev)
}

// curandRngType maps the portable algorithm selector to a cuRAND generator type.
func curandRngType(algo driver.RandAlgorithm) (C.curandRngType_t, error) {
	switch algo {
	case driver.RandDefault:
		return C.CURAND_RNG_PSEUDO_DEFAULT, nil
	case driver.RandPhilox:
		return C.CURAND_RNG_PSEUDO_PHILOX4_32_10, nil
	case driver.RandXORWOW:
		return C.CURAND_RNG_PSEUDO_XORWOW, nil
	}
	return 0, errors.Errorf("unsupported random algorithm %v", algo)
}

// RandGenerator implements driver.RandGenerator on cuRAND.
type RandGenerator struct {
	dev  driver.DeviceID
	algo driver.RandAlgorithm
	g    C.curandGenerator_t
}

// CreateRandGenerator implements driver.Driver.
func (d *Driver) CreateRandGenerator(dev driver.DeviceID, algo driver.RandAlgorithm) (driver.RandGenerator, error) {
	rngType, err := curandRngType(algo)
	if err != nil {
		return nil, err
	}
	g := &RandGenerator{dev: dev, algo: algo}
	err = d.onDevice(dev, func() error {
		return errors.WithMessagef(curandErr(C.curandCreateGenerator(&g.g, rngType)), "creating a %v cuRAND generator on device %d", algo, dev)
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Algorithm returns the generator family selected at creation.
func (g *RandGenerator) Algorithm() driver.RandAlgorithm { return g.algo }

// SetSeed implements driver.RandGenerator.
func (g *RandGenerator) SetSeed(seed uint64) error {
	if g.g == nil {
		return errors.Errorf("cuRAND generator on device %d already destroyed", g.dev)
	}
	return errors.WithMessagef(curandErr(C.curandSetPseudoRandomGeneratorSeed(g.g, C.ulonglong(seed))),
		"seeding the cuRAND generator on device %d", g.dev)
}

// SetStream implements driver.RandGenerator.
func (g *RandGenerator) SetStream(s driver.Stream) error {
	if g.g == nil {
		return errors.Errorf("cuRAND generator on device %d already destroyed", g.dev)
	}
	raw, err := rawStream(s)
	if err != nil {
		return err
	}
	return errors.WithMessagef(curandErr(C.curandSetStream(g.g, raw)), "binding the cuRAND generator on device %d to a stream", g.dev)
}

// Raw returns the underlying curandGenerator_t; the RandGenerator keeps owning it.
func (g *RandGenerator) Raw() unsafe.Pointer { return unsafe.Pointer(g.g) }

// Destroy implements driver.RandGenerator. It is idempotent.
func (g *RandGenerator) Destroy() error {
	if g.g == nil {
		return nil
	}
	gen := g.g
	g.g = nil
	return errors.WithMessagef(curandErr(C.curandDestroyGenerator(gen)), "destroying the cuRAND generator on device %d", g.dev)
}

// DnnHandle implements driver.DnnHandle on cuDNN.
type DnnHandle struct {
	dev driver.DeviceID
	h   C.cudnnHandle_t
}

// CreateDnnHandle implements driver.Driver.
func (d *Driver) CreateDnnHandle(dev driver.DeviceID) (driver.DnnHandle, error) {
	h := &DnnHandle{dev: dev}
	err := d.onDevice(dev, func() error {
		return errors.WithMessagef(dnnErr(C.cudnnCreate(&h.h)), "creating a cuDNN handle on device %d", dev)
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// SetStream implements driver.DnnHandle.
func (h *DnnHandle) SetStream(s driver.Stream) error {
	if h.h == nil {
		return errors.Errorf("cuDNN handle on device %d already destroyed", h.dev)
	}
	raw, err := rawStream(s)
	if err != nil {
		return err
	}
	return errors.WithMessagef(dnnErr(C.cudnnSetStream(h.h, raw)), "binding the cuDNN handle on device %d to a stream", h.dev)
}

// Raw returns the underlying cudnnHandle_t; the DnnHandle keeps owning it.
func (h *DnnHandle) Raw() unsafe.Pointer { return unsafe.Pointer(h.h) }

// Destroy implements driver.DnnHandle. It is idempotent.
func (h *DnnHandle) Destroy() error {
	if h.h == nil {
		return nil
	}
	handle := h.h
	h.h = nil
	return errors.WithMessagef(dnnErr(C.cudnnDestroy(handle)), "destroying the cuDNN handle on device %d", h.dev)
}
