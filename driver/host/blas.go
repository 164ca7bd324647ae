package host

import (
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	gonumblas "gonum.org/v1/gonum/blas/gonum"

	"github.com/gomlx/gomultigpu/driver"
)

// BlasHandle implements driver.BlasHandle on gonum's native Go BLAS. Matrices are
// row-major, with a leading dimension (stride) per matrix like any BLAS.
type BlasHandle struct {
	dev  driver.DeviceID
	impl gonumblas.Implementation

	mu        sync.Mutex
	stream    *Stream
	destroyed bool
}

func newBlasHandle(dev driver.DeviceID) *BlasHandle {
	return &BlasHandle{dev: dev}
}

// SetStream implements driver.BlasHandle. The stream must have been created by the
// host driver; a nil stream makes operations synchronous.
func (h *BlasHandle) SetStream(s driver.Stream) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return errors.Errorf("BLAS handle on device %d already destroyed", h.dev)
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

// Destroy implements driver.BlasHandle. It is idempotent.
func (h *BlasHandle) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	h.stream = nil
	return nil
}

// submit runs op synchronously, or enqueues it when a stream is set.
func (h *BlasHandle) submit(op func() error) error {
	h.mu.Lock()
	stream, destroyed := h.stream, h.destroyed
	h.mu.Unlock()
	if destroyed {
		return errors.Errorf("BLAS handle on device %d already destroyed", h.dev)
	}
	if stream != nil {
		return stream.enqueue(op)
	}
	return op()
}

// checkMatrix validates the storage of one rows×cols row-major matrix.
func checkMatrix(name string, rows, cols, ld, length int) error {
	if rows < 0 || cols < 0 {
		return errors.Errorf("matrix %s has negative dimensions %d×%d", name, rows, cols)
	}
	if ld < max(1, cols) {
		return errors.Errorf("matrix %s has leading dimension %d, need at least %d", name, ld, max(1, cols))
	}
	if rows > 0 && length < (rows-1)*ld+cols {
		return errors.Errorf("matrix %s needs %d elements, got %d", name, (rows-1)*ld+cols, length)
	}
	return nil
}

// Sgemm computes c = alpha*op(a)*op(b) + beta*c, where op transposes its argument
// when the corresponding flag is set. With both flags false, a is m×k, b is k×n and
// c is m×n, all row-major with the given leading dimensions.
//
// When a stream is set the operation runs asynchronously and the slices must not be
// touched until the stream is synchronized.
func (h *BlasHandle) Sgemm(transA, transB bool, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) error {
	rowsA, colsA := m, k
	tA := blas.NoTrans
	if transA {
		rowsA, colsA = k, m
		tA = blas.Trans
	}
	rowsB, colsB := k, n
	tB := blas.NoTrans
	if transB {
		rowsB, colsB = n, k
		tB = blas.Trans
	}
	if err := checkMatrix("a", rowsA, colsA, lda, len(a)); err != nil {
		return err
	}
	if err := checkMatrix("b", rowsB, colsB, ldb, len(b)); err != nil {
		return err
	}
	if err := checkMatrix("c", m, n, ldc, len(c)); err != nil {
		return err
	}
	return h.submit(func() error {
		h.impl.Sgemm(tA, tB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
		return nil
	})
}

// Saxpy computes y = alpha*x + y over n elements with the given strides.
//
// When a stream is set the operation runs asynchronously and the slices must not be
// touched until the stream is synchronized.
func (h *BlasHandle) Saxpy(n int, alpha float32, x []float32, incX int, y []float32, incY int) error {
	if n < 0 {
		return errors.Errorf("vector length %d is negative", n)
	}
	if incX == 0 || incY == 0 {
		return errors.Errorf("strides must be non-zero, got incX=%d incY=%d", incX, incY)
	}
	if n > 0 {
		if need := 1 + (n-1)*abs(incX); len(x) < need {
			return errors.Errorf("vector x needs %d elements, got %d", need, len(x))
		}
		if need := 1 + (n-1)*abs(incY); len(y) < need {
			return errors.Errorf("vector y needs %d elements, got %d", need, len(y))
		}
	}
	return h.submit(func() error {
		h.impl.Saxpy(n, alpha, x, incX, y, incY)
		return nil
	})
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
