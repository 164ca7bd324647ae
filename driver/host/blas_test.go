package host

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSgemm(t *testing.T) {
	h := newBlasHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()

	a := []float32{1, 2, 3, 4, 5, 6}    // 2×3
	b := []float32{7, 8, 9, 10, 11, 12} // 3×2
	c := make([]float32, 4)             // 2×2
	require.NoError(t, h.Sgemm(false, false, 2, 2, 3, 1, a, 3, b, 2, 0, c, 2))
	require.Equal(t, []float32{58, 64, 139, 154}, c)

	// Same product with a stored transposed: aT is 3×2.
	aT := []float32{1, 4, 2, 5, 3, 6}
	c2 := make([]float32, 4)
	require.NoError(t, h.Sgemm(true, false, 2, 2, 3, 1, aT, 2, b, 2, 0, c2, 2))
	require.Equal(t, []float32{58, 64, 139, 154}, c2)

	// alpha scales the product, beta accumulates into c.
	c3 := []float32{1, 1, 1, 1}
	require.NoError(t, h.Sgemm(false, false, 2, 2, 3, 2, a, 3, b, 2, 10, c3, 2))
	require.Equal(t, []float32{126, 138, 288, 318}, c3)
}

func TestSgemmOnStream(t *testing.T) {
	h := newBlasHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()
	s := newStream(0)
	defer func() { require.NoError(t, s.Destroy()) }()
	require.NoError(t, h.SetStream(s))

	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	c := make([]float32, 4)
	require.NoError(t, h.Sgemm(false, false, 2, 2, 3, 1, a, 3, b, 2, 0, c, 2))
	require.NoError(t, s.Synchronize())
	require.Equal(t, []float32{58, 64, 139, 154}, c)
}

func TestSgemmValidation(t *testing.T) {
	h := newBlasHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()

	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	c := make([]float32, 4)

	require.Error(t, h.Sgemm(false, false, 2, 2, 3, 1, a, 2, b, 2, 0, c, 2), "lda below the row width must be rejected")
	require.Error(t, h.Sgemm(false, false, 2, 2, 3, 1, a[:5], 3, b, 2, 0, c, 2), "short a must be rejected")
	require.Error(t, h.Sgemm(false, false, 2, 2, 3, 1, a, 3, b, 2, 0, c[:3], 2), "short c must be rejected")
	require.Error(t, h.Sgemm(false, false, -1, 2, 3, 1, a, 3, b, 2, 0, c, 2), "negative dimension must be rejected")
}

func TestSaxpy(t *testing.T) {
	h := newBlasHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()

	x := []float32{1, 2, 3}
	y := []float32{10, 20, 30}
	require.NoError(t, h.Saxpy(3, 2, x, 1, y, 1))
	require.Equal(t, []float32{12, 24, 36}, y)

	require.Error(t, h.Saxpy(3, 2, x, 0, y, 1), "zero stride must be rejected")
	require.Error(t, h.Saxpy(4, 2, x, 1, y, 1), "short vector must be rejected")
}

func TestBlasDestroyed(t *testing.T) {
	h := newBlasHandle(0)
	require.NoError(t, h.Destroy())
	require.NoError(t, h.Destroy(), "Destroy must be idempotent")

	require.Error(t, h.SetStream(nil))
	require.Error(t, h.Sgemm(false, false, 1, 1, 1, 1, []float32{1}, 1, []float32{1}, 1, 0, []float32{0}, 1))
	require.Error(t, h.Saxpy(1, 1, []float32{1}, 1, []float32{1}, 1))
}
