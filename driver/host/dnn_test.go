package host

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func TestActivationForward(t *testing.T) {
	h := newDnnHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()

	in := []float32{-2, -0.5, 0, 0.5, 2}

	out := make([]float32, len(in))
	require.NoError(t, h.ActivationForward(ActivationReLU, 1, 0, in, out))
	require.Equal(t, []float32{0, 0, 0, 0.5, 2}, out)

	require.NoError(t, h.ActivationForward(ActivationSigmoid, 1, 0, in, out))
	for i, x := range in {
		want := 1 / (1 + math32.Exp(-x))
		require.InDelta(t, want, out[i], 1e-6)
	}
	require.InDelta(t, 0.5, out[2], 1e-6, "sigmoid(0) = 0.5")

	require.NoError(t, h.ActivationForward(ActivationTanh, 1, 0, in, out))
	for i, x := range in {
		require.InDelta(t, math32.Tanh(x), out[i], 1e-6)
	}
}

func TestActivationAlphaBeta(t *testing.T) {
	h := newDnnHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()

	in := []float32{1, -1}
	out := []float32{10, 10}
	// out = 2*relu(in) + 1*out
	require.NoError(t, h.ActivationForward(ActivationReLU, 2, 1, in, out))
	require.Equal(t, []float32{12, 10}, out)
}

func TestActivationInPlace(t *testing.T) {
	h := newDnnHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()

	buf := []float32{-1, 2, -3}
	require.NoError(t, h.ActivationForward(ActivationReLU, 1, 0, buf, buf))
	require.Equal(t, []float32{0, 2, 0}, buf)
}

func TestActivationOnStream(t *testing.T) {
	h := newDnnHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()
	s := newStream(0)
	defer func() { require.NoError(t, s.Destroy()) }()
	require.NoError(t, h.SetStream(s))

	in := []float32{-1, 1}
	out := make([]float32, 2)
	require.NoError(t, h.ActivationForward(ActivationReLU, 1, 0, in, out))
	require.NoError(t, s.Synchronize())
	require.Equal(t, []float32{0, 1}, out)
}

func TestActivationValidation(t *testing.T) {
	h := newDnnHandle(0)
	defer func() { require.NoError(t, h.Destroy()) }()

	require.Error(t, h.ActivationForward(ActivationReLU, 1, 0, make([]float32, 3), make([]float32, 2)))
	require.Error(t, h.ActivationForward(Activation(99), 1, 0, make([]float32, 2), make([]float32, 2)))
}

func TestDnnDestroyed(t *testing.T) {
	h := newDnnHandle(0)
	require.NoError(t, h.Destroy())
	require.NoError(t, h.Destroy(), "Destroy must be idempotent")

	require.Error(t, h.SetStream(nil))
	require.Error(t, h.ActivationForward(ActivationReLU, 1, 0, make([]float32, 1), make([]float32, 1)))
}
