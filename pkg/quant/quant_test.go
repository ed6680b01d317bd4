package quant

import (
	"math/rand"
	"testing"

	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/stretchr/testify/require"
)

func randomTensor(n int, lo, hi float32) nn.Tensor {
	rng := rand.New(rand.NewSource(1))
	t := nn.Tensor{Name: "w", Shape: []int{n}, Data: make([]float32, n)}
	for i := range t.Data {
		t.Data[i] = lo + (hi-lo)*rng.Float32()
	}
	return t
}

func maxError(a, b []float32) float32 {
	m := float32(0)
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		m = max(m, d)
	}
	return m
}

func TestInt8(t *testing.T) {
	src := randomTensor(1000, -0.5, 1.5)
	q, err := ForInt8().Quantize(src)
	require.NoError(t, err)
	require.Equal(t, EncodingInt8, q.Encoding)
	require.Equal(t, 1000, q.ByteSize())
	back := q.Dequantize()
	require.Equal(t, src.Shape, back.Shape)
	// Half a step, plus a little for the zero point rounding and clamping at the ends
	require.LessOrEqual(t, maxError(src.Data, back.Data), q.Scale*1.5)

	// Normalized coordinates in [0,1] come back to within half a step
	src = randomTensor(200, 0, 1)
	q, err = ForDynamic().Quantize(src)
	require.NoError(t, err)
	require.Less(t, maxError(src.Data, q.Dequantize().Data), float32(1.0/255))
}

func TestFloat16(t *testing.T) {
	src := randomTensor(100, -2, 2)
	q, err := ForFloat16().Quantize(src)
	require.NoError(t, err)
	require.Equal(t, EncodingFloat16, q.Encoding)
	require.Equal(t, 200, q.ByteSize())
	require.Less(t, maxError(src.Data, q.Dequantize().Data), float32(2e-3))
}

func TestNone(t *testing.T) {
	src := randomTensor(10, -2, 2)
	q, err := ForNone().Quantize(src)
	require.NoError(t, err)
	require.Equal(t, src.Data, q.Dequantize().Data)
}

func TestExact(t *testing.T) {
	src := nn.Tensor{Name: "idx", Shape: []int{4}, Data: []float32{0, 1, 300, 70000}, Exact: true}
	q, err := ForInt8().Quantize(src)
	require.NoError(t, err)
	require.Equal(t, EncodingInt32, q.Encoding)
	back := q.Dequantize()
	require.True(t, back.Exact)
	require.Equal(t, src.Data, back.Data)

	src.Data[1] = 1.5
	_, err = ForInt8().Quantize(src)
	require.Error(t, err)
}

func TestConstantTensor(t *testing.T) {
	src := nn.Tensor{Name: "c", Shape: []int{3}, Data: []float32{0, 0, 0}}
	q, err := ForInt8().Quantize(src)
	require.NoError(t, err)
	require.Equal(t, src.Data, q.Dequantize().Data)
}

func TestValidate(t *testing.T) {
	spec, err := modelspec.Get("efficientdet_lite0")
	require.NoError(t, err)
	for _, c := range []*Config{ForInt8(), ForDynamic(), ForFloat16(), ForNone()} {
		require.NoError(t, c.Validate(spec), c.Type)
	}

	c := ForFloat16()
	c.InputType = IOUint8
	require.ErrorIs(t, c.Validate(spec), ErrIncompatible)

	c = ForNone()
	c.OutputType = IOInt8
	require.ErrorIs(t, c.Validate(spec), ErrIncompatible)

	c = ForInt8()
	c.InputType = "complex64"
	require.ErrorIs(t, c.Validate(spec), ErrIncompatible)

	// A spec that only supports float16
	limited := spec.Clone()
	limited.Quantization = []string{modelspec.QuantFloat16}
	require.ErrorIs(t, ForInt8().Validate(limited), ErrIncompatible)

	_, err = Parse("int4")
	require.ErrorIs(t, err, ErrIncompatible)
	c, err = Parse("")
	require.NoError(t, err)
	require.Equal(t, modelspec.QuantInt8, c.Type)
}
