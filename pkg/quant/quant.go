// Package quant converts float32 tensors to compact representations for export.
package quant

import (
	"errors"
	"fmt"
	"math"

	"github.com/cyclopcam/odmaker/pkg/modelspec"
	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/x448/float16"
)

// ErrIncompatible is returned when a quantization config cannot be applied to a model
var ErrIncompatible = errors.New("incompatible quantization config")

// Type of the model input/output tensors
type IOType string

const (
	IOUint8   IOType = "uint8"
	IOInt8    IOType = "int8"
	IOFloat32 IOType = "float32"
)

// Config controls export quantization
type Config struct {
	Type       string `json:"type"`       // One of the modelspec.Quant* constants
	InputType  IOType `json:"inputType"`  // Type of the image input
	OutputType IOType `json:"outputType"` // Type of the detection outputs
}

// Full integer quantization with uint8 input. This is the default.
func ForInt8() *Config {
	return &Config{
		Type:       modelspec.QuantInt8,
		InputType:  IOUint8,
		OutputType: IOFloat32,
	}
}

// Dynamic range quantization: int8 weights, float activations
func ForDynamic() *Config {
	return &Config{
		Type:       modelspec.QuantDynamic,
		InputType:  IOFloat32,
		OutputType: IOFloat32,
	}
}

// Half precision weights
func ForFloat16() *Config {
	return &Config{
		Type:       modelspec.QuantFloat16,
		InputType:  IOFloat32,
		OutputType: IOFloat32,
	}
}

// No quantization
func ForNone() *Config {
	return &Config{
		Type:       modelspec.QuantNone,
		InputType:  IOFloat32,
		OutputType: IOFloat32,
	}
}

// Parse a quantization type name, and return its default config
func Parse(name string) (*Config, error) {
	switch name {
	case modelspec.QuantInt8, "":
		return ForInt8(), nil
	case modelspec.QuantDynamic:
		return ForDynamic(), nil
	case modelspec.QuantFloat16:
		return ForFloat16(), nil
	case modelspec.QuantNone:
		return ForNone(), nil
	}
	return nil, fmt.Errorf("%w: unknown quantization type '%v'", ErrIncompatible, name)
}

func isInteger(t IOType) bool {
	return t == IOUint8 || t == IOInt8
}

// Validate checks that the config is self-consistent, and supported by the model spec
func (c *Config) Validate(spec *modelspec.Spec) error {
	if !spec.SupportsQuantization(c.Type) {
		return fmt.Errorf("%w: %v does not support quantization type '%v'", ErrIncompatible, spec.Name, c.Type)
	}
	for _, t := range []IOType{c.InputType, c.OutputType} {
		switch t {
		case IOUint8, IOInt8, IOFloat32:
		default:
			return fmt.Errorf("%w: unknown input/output type '%v'", ErrIncompatible, t)
		}
	}
	switch c.Type {
	case modelspec.QuantFloat16, modelspec.QuantNone, modelspec.QuantDynamic:
		if isInteger(c.InputType) || isInteger(c.OutputType) {
			return fmt.Errorf("%w: '%v' quantization requires float32 inputs and outputs", ErrIncompatible, c.Type)
		}
	}
	return nil
}

// Encoding of a tensor's elements
type Encoding uint8

const (
	EncodingFloat32 Encoding = iota
	EncodingFloat16
	EncodingInt8 // Affine: value = (q - ZeroPoint) * Scale
	EncodingInt32
)

func (e Encoding) String() string {
	switch e {
	case EncodingFloat32:
		return "float32"
	case EncodingFloat16:
		return "float16"
	case EncodingInt8:
		return "int8"
	case EncodingInt32:
		return "int32"
	}
	return fmt.Sprintf("Encoding(%d)", int(e))
}

// Bytes per element
func (e Encoding) ElementSize() int {
	switch e {
	case EncodingFloat16:
		return 2
	case EncodingInt8:
		return 1
	}
	return 4
}

// Tensor is a tensor in its exported encoding.
// Exactly one of F32, F16, I8 or I32 is populated, depending on Encoding.
type Tensor struct {
	Name      string
	Shape     []int
	Encoding  Encoding
	Scale     float32 // int8 only
	ZeroPoint int8    // int8 only
	F32       []float32
	F16       []float16.Float16
	I8        []int8
	I32       []int32
}

// Encoding used for float weights under the given quantization type
func weightEncoding(qtype string) Encoding {
	switch qtype {
	case modelspec.QuantInt8, modelspec.QuantDynamic:
		return EncodingInt8
	case modelspec.QuantFloat16:
		return EncodingFloat16
	}
	return EncodingFloat32
}

// Quantize a tensor. Exact tensors are stored as int32, regardless of the config.
func (c *Config) Quantize(t nn.Tensor) (Tensor, error) {
	q := Tensor{
		Name:  t.Name,
		Shape: append([]int(nil), t.Shape...),
	}
	if t.Exact {
		q.Encoding = EncodingInt32
		q.I32 = make([]int32, len(t.Data))
		for i, v := range t.Data {
			if v != float32(math.Round(float64(v))) || v > math.MaxInt32 || v < math.MinInt32 {
				return Tensor{}, fmt.Errorf("Tensor %v is marked exact, but element %v is %v", t.Name, i, v)
			}
			q.I32[i] = int32(v)
		}
		return q, nil
	}
	for i, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return Tensor{}, fmt.Errorf("Tensor %v element %v is not finite", t.Name, i)
		}
	}

	q.Encoding = weightEncoding(c.Type)
	switch q.Encoding {
	case EncodingFloat32:
		q.F32 = append([]float32(nil), t.Data...)
	case EncodingFloat16:
		q.F16 = make([]float16.Float16, len(t.Data))
		for i, v := range t.Data {
			q.F16[i] = float16.Fromfloat32(v)
		}
	case EncodingInt8:
		q.Scale, q.ZeroPoint = affineParams(t.Data)
		q.I8 = make([]int8, len(t.Data))
		for i, v := range t.Data {
			q.I8[i] = quantizeInt8(v, q.Scale, q.ZeroPoint)
		}
	}
	return q, nil
}

// Asymmetric affine parameters covering [min(data), max(data)], which always includes zero
func affineParams(data []float32) (float32, int8) {
	lo, hi := float32(0), float32(0)
	for _, v := range data {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi == lo {
		return 1, 0
	}
	scale := (hi - lo) / 255
	zp := math.Round(-128 - float64(lo/scale))
	zp = max(-128, min(127, zp))
	return scale, int8(zp)
}

func quantizeInt8(v, scale float32, zeroPoint int8) int8 {
	q := math.Round(float64(v/scale)) + float64(zeroPoint)
	return int8(max(-128, min(127, q)))
}

// Dequantize returns the float32 values of the tensor
func (q *Tensor) Dequantize() nn.Tensor {
	t := nn.Tensor{
		Name:  q.Name,
		Shape: append([]int(nil), q.Shape...),
	}
	switch q.Encoding {
	case EncodingFloat32:
		t.Data = append([]float32(nil), q.F32...)
	case EncodingFloat16:
		t.Data = make([]float32, len(q.F16))
		for i, v := range q.F16 {
			t.Data[i] = v.Float32()
		}
	case EncodingInt8:
		t.Data = make([]float32, len(q.I8))
		for i, v := range q.I8 {
			t.Data[i] = float32(int(v)-int(q.ZeroPoint)) * q.Scale
		}
	case EncodingInt32:
		t.Exact = true
		t.Data = make([]float32, len(q.I32))
		for i, v := range q.I32 {
			t.Data[i] = float32(v)
		}
	}
	return t
}

// Number of elements
func (q *Tensor) Len() int {
	switch q.Encoding {
	case EncodingFloat16:
		return len(q.F16)
	case EncodingInt8:
		return len(q.I8)
	case EncodingInt32:
		return len(q.I32)
	}
	return len(q.F32)
}

// Size of the tensor's elements in bytes
func (q *Tensor) ByteSize() int {
	return q.Len() * q.Encoding.ElementSize()
}

// Quantize all tensors
func (c *Config) QuantizeAll(tensors []nn.Tensor) ([]Tensor, error) {
	out := make([]Tensor, 0, len(tensors))
	for _, t := range tensors {
		q, err := c.Quantize(t)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// Dequantize all tensors
func DequantizeAll(tensors []Tensor) []nn.Tensor {
	out := make([]nn.Tensor, len(tensors))
	for i := range tensors {
		out[i] = tensors[i].Dequantize()
	}
	return out
}
