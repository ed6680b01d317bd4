// Package artifact reads and writes the exported model file.
//
// Layout (all integers little endian):
//
//	"odm1"              magic
//	uint32              format version
//	uint32 + bytes      JSON metadata
//	uint32              number of tensors
//	tensors             see writeTensor
//	zip archive         holds labelmap.txt
//	uint64              byte offset of the zip archive
package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/quant"
	"github.com/x448/float16"
)

const Magic = "odm1"
const Version = 1

// Name of the label file inside the zip archive
const LabelFile = "labelmap.txt"

var ErrFormat = errors.New("invalid model file")

// Metadata is everything needed to run the model, besides the tensors
type Metadata struct {
	Architecture   string       `json:"architecture"`
	Family         string       `json:"family"`
	Width          int          `json:"width"`
	Height         int          `json:"height"`
	Classes        []string     `json:"classes"`
	Mean           [3]float32   `json:"mean"`
	Std            [3]float32   `json:"std"`
	ScoreThreshold float32      `json:"scoreThreshold"`
	IoUThreshold   float32      `json:"iouThreshold"`
	MaxDetections  int          `json:"maxDetections"`
	NmsMode        nn.NmsMode   `json:"nmsMode"`
	Quantization   quant.Config `json:"quantization"`
}

// File is a model file in memory
type File struct {
	Metadata Metadata
	Tensors  []quant.Tensor
}

func (f *File) ModelConfig() *nn.ModelConfig {
	m := &f.Metadata
	return &nn.ModelConfig{
		Architecture: m.Architecture,
		Family:       m.Family,
		Width:        m.Width,
		Height:       m.Height,
		Classes:      append([]string(nil), m.Classes...),
		Mean:         m.Mean,
		Std:          m.Std,
	}
}

// Post-processing parameters baked into the file
func (f *File) DetectionParams() *nn.DetectionParams {
	return &nn.DetectionParams{
		ProbabilityThreshold: f.Metadata.ScoreThreshold,
		NmsIouThreshold:      f.Metadata.IoUThreshold,
		MaxDetections:        f.Metadata.MaxDetections,
		NmsMode:              f.Metadata.NmsMode,
	}
}

// Encode the file
func Write(w io.Writer, f *File) error {
	buf := &bytes.Buffer{}
	buf.WriteString(Magic)
	le := binary.LittleEndian
	buf.Write(le.AppendUint32(nil, Version))

	meta, err := json.Marshal(&f.Metadata)
	if err != nil {
		return err
	}
	buf.Write(le.AppendUint32(nil, uint32(len(meta))))
	buf.Write(meta)

	buf.Write(le.AppendUint32(nil, uint32(len(f.Tensors))))
	for i := range f.Tensors {
		if err := writeTensor(buf, &f.Tensors[i]); err != nil {
			return err
		}
	}

	zipOffset := uint64(buf.Len())
	zw := zip.NewWriter(buf)
	lw, err := zw.Create(LabelFile)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(lw, strings.Join(f.Metadata.Classes, "\n")+"\n"); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	buf.Write(le.AppendUint64(nil, zipOffset))

	_, err = w.Write(buf.Bytes())
	return err
}

// Tensor layout:
//
//	uint16 + bytes  name
//	uint8           encoding
//	uint8           number of dimensions
//	uint32 * ndim   shape
//	float32         scale
//	int8            zero point
//	uint32          number of elements
//	elements
func writeTensor(buf *bytes.Buffer, t *quant.Tensor) error {
	if len(t.Name) > math.MaxUint16 || len(t.Shape) > math.MaxUint8 {
		return fmt.Errorf("Tensor %v cannot be encoded", t.Name)
	}
	le := binary.LittleEndian
	buf.Write(le.AppendUint16(nil, uint16(len(t.Name))))
	buf.WriteString(t.Name)
	buf.WriteByte(byte(t.Encoding))
	buf.WriteByte(byte(len(t.Shape)))
	for _, d := range t.Shape {
		buf.Write(le.AppendUint32(nil, uint32(d)))
	}
	buf.Write(le.AppendUint32(nil, math.Float32bits(t.Scale)))
	buf.WriteByte(byte(t.ZeroPoint))
	buf.Write(le.AppendUint32(nil, uint32(t.Len())))
	switch t.Encoding {
	case quant.EncodingFloat32:
		for _, v := range t.F32 {
			buf.Write(le.AppendUint32(nil, math.Float32bits(v)))
		}
	case quant.EncodingFloat16:
		for _, v := range t.F16 {
			buf.Write(le.AppendUint16(nil, v.Bits()))
		}
	case quant.EncodingInt8:
		for _, v := range t.I8 {
			buf.WriteByte(byte(v))
		}
	case quant.EncodingInt32:
		for _, v := range t.I32 {
			buf.Write(le.AppendUint32(nil, uint32(v)))
		}
	default:
		return fmt.Errorf("Tensor %v has unknown encoding %v", t.Name, t.Encoding)
	}
	return nil
}

// Write the file atomically. Returns the size of the file.
func WriteFile(filename string, f *File) (int64, error) {
	buf := &bytes.Buffer{}
	if err := Write(buf, f); err != nil {
		return 0, err
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp, filepath.Clean(filename)); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return int64(buf.Len()), nil
}

func ReadFile(filename string) (*File, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	f, err := Read(raw)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", filename, err)
	}
	return f, nil
}

// reader is a bounds checked little endian decoder
type reader struct {
	raw []byte
	pos int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.raw) {
		r.err = fmt.Errorf("%w: truncated at byte %v", ErrFormat, r.pos)
		return nil
	}
	b := r.raw[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

// Decode a file
func Read(raw []byte) (*File, error) {
	if len(raw) < len(Magic)+8 || string(raw[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrFormat)
	}
	zipOffset := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	if zipOffset > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: bad zip offset", ErrFormat)
	}
	body := raw[:zipOffset]
	r := &reader{raw: body, pos: len(Magic)}
	if v := r.u32(); r.err == nil && v != Version {
		return nil, fmt.Errorf("%w: unsupported version %v", ErrFormat, v)
	}

	f := &File{}
	meta := r.bytes(int(r.u32()))
	if r.err != nil {
		return nil, r.err
	}
	if err := json.Unmarshal(meta, &f.Metadata); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrFormat, err)
	}

	nTensors := int(r.u32())
	for i := 0; i < nTensors && r.err == nil; i++ {
		t, err := readTensor(r)
		if err != nil {
			return nil, err
		}
		f.Tensors = append(f.Tensors, t)
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.pos != len(body) {
		return nil, fmt.Errorf("%w: %v unexpected bytes after tensors", ErrFormat, len(body)-r.pos)
	}

	labels, err := readLabels(raw[zipOffset : len(raw)-8])
	if err != nil {
		return nil, err
	}
	if strings.Join(labels, "\n") != strings.Join(f.Metadata.Classes, "\n") {
		return nil, fmt.Errorf("%w: %v disagrees with the metadata classes", ErrFormat, LabelFile)
	}
	return f, nil
}

func readTensor(r *reader) (quant.Tensor, error) {
	t := quant.Tensor{}
	t.Name = string(r.bytes(int(r.u16())))
	t.Encoding = quant.Encoding(r.u8())
	ndim := int(r.u8())
	n := 1
	for i := 0; i < ndim; i++ {
		d := int(r.u32())
		t.Shape = append(t.Shape, d)
		n *= d
	}
	t.Scale = math.Float32frombits(r.u32())
	t.ZeroPoint = int8(r.u8())
	count := int(r.u32())
	if r.err != nil {
		return t, r.err
	}
	if count != n {
		return t, fmt.Errorf("%w: tensor %v has shape %v but %v elements", ErrFormat, t.Name, t.Shape, count)
	}
	data := r.bytes(count * t.Encoding.ElementSize())
	if r.err != nil {
		return t, r.err
	}
	le := binary.LittleEndian
	switch t.Encoding {
	case quant.EncodingFloat32:
		t.F32 = make([]float32, count)
		for i := range t.F32 {
			t.F32[i] = math.Float32frombits(le.Uint32(data[i*4:]))
		}
	case quant.EncodingFloat16:
		t.F16 = make([]float16.Float16, count)
		for i := range t.F16 {
			t.F16[i] = float16.Frombits(le.Uint16(data[i*2:]))
		}
	case quant.EncodingInt8:
		t.I8 = make([]int8, count)
		for i := range t.I8 {
			t.I8[i] = int8(data[i])
		}
	case quant.EncodingInt32:
		t.I32 = make([]int32, count)
		for i := range t.I32 {
			t.I32[i] = int32(le.Uint32(data[i*4:]))
		}
	default:
		return t, fmt.Errorf("%w: tensor %v has unknown encoding %v", ErrFormat, t.Name, t.Encoding)
	}
	return t, nil
}

func readLabels(zipData []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	for _, zf := range zr.File {
		if zf.Name != LabelFile {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
		labels := []string{}
		for _, line := range strings.Split(string(b), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				labels = append(labels, line)
			}
		}
		return labels, nil
	}
	return nil, fmt.Errorf("%w: missing %v", ErrFormat, LabelFile)
}

// ReadLabels extracts only the label names from a model file
func ReadLabels(filename string) ([]string, error) {
	f, err := ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return f.Metadata.Classes, nil
}
