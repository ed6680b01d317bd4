package artifact

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"io"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/cyclopcam/odmaker/pkg/quant"
	"github.com/stretchr/testify/require"
)

func testFile(t *testing.T, cfg *quant.Config) *File {
	tensors := []nn.Tensor{
		{Name: "priors", Shape: []int{2, 4}, Data: []float32{0.1, 0.2, 0.5, 0.6, 0, 0, 1, 1}},
		{Name: "ids", Shape: []int{3}, Data: []float32{0, 7, 2}, Exact: true},
	}
	q, err := cfg.QuantizeAll(tensors)
	require.NoError(t, err)
	return &File{
		Metadata: Metadata{
			Architecture:   "efficientdet_lite0",
			Family:         "efficientdet_lite",
			Width:          320,
			Height:         320,
			Classes:        []string{"cat", "dog"},
			Mean:           [3]float32{127, 127, 127},
			Std:            [3]float32{128, 128, 128},
			ScoreThreshold: 0.01,
			IoUThreshold:   0.5,
			MaxDetections:  25,
			NmsMode:        nn.NmsGlobal,
			Quantization:   *cfg,
		},
		Tensors: q,
	}
}

func TestRoundTrip(t *testing.T) {
	for _, cfg := range []*quant.Config{quant.ForInt8(), quant.ForDynamic(), quant.ForFloat16(), quant.ForNone()} {
		f := testFile(t, cfg)
		filename := filepath.Join(t.TempDir(), "model.odm")
		size, err := WriteFile(filename, f)
		require.NoError(t, err)
		require.Greater(t, size, int64(0))

		back, err := ReadFile(filename)
		require.NoError(t, err)
		require.Equal(t, f.Metadata, back.Metadata)
		require.Equal(t, f.Tensors, back.Tensors)

		params := back.DetectionParams()
		require.Equal(t, 25, params.MaxDetections)
		require.Equal(t, nn.NmsGlobal, params.NmsMode)
		require.Equal(t, []string{"cat", "dog"}, back.ModelConfig().Classes)

		labels, err := ReadLabels(filename)
		require.NoError(t, err)
		require.Equal(t, []string{"cat", "dog"}, labels)
	}
}

func TestEmbeddedZip(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Write(buf, testFile(t, quant.ForInt8())))
	raw := buf.Bytes()
	offset := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	zipData := raw[offset : len(raw)-8]
	zr, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	require.NoError(t, err)
	require.Len(t, zr.File, 1)
	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "cat\ndog\n", string(b))
}

func TestCorrupt(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, Write(buf, testFile(t, quant.ForInt8())))
	raw := buf.Bytes()

	_, err := Read(raw[:10])
	require.ErrorIs(t, err, ErrFormat)

	bad := append([]byte(nil), raw...)
	bad[0] = 'x'
	_, err = Read(bad)
	require.ErrorIs(t, err, ErrFormat)

	// Truncated inside the tensors, with a valid trailer
	offset := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	short := append([]byte(nil), raw[:offset-3]...)
	short = append(short, raw[offset:len(raw)-8]...)
	short = binary.LittleEndian.AppendUint64(short, offset-3)
	_, err = Read(short)
	require.ErrorIs(t, err, ErrFormat)

	// Labels in the zip disagree with the metadata
	f := testFile(t, quant.ForInt8())
	buf.Reset()
	require.NoError(t, Write(buf, f))
	raw = buf.Bytes()
	f.Metadata.Classes = []string{"cat", "zebra"}
	other := &bytes.Buffer{}
	require.NoError(t, Write(other, f))
	// Splice the zip of the first file onto the body of the second
	o := other.Bytes()
	oOffset := binary.LittleEndian.Uint64(o[len(o)-8:])
	rOffset := binary.LittleEndian.Uint64(raw[len(raw)-8:])
	spliced := append([]byte(nil), o[:oOffset]...)
	spliced = append(spliced, raw[rOffset:len(raw)-8]...)
	spliced = binary.LittleEndian.AppendUint64(spliced, oOffset)
	_, err = Read(spliced)
	require.ErrorIs(t, err, ErrFormat)
}
