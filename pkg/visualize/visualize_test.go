package visualize

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/fogleman/gg"
	"github.com/stretchr/testify/require"
)

func grayImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	return img
}

func TestDraw(t *testing.T) {
	src := grayImage(200, 150)
	dets := []nn.ObjectDetection{
		{Class: 0, Confidence: 0.9, Box: nn.MakeRect(50, 60, 120, 140)},
		{Class: 7, Confidence: 0.4, Box: nn.MakeRect(0, 0, 30, 30)},
	}
	out := Draw(src, dets, []string{"cat"})
	require.Equal(t, src.Bounds(), out.Bounds())

	// Left edge of the first box is drawn in the class color
	r, g, b, _ := out.At(50, 100).RGBA()
	require.Greater(t, r>>8, uint32(200))
	require.Less(t, g>>8, uint32(100))
	require.Less(t, b>>8, uint32(100))

	// The interior is untouched, and so is the source
	require.Equal(t, color.RGBAModel.Convert(src.At(85, 110)), color.RGBAModel.Convert(out.At(85, 110)))
	r, _, _, _ = src.At(50, 100).RGBA()
	require.Equal(t, uint32(128), r>>8)
}

func TestCaption(t *testing.T) {
	require.Equal(t, "cat 0.90", Caption(nn.ObjectDetection{Class: 0, Confidence: 0.9}, []string{"cat"}))
	require.Equal(t, "class 3 0.50", Caption(nn.ObjectDetection{Class: 3, Confidence: 0.5}, []string{"cat"}))
}

func TestDrawFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	require.NoError(t, gg.SavePNG(in, grayImage(64, 48)))
	dets := []nn.ObjectDetection{{Class: 1, Confidence: 1, Box: nn.MakeRect(10, 10, 40, 30)}}

	for _, name := range []string{"out.png", "out.jpg"} {
		out := filepath.Join(dir, name)
		require.NoError(t, DrawFile(in, out, dets, []string{"a", "b"}))
		img, err := gg.LoadImage(out)
		require.NoError(t, err)
		require.Equal(t, 64, img.Bounds().Dx())
	}

	require.Error(t, DrawFile(in, filepath.Join(dir, "out.gif"), dets, nil))
	require.Error(t, DrawFile(filepath.Join(dir, "missing.png"), filepath.Join(dir, "x.png"), dets, nil))
}
