package modelspec

import (
	"testing"

	"github.com/cyclopcam/odmaker/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	s, err := Get("efficientdet_lite0")
	require.NoError(t, err)
	require.Equal(t, 320, s.Width)
	require.Equal(t, 320, s.Height)
	require.Equal(t, FamilyEfficientDetLite, s.Family)
	require.Equal(t, nn.NmsPerClass, s.Training.NmsMode)
	require.Equal(t, nn.NmsGlobal, s.Export.NmsMode)
	require.Equal(t, 100, s.Training.MaxDetections)
	require.Equal(t, 25, s.Export.MaxDetections)

	s4, err := Get("efficientdet_lite4")
	require.NoError(t, err)
	require.Equal(t, 640, s4.Width)
}

func TestUnknown(t *testing.T) {
	_, err := Get("resnet9000")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestImmutable(t *testing.T) {
	a, _ := Get("efficientdet_lite2")
	a.Width = 1
	a.Anchors.AspectRatios[0] = 99
	a.Quantization[0] = "bogus"

	b, _ := Get("efficientdet_lite2")
	require.Equal(t, 448, b.Width)
	require.Equal(t, float32(1), b.Anchors.AspectRatios[0])
	require.True(t, b.SupportsQuantization(QuantInt8))
}

func TestDeterministic(t *testing.T) {
	for _, name := range Names() {
		a, err := Get(name)
		require.NoError(t, err)
		b, _ := Get(name)
		require.Equal(t, a, b)
	}
	require.Len(t, Names(), 5)
}

func TestNumAnchors(t *testing.T) {
	s, _ := Get("efficientdet_lite0")
	// 320: levels 3..7 give feature maps 40,20,10,5,3 -> 1600+400+100+25+9 = 2134 locations, 9 anchors each
	require.Equal(t, 2134*9, s.NumAnchors())
}

func TestModelConfig(t *testing.T) {
	s, _ := Get("efficientdet_lite1")
	classes := []string{"Cat", "Dog"}
	cfg := s.ModelConfig(classes)
	classes[0] = "Mutated"
	require.Equal(t, "Cat", cfg.Classes[0])
	require.Equal(t, 384, cfg.Width)
	require.Equal(t, "efficientdet_lite1", cfg.Architecture)
}
