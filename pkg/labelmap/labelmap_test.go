package labelmap

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIndicesAreContiguousAndStable(t *testing.T) {
	a, err := New([]string{"Cat", "Dog", "Bird"})
	require.NoError(t, err)
	b, err := New([]string{"Cat", "Dog", "Bird"})
	require.NoError(t, err)

	for i, name := range []string{"Cat", "Dog", "Bird"} {
		ia, ok := a.Index(name)
		require.True(t, ok)
		require.Equal(t, i, ia)
		ib, _ := b.Index(name)
		require.Equal(t, ia, ib)
		require.Equal(t, name, a.Name(i))
	}
	require.True(t, a.Equal(b))
	require.Empty(t, a.Diff(b))
	require.Equal(t, 3, a.Len())
	require.Equal(t, "", a.Name(3))
	require.Equal(t, "", a.Name(-1))

	_, ok := a.Index("Horse")
	require.False(t, ok)
}

func TestOrderMatters(t *testing.T) {
	a, _ := New([]string{"Cat", "Dog"})
	b, _ := New([]string{"Dog", "Cat"})
	require.False(t, a.Equal(b))
	require.NotEmpty(t, a.Diff(b))
}

func TestInvalid(t *testing.T) {
	_, err := New(nil)
	require.ErrorIs(t, err, ErrInvalidLabels)
	_, err = New([]string{"Cat", " "})
	require.ErrorIs(t, err, ErrInvalidLabels)
	_, err = New([]string{"Cat", "Cat"})
	require.ErrorIs(t, err, ErrInvalidLabels)
	// Names must survive a round trip through a label file
	_, err = New([]string{"Cat", "Siamese\ncat"})
	require.ErrorIs(t, err, ErrInvalidLabels)
	_, err = New([]string{"Cat\tDog"})
	require.ErrorIs(t, err, ErrInvalidLabels)
}

func TestNamesIsACopy(t *testing.T) {
	a, _ := New([]string{"Cat", "Dog"})
	names := a.Names()
	names[0] = "Tiger"
	require.Equal(t, "Cat", a.Name(0))
}

func TestSaveLoad(t *testing.T) {
	a, _ := New([]string{"Cat", "Dog"})
	fn := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, a.Save(fn))
	b, err := Load(fn)
	require.NoError(t, err)
	require.True(t, a.Equal(b))
}
