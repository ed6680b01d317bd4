// Package labelmap maps class names to contiguous integer indices, starting at zero.
// The same ordered list of names always produces the same indices, so a LabelMap built
// for a training set can be rebuilt for a validation set, or recovered from an exported model.
package labelmap

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/cyclopcam/odmaker/pkg/nn"
)

var ErrInvalidLabels = errors.New("invalid label list")

// LabelMap is immutable once created
type LabelMap struct {
	names   []string
	indices map[string]int
}

// New creates a LabelMap from an ordered list of class names.
// Names are trimmed of whitespace, must be non-empty, and must be unique.
func New(names []string) (*LabelMap, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no class names", ErrInvalidLabels)
	}
	m := &LabelMap{
		names:   make([]string, len(names)),
		indices: make(map[string]int, len(names)),
	}
	for i, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return nil, fmt.Errorf("%w: class name %v is empty", ErrInvalidLabels, i)
		}
		if strings.IndexFunc(name, unicode.IsControl) >= 0 {
			return nil, fmt.Errorf("%w: class name %q contains a control character", ErrInvalidLabels, name)
		}
		if _, exists := m.indices[name]; exists {
			return nil, fmt.Errorf("%w: class name '%v' appears more than once", ErrInvalidLabels, name)
		}
		m.names[i] = name
		m.indices[name] = i
	}
	return m, nil
}

// Load a label file with one class name per line
func Load(filename string) (*LabelMap, error) {
	names, err := nn.LoadClassFile(filename)
	if err != nil {
		return nil, err
	}
	return New(names)
}

// Save the label map as a text file with one class name per line
func (m *LabelMap) Save(filename string) error {
	return nn.WriteClassFile(filename, m.names)
}

// Number of classes
func (m *LabelMap) Len() int {
	return len(m.names)
}

// Index returns the index of the class, and false if the class is unknown
func (m *LabelMap) Index(name string) (int, bool) {
	i, ok := m.indices[strings.TrimSpace(name)]
	return i, ok
}

// Name returns the class name for index i, or an empty string if i is out of range
func (m *LabelMap) Name(i int) string {
	if i < 0 || i >= len(m.names) {
		return ""
	}
	return m.names[i]
}

// Names returns a copy of the ordered class names
func (m *LabelMap) Names() []string {
	return append([]string(nil), m.names...)
}

// Equal is true if both maps have the same names in the same order
func (m *LabelMap) Equal(b *LabelMap) bool {
	if m == nil || b == nil {
		return m == b
	}
	return EqualNames(m.names, b.names)
}

// Returns a description of how 'b' differs from 'm', or an empty string if they are equal
func (m *LabelMap) Diff(b *LabelMap) string {
	if m.Equal(b) {
		return ""
	}
	if m == nil || b == nil {
		return "one of the label maps is missing"
	}
	return fmt.Sprintf("[%v] vs [%v]", strings.Join(m.names, ", "), strings.Join(b.names, ", "))
}

func (m *LabelMap) String() string {
	return strings.Join(m.names, ",")
}

// EqualNames compares two ordered lists of class names
func EqualNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
