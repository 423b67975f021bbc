package state

import (
	"fmt"
	"strings"

	"github.com/san-kum/cyclesim/internal/dynamo"
)

// Component is one named block of a field, e.g. "cell" or "face".
type Component struct {
	Name string `json:"name" yaml:"name"`
	Size int    `json:"size" yaml:"size"`
}

// Shape is the ordered list of components of a field. An empty shape is
// "unspecified" and is compatible with any other shape.
type Shape []Component

// Scalar is the shape of a single-valued field.
var Scalar = Shape{{Name: "cell", Size: 1}}

// Cells returns a single-component shape of n cell values.
func Cells(n int) Shape {
	return Shape{{Name: "cell", Size: n}}
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) Compatible(o Shape) bool {
	return len(s) == 0 || len(o) == 0 || s.Equal(o)
}

func (s Shape) Size() int {
	n := 0
	for _, c := range s {
		n += c.Size
	}
	return n
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = fmt.Sprintf("%s:%d", c.Name, c.Size)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Field holds the data of one record, one vector per component.
type Field struct {
	shape Shape
	data  map[string]dynamo.Vector
}

func NewField(shape Shape) *Field {
	f := &Field{shape: shape, data: make(map[string]dynamo.Vector, len(shape))}
	for _, c := range shape {
		f.data[c.Name] = make(dynamo.Vector, c.Size)
	}
	return f
}

func (f *Field) Shape() Shape { return f.shape }

func (f *Field) Components() []string {
	names := make([]string, len(f.shape))
	for i, c := range f.shape {
		names[i] = c.Name
	}
	return names
}

// Component returns the live data of the named component, nil if absent.
func (f *Field) Component(name string) dynamo.Vector {
	return f.data[name]
}

// Values returns the first component, which is all there is for most fields.
func (f *Field) Values() dynamo.Vector {
	if len(f.shape) == 0 {
		return nil
	}
	return f.data[f.shape[0].Name]
}

func (f *Field) CopyFrom(src *Field) error {
	if !f.shape.Equal(src.shape) {
		return fmt.Errorf("%w: copy %s into %s", dynamo.ErrConflict, src.shape, f.shape)
	}
	for name, v := range src.data {
		copy(f.data[name], v)
	}
	return nil
}

func (f *Field) Clone() *Field {
	c := NewField(f.shape)
	for name, v := range f.data {
		copy(c.data[name], v)
	}
	return c
}

// Flatten concatenates all components in shape order.
func (f *Field) Flatten() dynamo.Vector {
	out := make(dynamo.Vector, 0, f.shape.Size())
	for _, c := range f.shape {
		out = append(out, f.data[c.Name]...)
	}
	return out
}

func (f *Field) IsValid() bool {
	for _, v := range f.data {
		if !v.IsValid() {
			return false
		}
	}
	return true
}
