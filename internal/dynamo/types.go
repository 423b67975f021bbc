package dynamo

import (
	"fmt"
	"math"
)

type Vector []float64

func (v Vector) Clone() Vector {
	c := make(Vector, len(v))
	copy(c, v)
	return c
}

func (v Vector) IsValid() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func (v Vector) HasNaN() bool {
	for _, x := range v {
		if math.IsNaN(x) {
			return true
		}
	}
	return false
}

func (v Vector) Norm() float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func (v Vector) InfNorm() float64 {
	m := 0.0
	for _, x := range v {
		m = math.Max(m, math.Abs(x))
	}
	return m
}

func (v Vector) Add(other Vector) Vector {
	result := make(Vector, len(v))
	for i := range v {
		if i < len(other) {
			result[i] = v[i] + other[i]
		} else {
			result[i] = v[i]
		}
	}
	return result
}

func (v Vector) Sub(other Vector) Vector {
	result := make(Vector, len(v))
	for i := range v {
		if i < len(other) {
			result[i] = v[i] - other[i]
		} else {
			result[i] = v[i]
		}
	}
	return result
}

func (v Vector) Scale(factor float64) Vector {
	result := make(Vector, len(v))
	for i := range v {
		result[i] = v[i] * factor
	}
	return result
}

// Tag names a temporal slot of a field or a named evaluation context.
type Tag string

const (
	TagDefault Tag = ""
	TagCurrent Tag = "current"
	TagNext    Tag = "next"
)

func (t Tag) String() string {
	if t == TagDefault {
		return "default"
	}
	return string(t)
}

// KeyTag addresses one field record.
type KeyTag struct {
	Key string
	Tag Tag
}

func (k KeyTag) String() string {
	return fmt.Sprintf("%s@%s", k.Key, k.Tag)
}

// DerivativeKey names the record holding d(key)/d(wrt).
func DerivativeKey(key, wrt string) string {
	return "d" + key + "|d" + wrt
}

type Outcome int

const (
	Accepted Outcome = iota
	Failed
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "failed"
}

type System interface {
	Derive(x Vector, t float64) Vector
	StateDim() int
}

// Separable systems evolve every entry independently of the others, so a
// worker can integrate any contiguous slice of the state on its own.
type Separable interface {
	Separable() bool
}

type Hamiltonian interface {
	Energy(x Vector) float64
}

type Configurable interface {
	GetParams() map[string]float64
	SetParam(name string, value float64) error
}
