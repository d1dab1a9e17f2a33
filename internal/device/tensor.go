package device

import (
	"errors"
	"fmt"
)

var ErrShapeMismatch = errors.New("shape mismatch")

// Tensor is a sparse feature field: one row of channels per active octree
// node, rows in the octree's canonical order.
type Tensor struct {
	data     []float32
	rows     int
	channels int
	name     string
	owner    *Context
}

// NewTensor wraps data as a rows x channels tensor without copying.
func NewTensor(name string, rows, channels int, data []float32) (*Tensor, error) {
	if rows < 0 || channels < 1 {
		return nil, fmt.Errorf("invalid tensor dims [%d, %d]", rows, channels)
	}
	if len(data) != rows*channels {
		return nil, fmt.Errorf("%w: %d values for dims [%d, %d]", ErrShapeMismatch, len(data), rows, channels)
	}
	return &Tensor{data: data, rows: rows, channels: channels, name: name}, nil
}

// FromRows copies equally sized rows into a new tensor.
func FromRows(name string, rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("no rows provided")
	}
	channels := len(rows[0])
	data := make([]float32, 0, len(rows)*channels)
	for i, r := range rows {
		if len(r) != channels {
			return nil, fmt.Errorf("%w: row %d has %d channels, want %d", ErrShapeMismatch, i, len(r), channels)
		}
		data = append(data, r...)
	}
	return NewTensor(name, len(rows), channels, data)
}

func (t *Tensor) Dims() []int {
	return []int{t.rows, t.channels}
}

func (t *Tensor) Rows() int {
	return t.rows
}

func (t *Tensor) Channels() int {
	return t.channels
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) NumElements() int {
	return len(t.data)
}

// Row returns a view of row i.
func (t *Tensor) Row(i int) []float32 {
	return t.data[i*t.channels : (i+1)*t.channels]
}

// SameShape reports whether o has the same rows and channels as t.
func (t *Tensor) SameShape(o *Tensor) bool {
	return o != nil && t.rows == o.rows && t.channels == o.channels
}

// CheckShape returns ErrShapeMismatch naming both tensors when shapes differ.
func (t *Tensor) CheckShape(o *Tensor) error {
	if o == nil {
		return fmt.Errorf("%w: %s is nil", ErrShapeMismatch, t.name)
	}
	if !t.SameShape(o) {
		return fmt.Errorf("%w: %s %v vs %s %v", ErrShapeMismatch, t.name, t.Dims(), o.name, o.Dims())
	}
	return nil
}

// Clone copies t into a tensor allocated from ctx.
func (t *Tensor) Clone(ctx *Context, name string) *Tensor {
	out := ctx.NewTensor(name, t.rows, t.channels)
	copy(out.data, t.data)
	return out
}
