/*
 *	Copyright 2024 The deepretina Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements the minimal dense float64 tensor shared by the
// training orchestrator and its collaborators (models, datasets, losses).
// Everything lives on the host; batches are row-major with the sample
// dimension first.
package tensors

import (
	"math"

	"github.com/gomlx/exceptions"
)

// Tensor is a dense row-major float64 array with a shape.
type Tensor struct {
	dims []int
	data []float64
}

// New creates a zero-initialized tensor with the given dimensions.
func New(dims ...int) *Tensor {
	size := 1
	for _, d := range dims {
		if d < 0 {
			exceptions.Panicf("tensors.New: invalid dimension %d in %v", d, dims)
		}
		size *= d
	}
	return &Tensor{dims: append([]int{}, dims...), data: make([]float64, size)}
}

// FromFlat wraps the given flat data into a tensor of the given dimensions.
// The data is not copied.
func FromFlat(data []float64, dims ...int) *Tensor {
	t := &Tensor{dims: append([]int{}, dims...), data: data}
	size := 1
	for _, d := range dims {
		size *= d
	}
	if size != len(data) {
		exceptions.Panicf("tensors.FromFlat: %d values cannot take shape %v", len(data), dims)
	}
	return t
}

// Dims returns the tensor's dimensions. The returned slice must not be
// modified.
func (t *Tensor) Dims() []int { return t.dims }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.dims[i] }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.dims) }

// Size returns the total number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the flat backing data, writable in place.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return FromFlat(data, t.dims...)
}

// At returns element (i, j) of a rank-2 tensor.
func (t *Tensor) At(i, j int) float64 {
	return t.data[i*t.dims[1]+j]
}

// Set assigns element (i, j) of a rank-2 tensor.
func (t *Tensor) Set(i, j int, v float64) {
	t.data[i*t.dims[1]+j] = v
}

// Row returns row i of a rank-2 tensor as a writable view.
func (t *Tensor) Row(i int) []float64 {
	w := t.dims[1]
	return t.data[i*w : (i+1)*w]
}

// Col copies column j of a rank-2 tensor into a new slice.
func (t *Tensor) Col(j int) []float64 {
	out := make([]float64, t.dims[0])
	for i := range out {
		out[i] = t.At(i, j)
	}
	return out
}

// Fill sets every element to v.
func (t *Tensor) Fill(v float64) {
	for i := range t.data {
		t.data[i] = v
	}
}

// Scale multiplies every element by v in place.
func (t *Tensor) Scale(v float64) {
	for i := range t.data {
		t.data[i] *= v
	}
}

// AllFinite reports whether no element is NaN or infinite.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Equal reports whether o has the same shape and identical values.
func (t *Tensor) Equal(o *Tensor) bool {
	if t.Rank() != o.Rank() {
		return false
	}
	for i, d := range t.dims {
		if o.dims[i] != d {
			return false
		}
	}
	for i, v := range t.data {
		if o.data[i] != v {
			return false
		}
	}
	return true
}

// InDelta reports whether o has the same shape and every value within
// delta of t's.
func (t *Tensor) InDelta(o *Tensor, delta float64) bool {
	if !shapeEqual(t.dims, o.dims) {
		return false
	}
	for i, v := range t.data {
		if math.Abs(v-o.data[i]) > delta {
			return false
		}
	}
	return true
}

func shapeEqual(a, b []int) bool {
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

// Concat stacks rank-2 tensors along the sample axis. All inputs must have
// the same width.
func Concat(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		return New(0, 0)
	}
	width := ts[0].Dim(1)
	rows := 0
	for _, t := range ts {
		if t.Dim(1) != width {
			exceptions.Panicf("tensors.Concat: width mismatch %d vs %d", t.Dim(1), width)
		}
		rows += t.Dim(0)
	}
	out := New(rows, width)
	offset := 0
	for _, t := range ts {
		copy(out.data[offset:], t.data)
		offset += len(t.data)
	}
	return out
}

// SliceRows returns a copy of rows [from, to) of a rank-2 tensor.
func (t *Tensor) SliceRows(from, to int) *Tensor {
	w := t.dims[1]
	data := make([]float64, (to-from)*w)
	copy(data, t.data[from*w:to*w])
	return FromFlat(data, to-from, w)
}
