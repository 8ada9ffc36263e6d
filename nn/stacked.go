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

package nn

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

// denseLayer is one channel-structured layer: a dense weight matrix
// (channels, in) plus bias, optionally represented as two stacked factors
// f1·f0 that can later be collapsed into a single dense matrix.
type denseLayer struct {
	name string
	w    *Param // dense weights (out, in); nil when factorized
	f0   *Param // first factor (rank, in)
	f1   *Param // second factor (out, rank)
	b    *Param // bias (out)
	relu bool

	// Caches from the last forward pass.
	in  *tensors.Tensor
	mid *tensors.Tensor
	out *tensors.Tensor
}

func newDenseLayer(name string, in, out, rank int, relu bool, rng *rand.Rand) *denseLayer {
	l := &denseLayer{name: name, relu: relu, b: NewParam(name+".b", out)}
	if rank > 0 {
		l.f0 = NewParam(name+".f0", rank, in)
		l.f1 = NewParam(name+".f1", out, rank)
		initNormal(l.f0.Value, 1/math.Sqrt(float64(in)), rng)
		initNormal(l.f1.Value, 1/math.Sqrt(float64(rank)), rng)
	} else {
		l.w = NewParam(name+".w", out, in)
		initNormal(l.w.Value, 1/math.Sqrt(float64(in)), rng)
	}
	return l
}

func initNormal(t *tensors.Tensor, scale float64, rng *rand.Rand) {
	data := t.Data()
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}
}

func (l *denseLayer) channels() int { return l.b.Value.Dim(0) }

func (l *denseLayer) params() []*Param {
	if l.w != nil {
		return []*Param{l.w, l.b}
	}
	return []*Param{l.f0, l.f1, l.b}
}

func (l *denseLayer) forward(x *tensors.Tensor) *tensors.Tensor {
	l.in = x
	if l.w != nil {
		l.out = affine(x, l.w.Value, l.b.Value)
	} else {
		l.mid = affine(x, l.f0.Value, nil)
		l.out = affine(l.mid, l.f1.Value, l.b.Value)
	}
	if l.relu {
		data := l.out.Data()
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	}
	return l.out
}

// backward propagates grad through the layer, optionally accumulating
// parameter gradients, and returns the gradient with respect to the input.
func (l *denseLayer) backward(grad *tensors.Tensor, accumulate bool) *tensors.Tensor {
	gz := grad
	if l.relu {
		gz = grad.Clone()
		outData := l.out.Data()
		gzData := gz.Data()
		for i := range gzData {
			if outData[i] <= 0 {
				gzData[i] = 0
			}
		}
	}
	if l.w != nil {
		if accumulate {
			accumAffineGrads(gz, l.in, l.w.Grad, l.b.Grad)
		}
		return matmul(gz, l.w.Value)
	}
	if accumulate {
		accumAffineGrads(gz, l.mid, l.f1.Grad, l.b.Grad)
	}
	gmid := matmul(gz, l.f1.Value)
	if accumulate {
		accumAffineGrads(gmid, l.in, l.f0.Grad, nil)
	}
	return matmul(gmid, l.f0.Value)
}

func (l *denseLayer) zeroChannel(ch int, zeroBias bool) {
	if l.w != nil {
		row := l.w.Value.Row(ch)
		for i := range row {
			row[i] = 0
		}
	} else {
		row := l.f1.Value.Row(ch)
		for i := range row {
			row[i] = 0
		}
	}
	if zeroBias {
		l.b.Value.Data()[ch] = 0
	}
}

// collapse converts a factorized layer into its dense equivalent
// w = f1·f0, so the layer's learned filters survive a state rollback that
// expects dense parameters. Already-dense layers are a no-op.
func (l *denseLayer) collapse() error {
	if l.w != nil {
		return nil
	}
	rank := l.f0.Value.Dim(0)
	if l.f1.Value.Dim(1) != rank {
		return errors.Errorf("layer %q: factor shapes %v x %v do not chain",
			l.name, l.f1.Value.Dims(), l.f0.Value.Dims())
	}
	out, in := l.f1.Value.Dim(0), l.f0.Value.Dim(1)
	w := NewParam(l.name+".w", out, in)
	for o := 0; o < out; o++ {
		for k := 0; k < in; k++ {
			var sum float64
			for r := 0; r < rank; r++ {
				sum += l.f1.Value.At(o, r) * l.f0.Value.At(r, k)
			}
			w.Value.Set(o, k, sum)
		}
	}
	l.w = w
	l.f0, l.f1 = nil, nil
	return nil
}

// affine computes x·wᵀ (+ b per row when b is non-nil).
func affine(x, w, b *tensors.Tensor) *tensors.Tensor {
	batch, in := x.Dim(0), x.Dim(1)
	out := w.Dim(0)
	y := tensors.New(batch, out)
	for i := 0; i < batch; i++ {
		xRow := x.Row(i)
		yRow := y.Row(i)
		for o := 0; o < out; o++ {
			wRow := w.Row(o)
			var sum float64
			for k := 0; k < in; k++ {
				sum += wRow[k] * xRow[k]
			}
			yRow[o] = sum
		}
		if b != nil {
			bData := b.Data()
			for o := 0; o < out; o++ {
				yRow[o] += bData[o]
			}
		}
	}
	return y
}

// matmul computes g·w for gradient propagation: (batch, out)·(out, in).
func matmul(g, w *tensors.Tensor) *tensors.Tensor {
	batch, out := g.Dim(0), g.Dim(1)
	in := w.Dim(1)
	y := tensors.New(batch, in)
	for i := 0; i < batch; i++ {
		gRow := g.Row(i)
		yRow := y.Row(i)
		for o := 0; o < out; o++ {
			gv := gRow[o]
			if gv == 0 {
				continue
			}
			wRow := w.Row(o)
			for k := 0; k < in; k++ {
				yRow[k] += gv * wRow[k]
			}
		}
	}
	return y
}

// accumAffineGrads adds gᵀ·x into gradW and the per-output sums of g into
// gradB (when non-nil).
func accumAffineGrads(g, x, gradW, gradB *tensors.Tensor) {
	batch, out := g.Dim(0), g.Dim(1)
	in := x.Dim(1)
	for i := 0; i < batch; i++ {
		gRow := g.Row(i)
		xRow := x.Row(i)
		for o := 0; o < out; o++ {
			gv := gRow[o]
			if gv == 0 {
				continue
			}
			wRow := gradW.Row(o)
			for k := 0; k < in; k++ {
				wRow[k] += gv * xRow[k]
			}
		}
		if gradB != nil {
			bData := gradB.Data()
			for o := 0; o < out; o++ {
				bData[o] += gRow[o]
			}
		}
	}
}

// Stacked is the standard feedforward variant: a stack of channel-layered
// dense layers with rectification, followed by a linear readout to the
// recorded units. With stack_rank > 0 the hidden layers are factorized,
// mirroring stacked linear filters that can be collapsed for rollback.
type Stacked struct {
	hidden   []*denseLayer
	readout  *denseLayer
	nUnits   int
	training bool
}

// NewStackedFromHyper builds a Stacked model from the configuration:
// in_dim, n_units, chans (hidden widths) and stack_rank.
func NewStackedFromHyper(h hyper.Hyper) (Model, error) {
	return newStacked(h)
}

func newStacked(h hyper.Hyper) (*Stacked, error) {
	inDim := hyper.GetOr(h, hyper.InDim, 0)
	nUnits := hyper.GetOr(h, hyper.NUnits, 0)
	if inDim <= 0 || nUnits <= 0 {
		return nil, hyper.ConfigErrorf("model requires positive in_dim and n_units, got %d and %d", inDim, nUnits)
	}
	chans := hyper.GetOr(h, "chans", []int{8, 8})
	rank := hyper.GetOr(h, "stack_rank", 0)
	seed := int64(hyper.GetOr(h, hyper.Seed, 0))
	rng := rand.New(rand.NewSource(seed))

	s := &Stacked{nUnits: nUnits}
	prev := inDim
	for i, c := range chans {
		name := fmt.Sprintf("stack.%d", i)
		s.hidden = append(s.hidden, newDenseLayer(name, prev, c, rank, true, rng))
		prev = c
	}
	s.readout = newDenseLayer("readout", prev, nUnits, 0, false, rng)
	return s, nil
}

func (s *Stacked) Type() string { return "stacked" }

func (s *Stacked) NumUnits() int { return s.nUnits }

func (s *Stacked) SetTraining(training bool) { s.training = training }

func (s *Stacked) Params() []*Param {
	var params []*Param
	for _, l := range s.hidden {
		params = append(params, l.params()...)
	}
	params = append(params, s.readout.params()...)
	return params
}

func (s *Stacked) forwardHidden(x *tensors.Tensor) *tensors.Tensor {
	h := x
	for _, l := range s.hidden {
		h = l.forward(h)
	}
	return h
}

func (s *Stacked) Forward(x *tensors.Tensor) *tensors.Tensor {
	return s.readout.forward(s.forwardHidden(x))
}

func (s *Stacked) Backward(grad *tensors.Tensor) {
	g := s.readout.backward(grad, true)
	for i := len(s.hidden) - 1; i >= 0; i-- {
		g = s.hidden[i].backward(g, true)
	}
}

// LayerNames returns the hidden layer names; the readout is never pruned.
func (s *Stacked) LayerNames() []string {
	names := make([]string, len(s.hidden))
	for i, l := range s.hidden {
		names[i] = l.name
	}
	return names
}

func (s *Stacked) layerByName(name string) *denseLayer {
	for _, l := range s.hidden {
		if l.name == name {
			return l
		}
	}
	return nil
}

func (s *Stacked) LayerChannels(layer string) int {
	if l := s.layerByName(layer); l != nil {
		return l.channels()
	}
	return 0
}

func (s *Stacked) ZeroChannel(layer string, channel int, zeroBias bool) {
	if l := s.layerByName(layer); l != nil {
		l.zeroChannel(channel, zeroBias)
	}
}

// LayerGradient runs the model on x and returns the named layer's
// activations together with the gradient of the summed output with respect
// to them. Parameter gradients are left untouched.
func (s *Stacked) LayerGradient(x *tensors.Tensor, layer string) (acts, grad *tensors.Tensor) {
	out := s.Forward(x)
	g := tensors.New(out.Dim(0), out.Dim(1))
	g.Fill(1)
	g = s.readout.backward(g, false)
	for i := len(s.hidden) - 1; i >= 0; i-- {
		l := s.hidden[i]
		if l.name == layer {
			return l.out, g
		}
		g = l.backward(g, false)
	}
	return nil, nil
}

// Collapse converts every factorized hidden layer into its dense
// equivalent. Returns the first error encountered; remaining layers are
// still attempted.
func (s *Stacked) Collapse() error {
	var firstErr error
	for _, l := range s.hidden {
		if err := l.collapse(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
