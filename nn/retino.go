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
	"math"
	"math/rand"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

// Retino is the position-indexed variant: the same hidden stack as Stacked,
// but each unit reads out through a softmax attention row over the last
// hidden layer's channels. The attention rows are pushed toward one-hot
// assignments by the semantic penalty.
type Retino struct {
	*Stacked
	attn *Param // (nUnits, channels) attention logits

	// Caches from the last forward pass.
	hiddenOut *tensors.Tensor
	rows      *tensors.Tensor // softmaxed attention rows
	out       *tensors.Tensor
}

// NewRetinoFromHyper builds a Retino model from the configuration.
func NewRetinoFromHyper(h hyper.Hyper) (Model, error) {
	base, err := newStacked(h)
	if err != nil {
		return nil, err
	}
	last := base.hidden[len(base.hidden)-1]
	seed := int64(hyper.GetOr(h, hyper.Seed, 0))
	rng := rand.New(rand.NewSource(seed + 1))
	r := &Retino{
		Stacked: base,
		attn:    NewParam("retino.attn", base.nUnits, last.channels()),
	}
	initNormal(r.attn.Value, 0.1, rng)
	return r, nil
}

func (r *Retino) Type() string { return "retino" }

func (r *Retino) Params() []*Param {
	var params []*Param
	for _, l := range r.hidden {
		params = append(params, l.params()...)
	}
	return append(params, r.attn)
}

func (r *Retino) Forward(x *tensors.Tensor) *tensors.Tensor {
	a := r.forwardHidden(x)
	r.hiddenOut = a
	r.rows = softmaxRows(r.attn.Value)
	batch := a.Dim(0)
	chans := a.Dim(1)
	out := tensors.New(batch, r.nUnits)
	for i := 0; i < batch; i++ {
		aRow := a.Row(i)
		oRow := out.Row(i)
		for u := 0; u < r.nUnits; u++ {
			w := r.rows.Row(u)
			var sum float64
			for j := 0; j < chans; j++ {
				sum += w[j] * aRow[j]
			}
			oRow[u] = sum
		}
	}
	r.out = out
	return out
}

func (r *Retino) Backward(grad *tensors.Tensor) {
	batch := r.hiddenOut.Dim(0)
	chans := r.hiddenOut.Dim(1)
	ga := tensors.New(batch, chans)
	for i := 0; i < batch; i++ {
		aRow := r.hiddenOut.Row(i)
		gRow := grad.Row(i)
		oRow := r.out.Row(i)
		gaRow := ga.Row(i)
		for u := 0; u < r.nUnits; u++ {
			gv := gRow[u]
			if gv == 0 {
				continue
			}
			w := r.rows.Row(u)
			attnGrad := r.attn.Grad.Row(u)
			for j := 0; j < chans; j++ {
				gaRow[j] += gv * w[j]
				// d out_u / d logit_uj through the softmax.
				attnGrad[j] += gv * w[j] * (aRow[j] - oRow[u])
			}
		}
	}
	g := ga
	for i := len(r.hidden) - 1; i >= 0; i-- {
		g = r.hidden[i].backward(g, true)
	}
}

// LayerGradient mirrors Stacked.LayerGradient through the attention head.
func (r *Retino) LayerGradient(x *tensors.Tensor, layer string) (acts, grad *tensors.Tensor) {
	r.Forward(x)
	batch := r.hiddenOut.Dim(0)
	chans := r.hiddenOut.Dim(1)
	g := tensors.New(batch, chans)
	for i := 0; i < batch; i++ {
		gRow := g.Row(i)
		for u := 0; u < r.nUnits; u++ {
			w := r.rows.Row(u)
			for j := 0; j < chans; j++ {
				gRow[j] += w[j]
			}
		}
	}
	for i := len(r.hidden) - 1; i >= 0; i-- {
		l := r.hidden[i]
		if l.name == layer {
			return l.out, g
		}
		g = l.backward(g, false)
	}
	return nil, nil
}

// SemanticPenalty returns the one-hot penalty on the attention rows and
// accumulates its gradient: scale·mean_u Σ_j p_j(1-p_j) pushes each row
// toward a single position, l1 penalizes the logits' magnitude.
func (r *Retino) SemanticPenalty(scale, l1 float64) float64 {
	rows := softmaxRows(r.attn.Value)
	nUnits := r.attn.Value.Dim(0)
	chans := r.attn.Value.Dim(1)
	var penalty float64
	for u := 0; u < nUnits; u++ {
		p := rows.Row(u)
		var sumSq float64
		for _, v := range p {
			sumSq += v * v
		}
		penalty += 1 - sumSq
		if scale > 0 {
			gRow := r.attn.Grad.Row(u)
			for j := 0; j < chans; j++ {
				gRow[j] += scale / float64(nUnits) * (-2 * p[j] * (p[j] - sumSq))
			}
		}
	}
	penalty = scale * penalty / float64(nUnits)
	if l1 > 0 {
		logits := r.attn.Value.Data()
		grads := r.attn.Grad.Data()
		n := float64(len(logits))
		var norm float64
		for i, v := range logits {
			norm += math.Abs(v)
			switch {
			case v > 0:
				grads[i] += l1 / n
			case v < 0:
				grads[i] -= l1 / n
			}
		}
		penalty += l1 * norm / n
	}
	return penalty
}

func softmaxRows(logits *tensors.Tensor) *tensors.Tensor {
	rows, cols := logits.Dim(0), logits.Dim(1)
	out := tensors.New(rows, cols)
	for i := 0; i < rows; i++ {
		in := logits.Row(i)
		o := out.Row(i)
		maxV := math.Inf(-1)
		for _, v := range in {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for j, v := range in {
			o[j] = math.Exp(v - maxV)
			sum += o[j]
		}
		for j := range o {
			o[j] /= sum
		}
	}
	return out
}
