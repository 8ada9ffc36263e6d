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

package optimizers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/nn"
)

func newTestParam(name string, values, grads []float64) *nn.Param {
	p := nn.NewParam(name, len(values))
	copy(p.Value.Data(), values)
	copy(p.Grad.Data(), grads)
	return p
}

func TestFromHyper(t *testing.T) {
	opt, err := FromHyper(hyper.Hyper{hyper.Optimizer: "sgd", hyper.LearningRate: 0.1})
	require.NoError(t, err)
	assert.Equal(t, "sgd", opt.Name())
	assert.Equal(t, 0.1, opt.LearningRate())

	_, err = FromHyper(hyper.Hyper{hyper.Optimizer: "lbfgs"})
	require.Error(t, err)
	var cfgErr *hyper.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestSGDStep(t *testing.T) {
	opt, err := FromHyper(hyper.Hyper{hyper.Optimizer: "sgd", hyper.LearningRate: 0.5})
	require.NoError(t, err)
	p := newTestParam("w", []float64{1, -2}, []float64{0.2, 0.4})
	opt.Step([]*nn.Param{p})
	assert.InDelta(t, 0.9, p.Value.Data()[0], 1e-12)
	assert.InDelta(t, -2.2, p.Value.Data()[1], 1e-12)
}

func TestSGDWeightDecay(t *testing.T) {
	opt, err := FromHyper(hyper.Hyper{
		hyper.Optimizer: "sgd", hyper.LearningRate: 0.1, hyper.WeightDecay: 0.5,
	})
	require.NoError(t, err)
	p := newTestParam("w", []float64{2}, []float64{0})
	opt.Step([]*nn.Param{p})
	// Effective gradient = 0 + 0.5*2 = 1.
	assert.InDelta(t, 1.9, p.Value.Data()[0], 1e-12)
}

func TestAdamFirstStep(t *testing.T) {
	opt := NewAdam(0.1, 0)
	p := newTestParam("w", []float64{1}, []float64{0.3})
	opt.Step([]*nn.Param{p})
	// Bias correction makes the first update (nearly) a full lr-sized step
	// in the gradient's direction, regardless of its magnitude.
	assert.InDelta(t, 0.9, p.Value.Data()[0], 1e-6)
}

func TestAdamStateRoundTrip(t *testing.T) {
	opt := NewAdam(0.01, 0.001)
	p := newTestParam("w", []float64{1, 2, 3}, []float64{0.1, -0.2, 0.3})
	for i := 0; i < 5; i++ {
		opt.Step([]*nn.Param{p})
	}
	state := opt.State()
	valuesAfter5 := append([]float64(nil), p.Value.Data()...)

	// The captured state is a deep copy: further steps do not leak into it.
	opt.Step([]*nn.Param{p})
	assert.Equal(t, 5, state.StepCount)

	restored := NewAdam(0, 0)
	require.NoError(t, restored.SetState(state))
	copy(p.Value.Data(), valuesAfter5)
	opt2 := NewAdam(0.01, 0.001)
	require.NoError(t, opt2.SetState(opt.State()))

	// A restored optimizer resumes with identical hyperparameters and
	// step count.
	assert.Equal(t, 0.01, restored.LearningRate())
	assert.Equal(t, 6, opt2.State().StepCount)

	// Cross-optimizer restore is rejected.
	sgd := &SGD{}
	assert.Error(t, sgd.SetState(state))
}

func TestAdamResize(t *testing.T) {
	opt := NewAdam(0.1, 0)
	p := newTestParam("w", []float64{1, 1}, []float64{0.1, 0.1})
	opt.Step([]*nn.Param{p})
	// Same name, new size (as after a layer collapse): moments are re-made.
	p2 := newTestParam("w", []float64{1, 1, 1}, []float64{0.1, 0.1, 0.1})
	assert.NotPanics(t, func() { opt.Step([]*nn.Param{p2}) })
}
