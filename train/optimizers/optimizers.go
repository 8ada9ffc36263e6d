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

// Package optimizers implements the gradient-descent optimizers bound to a
// model's parameters, selectable by name, with serializable state so a run
// can be checkpointed and resumed (or rolled back for pruning) without
// losing momentum estimates.
package optimizers

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/nn"
)

// Interface is implemented by all optimizers. Step consumes the gradients
// accumulated on the parameters and updates their values in place.
type Interface interface {
	Name() string
	Step(params []*nn.Param)
	LearningRate() float64
	SetLearningRate(lr float64)

	// State returns a deep copy of the optimizer's serializable state.
	State() State

	// SetState restores a previously captured state.
	SetState(state State) error
}

// State is the serializable optimizer state stored in every checkpoint and
// in the pruning rollback snapshot.
type State struct {
	Name          string               `json:"name"`
	LearningRate  float64              `json:"learning_rate"`
	WeightDecay   float64              `json:"weight_decay"`
	StepCount     int                  `json:"step_count"`
	Moments       map[string][]float64 `json:"moments,omitempty"`
	SecondMoments map[string][]float64 `json:"second_moments,omitempty"`
}

func cloneMoments(m map[string][]float64) map[string][]float64 {
	if m == nil {
		return nil
	}
	c := make(map[string][]float64, len(m))
	for k, v := range m {
		cp := make([]float64, len(v))
		copy(cp, v)
		c[k] = cp
	}
	return c
}

// KnownOptimizers maps optimizer names to their constructors. Weight decay
// comes from the l2 option, matching the original experiments.
var KnownOptimizers = map[string]func(h hyper.Hyper) Interface{
	"sgd": func(h hyper.Hyper) Interface {
		return &SGD{
			lr:          hyper.GetOr(h, hyper.LearningRate, 1e-3),
			weightDecay: hyper.GetOr(h, hyper.WeightDecay, 0.0),
		}
	},
	"adam": func(h hyper.Hyper) Interface {
		return NewAdam(
			hyper.GetOr(h, hyper.LearningRate, 1e-3),
			hyper.GetOr(h, hyper.WeightDecay, 0.0),
		)
	},
}

// FromHyper builds the optimizer named by the optimizer option. Unknown
// names fail with a ConfigurationError.
func FromHyper(h hyper.Hyper) (Interface, error) {
	name := hyper.GetOr(h, hyper.Optimizer, "adam")
	builder, found := KnownOptimizers[name]
	if !found {
		return nil, hyper.ConfigErrorf("unknown optimizer %q, valid values are %v",
			name, maps.Keys(KnownOptimizers))
	}
	return builder(h), nil
}

// SGD is plain stochastic gradient descent with optional L2 weight decay.
type SGD struct {
	lr          float64
	weightDecay float64
	stepCount   int
}

func (o *SGD) Name() string { return "sgd" }

func (o *SGD) Step(params []*nn.Param) {
	o.stepCount++
	for _, p := range params {
		value := p.Value.Data()
		grad := p.Grad.Data()
		for i := range value {
			g := grad[i]
			if o.weightDecay > 0 {
				g += o.weightDecay * value[i]
			}
			value[i] -= o.lr * g
		}
	}
}

func (o *SGD) LearningRate() float64      { return o.lr }
func (o *SGD) SetLearningRate(lr float64) { o.lr = lr }

func (o *SGD) State() State {
	return State{Name: "sgd", LearningRate: o.lr, WeightDecay: o.weightDecay, StepCount: o.stepCount}
}

func (o *SGD) SetState(state State) error {
	if state.Name != "sgd" {
		return errors.Errorf("cannot restore %q state into sgd optimizer", state.Name)
	}
	o.lr = state.LearningRate
	o.weightDecay = state.WeightDecay
	o.stepCount = state.StepCount
	return nil
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates, keyed per parameter name.
type Adam struct {
	lr          float64
	weightDecay float64
	beta1       float64
	beta2       float64
	epsilon     float64
	stepCount   int
	moments     map[string][]float64
	second      map[string][]float64
}

// NewAdam creates an Adam optimizer with the usual β₁=0.9, β₂=0.999.
func NewAdam(lr, weightDecay float64) *Adam {
	return &Adam{
		lr:          lr,
		weightDecay: weightDecay,
		beta1:       0.9,
		beta2:       0.999,
		epsilon:     1e-8,
		moments:     make(map[string][]float64),
		second:      make(map[string][]float64),
	}
}

func (o *Adam) Name() string { return "adam" }

func (o *Adam) Step(params []*nn.Param) {
	o.stepCount++
	correction1 := 1 - math.Pow(o.beta1, float64(o.stepCount))
	correction2 := 1 - math.Pow(o.beta2, float64(o.stepCount))
	for _, p := range params {
		value := p.Value.Data()
		grad := p.Grad.Data()
		m := o.momentFor(o.moments, p)
		v := o.momentFor(o.second, p)
		for i := range value {
			g := grad[i]
			if o.weightDecay > 0 {
				g += o.weightDecay * value[i]
			}
			m[i] = o.beta1*m[i] + (1-o.beta1)*g
			v[i] = o.beta2*v[i] + (1-o.beta2)*g*g
			mHat := m[i] / correction1
			vHat := v[i] / correction2
			value[i] -= o.lr * mHat / (math.Sqrt(vHat) + o.epsilon)
		}
	}
}

func (o *Adam) momentFor(store map[string][]float64, p *nn.Param) []float64 {
	m, found := store[p.Name]
	if !found || len(m) != p.Value.Size() {
		m = make([]float64, p.Value.Size())
		store[p.Name] = m
	}
	return m
}

func (o *Adam) LearningRate() float64      { return o.lr }
func (o *Adam) SetLearningRate(lr float64) { o.lr = lr }

func (o *Adam) State() State {
	return State{
		Name:          "adam",
		LearningRate:  o.lr,
		WeightDecay:   o.weightDecay,
		StepCount:     o.stepCount,
		Moments:       cloneMoments(o.moments),
		SecondMoments: cloneMoments(o.second),
	}
}

func (o *Adam) SetState(state State) error {
	if state.Name != "adam" {
		return errors.Errorf("cannot restore %q state into adam optimizer", state.Name)
	}
	o.lr = state.LearningRate
	o.weightDecay = state.WeightDecay
	o.stepCount = state.StepCount
	o.moments = cloneMoments(state.Moments)
	if o.moments == nil {
		o.moments = make(map[string][]float64)
	}
	o.second = cloneMoments(state.SecondMoments)
	if o.second == nil {
		o.second = make(map[string][]float64)
	}
	return nil
}
