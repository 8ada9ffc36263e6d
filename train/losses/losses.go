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

// Package losses implements the loss functions used to fit neural response
// models: Poisson negative log-likelihood and mean squared error. Each loss
// provides both its value and its gradient with respect to the predictions,
// so the orchestrator can drive any Model through plain batch gradients.
package losses

import (
	"math"

	"github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

// Epsilon guards logarithms of non-log-input Poisson rates.
const Epsilon = 1e-8

// Loss computes a scalar loss and its gradient for a batch of predictions
// and labels of identical shape.
type Loss interface {
	Name() string

	// Value returns the mean loss over all elements.
	Value(predictions, labels *tensors.Tensor) float64

	// Gradient returns dValue/dPredictions.
	Gradient(predictions, labels *tensors.Tensor) *tensors.Tensor
}

// KnownLosses maps loss names to their constructors.
var KnownLosses = map[string]func(h hyper.Hyper) Loss{
	"poisson": func(h hyper.Hyper) Loss {
		return &PoissonNLL{LogInput: hyper.GetOr(h, hyper.LogPoisson, true)}
	},
	"mse": func(h hyper.Hyper) Loss { return MSE{} },
}

// FromHyper builds the loss named by the lossfxn option. Unknown names fail
// with a ConfigurationError.
func FromHyper(h hyper.Hyper) (Loss, error) {
	name := hyper.GetOr(h, hyper.LossFxn, "poisson")
	builder, found := KnownLosses[name]
	if !found {
		return nil, hyper.ConfigErrorf("unknown lossfxn %q, valid values are %v",
			name, maps.Keys(KnownLosses))
	}
	return builder(h), nil
}

// MSE is the mean squared error.
type MSE struct{}

func (MSE) Name() string { return "mse" }

func (MSE) Value(predictions, labels *tensors.Tensor) float64 {
	checkShapes(predictions, labels)
	p, y := predictions.Data(), labels.Data()
	var sum float64
	for i := range p {
		d := p[i] - y[i]
		sum += d * d
	}
	return sum / float64(len(p))
}

func (MSE) Gradient(predictions, labels *tensors.Tensor) *tensors.Tensor {
	checkShapes(predictions, labels)
	p, y := predictions.Data(), labels.Data()
	grad := tensors.New(predictions.Dims()...)
	g := grad.Data()
	n := float64(len(p))
	for i := range p {
		g[i] = 2 * (p[i] - y[i]) / n
	}
	return grad
}

// PoissonNLL is the Poisson negative log-likelihood. With LogInput the
// predictions are log-rates (loss = exp(p) - y·p); otherwise they are rates
// and the logarithm is epsilon-guarded.
type PoissonNLL struct {
	LogInput bool
}

func (l *PoissonNLL) Name() string { return "poisson" }

func (l *PoissonNLL) Value(predictions, labels *tensors.Tensor) float64 {
	checkShapes(predictions, labels)
	p, y := predictions.Data(), labels.Data()
	var sum float64
	if l.LogInput {
		for i := range p {
			sum += math.Exp(p[i]) - y[i]*p[i]
		}
	} else {
		for i := range p {
			sum += p[i] - y[i]*math.Log(p[i]+Epsilon)
		}
	}
	return sum / float64(len(p))
}

func (l *PoissonNLL) Gradient(predictions, labels *tensors.Tensor) *tensors.Tensor {
	checkShapes(predictions, labels)
	p, y := predictions.Data(), labels.Data()
	grad := tensors.New(predictions.Dims()...)
	g := grad.Data()
	n := float64(len(p))
	if l.LogInput {
		for i := range p {
			g[i] = (math.Exp(p[i]) - y[i]) / n
		}
	} else {
		for i := range p {
			g[i] = (1 - y[i]/(p[i]+Epsilon)) / n
		}
	}
	return grad
}

func checkShapes(predictions, labels *tensors.Tensor) {
	if predictions.Size() != labels.Size() {
		exceptions.Panicf("losses: predictions %v and labels %v must have the same shape",
			predictions.Dims(), labels.Dims())
	}
}
