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

// Package nn implements the model collaborators driven by the training
// orchestrator: parameters with gradients, the Model contract, and the
// concrete feedforward variants used to map stimuli to neural responses.
//
// Models are selected by name through KnownModels; an unknown model type is
// a configuration error at lookup time, not deep inside training.
package nn

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

// Param is one trainable parameter: a value tensor and its accumulated
// gradient, identified by a stable name used to key optimizer state and
// checkpoint records.
type Param struct {
	Name  string
	Value *tensors.Tensor
	Grad  *tensors.Tensor
}

// NewParam creates a zero-valued parameter with the given shape.
func NewParam(name string, dims ...int) *Param {
	return &Param{
		Name:  name,
		Value: tensors.New(dims...),
		Grad:  tensors.New(dims...),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	p.Grad.Fill(0)
}

// Model is the contract every architecture variant presents to the
// orchestrator: forward inference, gradient accumulation from an output
// gradient, parameter enumeration, and a train/eval mode switch.
type Model interface {
	// Type returns the registered model type name.
	Type() string

	// Forward maps a batch of stimuli (batch, inDim) to predicted
	// responses (batch, nUnits). In training mode intermediate
	// activations are cached for Backward.
	Forward(x *tensors.Tensor) *tensors.Tensor

	// Backward accumulates parameter gradients given the gradient of the
	// loss with respect to the last Forward's output.
	Backward(grad *tensors.Tensor)

	// Params returns all trainable parameters.
	Params() []*Param

	// SetTraining toggles training mode.
	SetTraining(training bool)

	// NumUnits returns the number of output units.
	NumUnits() int
}

// ChannelLayered is implemented by models whose hidden layers expose
// channel structure for structured pruning.
type ChannelLayered interface {
	// LayerNames returns the prunable layer names in forward order.
	LayerNames() []string

	// LayerChannels returns the channel count of a layer.
	LayerChannels(layer string) int

	// ZeroChannel forces one channel's incoming weights (and optionally
	// its bias) to zero. Idempotent.
	ZeroChannel(layer string, channel int, zeroBias bool)
}

// Attributable is implemented by models that support channel attribution:
// it exposes a layer's activations and the gradient of the summed model
// output with respect to them.
type Attributable interface {
	LayerGradient(x *tensors.Tensor, layer string) (acts, grad *tensors.Tensor)
}

// Recurrent marks stateful models. The orchestrator skips full-batch
// held-out evaluation for them.
type Recurrent interface {
	ResetState()
}

// SemanticHead is implemented by models with a position readout that
// carries a one-hot (semantic) penalty. SemanticPenalty returns the
// penalty value and accumulates its gradients into the readout parameters.
type SemanticHead interface {
	SemanticPenalty(scale, l1 float64) float64
}

// KnownModels maps model type names to their constructors.
var KnownModels = map[string]func(h hyper.Hyper) (Model, error){
	"stacked": NewStackedFromHyper,
	"retino":  NewRetinoFromHyper,
}

// FromHyper builds the model named by the model_type option. Unknown names
// fail with a ConfigurationError.
func FromHyper(h hyper.Hyper) (Model, error) {
	name := hyper.GetOr(h, hyper.ModelType, "")
	builder, found := KnownModels[name]
	if !found {
		return nil, hyper.ConfigErrorf("unknown model_type %q, valid values are %v",
			name, maps.Keys(KnownModels))
	}
	return builder(h)
}

// Snapshot copies current parameter values, keyed by name. Used for the
// pruning rollback path and checkpoint emission.
func Snapshot(params []*Param) map[string][]float64 {
	snap := make(map[string][]float64, len(params))
	for _, p := range params {
		data := make([]float64, p.Value.Size())
		copy(data, p.Value.Data())
		snap[p.Name] = data
	}
	return snap
}

// Restore loads a snapshot back into the parameters. Parameters missing
// from the snapshot are left unmodified; a size mismatch is an error.
func Restore(params []*Param, snap map[string][]float64) error {
	for _, p := range params {
		data, found := snap[p.Name]
		if !found {
			continue
		}
		if len(data) != p.Value.Size() {
			return errors.Errorf("parameter %q has %d values, snapshot has %d",
				p.Name, p.Value.Size(), len(data))
		}
		copy(p.Value.Data(), data)
	}
	return nil
}
