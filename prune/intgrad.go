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

package prune

import (
	"math"

	"github.com/i-aji/deepretina/nn"
	"github.com/i-aji/deepretina/tensors"
)

// IntegratedGradient estimates each channel's contribution to the model
// output at the given layer, for the stimulus batch x: the gradient of the
// summed output with respect to the layer's activations, integrated along
// the straight path from the zero stimulus to x in alphaSteps points, times
// the activation deltas along the same path.
//
// The returned slice has one value per channel: the mean attribution over
// the batch, absolute. With absSum, the absolute value moves inside the
// batch sum, so opposite-signed contributions cannot cancel.
func IntegratedGradient(model nn.Attributable, x *tensors.Tensor, layer string,
	alphaSteps int, absSum bool) []float64 {
	if alphaSteps < 2 {
		alphaSteps = 2
	}
	batch := x.Dim(0)

	var perSample *tensors.Tensor
	var prevActs *tensors.Tensor
	for step := 0; step < alphaSteps; step++ {
		alpha := float64(step) / float64(alphaSteps-1)
		scaled := x.Clone()
		scaled.Scale(alpha)
		acts, grad := model.LayerGradient(scaled, layer)
		if perSample == nil {
			perSample = tensors.New(batch, acts.Dim(1))
		}
		if prevActs != nil {
			accData := perSample.Data()
			gradData := grad.Data()
			actsData := acts.Data()
			prevData := prevActs.Data()
			for i := range accData {
				accData[i] += gradData[i] * (actsData[i] - prevData[i])
			}
		}
		prevActs = acts.Clone()
	}

	chans := perSample.Dim(1)
	importance := make([]float64, chans)
	for c := 0; c < chans; c++ {
		var sum float64
		for i := 0; i < batch; i++ {
			v := perSample.At(i, c)
			if absSum {
				v = math.Abs(v)
			}
			sum += v
		}
		sum /= float64(batch)
		if !absSum {
			sum = math.Abs(sum)
		}
		importance[c] = sum
	}
	return importance
}
