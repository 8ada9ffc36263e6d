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

// Package metrics implements the per-unit validation metrics reported each
// epoch: the Pearson correlation between predicted and recorded responses,
// computed unit by unit over the whole validation split.
package metrics

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/stat"

	"github.com/i-aji/deepretina/tensors"
)

// PearsonR returns the Pearson correlation of each output unit (column)
// between predictions and targets, both (samples, units). A unit with zero
// variance in either series yields 0 rather than NaN, so a dead unit does
// not poison the mean validation accuracy.
func PearsonR(predictions, targets *tensors.Tensor) []float64 {
	if predictions.Dim(0) != targets.Dim(0) || predictions.Dim(1) != targets.Dim(1) {
		exceptions.Panicf("metrics.PearsonR: shape mismatch (%d,%d) vs (%d,%d)",
			predictions.Dim(0), predictions.Dim(1), targets.Dim(0), targets.Dim(1))
	}
	units := predictions.Dim(1)
	out := make([]float64, units)
	for u := 0; u < units; u++ {
		r := stat.Correlation(predictions.Col(u), targets.Col(u), nil)
		if math.IsNaN(r) {
			r = 0
		}
		out[u] = r
	}
	return out
}

// Mean returns the arithmetic mean of xs (NaN for empty input).
func Mean(xs []float64) float64 {
	return stat.Mean(xs, nil)
}

// Finite reports whether v is neither NaN nor infinite.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
