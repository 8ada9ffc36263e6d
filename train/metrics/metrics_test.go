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

package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-aji/deepretina/tensors"
)

func TestPearsonR(t *testing.T) {
	// Unit 0: perfectly correlated. Unit 1: perfectly anti-correlated.
	preds := tensors.FromFlat([]float64{
		1, 3,
		2, 2,
		3, 1,
	}, 3, 2)
	targets := tensors.FromFlat([]float64{
		10, 1,
		20, 2,
		30, 3,
	}, 3, 2)
	cors := PearsonR(preds, targets)
	require.Len(t, cors, 2)
	assert.InDelta(t, 1.0, cors[0], 1e-12)
	assert.InDelta(t, -1.0, cors[1], 1e-12)
}

func TestPearsonRConstantUnit(t *testing.T) {
	// A constant prediction column has undefined correlation, reported as 0
	// so it drags the mean down instead of poisoning it with NaN.
	preds := tensors.FromFlat([]float64{5, 5, 5}, 3, 1)
	targets := tensors.FromFlat([]float64{1, 2, 3}, 3, 1)
	cors := PearsonR(preds, targets)
	require.Len(t, cors, 1)
	assert.Equal(t, 0.0, cors[0])
}

func TestMean(t *testing.T) {
	assert.InDelta(t, 2.0, Mean([]float64{1, 2, 3}), 1e-12)
	assert.True(t, math.IsNaN(Mean(nil)))
}

func TestFinite(t *testing.T) {
	assert.True(t, Finite(0))
	assert.False(t, Finite(math.NaN()))
	assert.False(t, Finite(math.Inf(1)))
	assert.False(t, Finite(math.Inf(-1)))
}
