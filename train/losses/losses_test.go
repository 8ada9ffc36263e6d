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

package losses

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

func TestFromHyper(t *testing.T) {
	l, err := FromHyper(hyper.Hyper{hyper.LossFxn: "mse"})
	require.NoError(t, err)
	assert.Equal(t, "mse", l.Name())

	l, err = FromHyper(hyper.Hyper{hyper.LossFxn: "poisson", hyper.LogPoisson: true})
	require.NoError(t, err)
	assert.Equal(t, "poisson", l.Name())

	_, err = FromHyper(hyper.Hyper{hyper.LossFxn: "huber"})
	var cfgErr *hyper.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestMSE(t *testing.T) {
	p := tensors.FromFlat([]float64{1, 2, 3, 4}, 2, 2)
	y := tensors.FromFlat([]float64{1, 0, 3, 2}, 2, 2)
	var l MSE
	assert.InDelta(t, 2.0, l.Value(p, y), 1e-12)
	grad := l.Gradient(p, y)
	assert.InDeltaSlice(t, []float64{0, 1, 0, 1}, grad.Data(), 1e-12)
	assert.Equal(t, 0.0, l.Value(y, y))
}

func TestPoissonLogInput(t *testing.T) {
	l := &PoissonNLL{LogInput: true}
	p := tensors.FromFlat([]float64{0, 1}, 1, 2)
	y := tensors.FromFlat([]float64{1, 2}, 1, 2)
	// (e^0 - 1*0 + e^1 - 2*1) / 2
	want := (1 + math.E - 2) / 2
	assert.InDelta(t, want, l.Value(p, y), 1e-12)
	grad := l.Gradient(p, y)
	assert.InDelta(t, (1-1.0)/2, grad.Data()[0], 1e-12)
	assert.InDelta(t, (math.E-2)/2, grad.Data()[1], 1e-12)
}

func TestPoissonRateInput(t *testing.T) {
	l := &PoissonNLL{LogInput: false}
	p := tensors.FromFlat([]float64{2}, 1, 1)
	y := tensors.FromFlat([]float64{3}, 1, 1)
	assert.InDelta(t, 2-3*math.Log(2+Epsilon), l.Value(p, y), 1e-9)

	// Zero rates are epsilon-guarded, not -Inf.
	zero := tensors.FromFlat([]float64{0}, 1, 1)
	assert.False(t, math.IsInf(l.Value(zero, y), 0))
}

func TestShapeMismatchPanics(t *testing.T) {
	var l MSE
	assert.Panics(t, func() {
		l.Value(tensors.New(2, 2), tensors.New(2, 3))
	})
}
