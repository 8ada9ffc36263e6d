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

package data

import (
	"math"
	"math/rand"

	"k8s.io/klog/v2"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

// loadWhiteNoise synthesizes a white-noise stimulus experiment: gaussian
// stimuli driving a fixed random linear-nonlinear ground truth. It stands
// in for recorded experiments in tests and demos, with the same contract:
// a training container, and a held-out test container normalized by the
// training statistics.
func loadWhiteNoise(h hyper.Hyper) (train, test *Container, err error) {
	nSamples := hyper.GetOr(h, "n_samples", 2000)
	nTest := hyper.GetOr(h, "n_test_samples", 200)
	stimDim := hyper.GetOr(h, "stim_dim", 40)
	nGenUnits := hyper.GetOr(h, "n_gen_units", 5)
	dataSeed := int64(hyper.GetOr(h, "data_seed", 42))
	rng := rand.New(rand.NewSource(dataSeed))

	// Fixed ground-truth filters.
	filters := tensors.New(nGenUnits, stimDim)
	initData := filters.Data()
	for i := range initData {
		initData[i] = rng.NormFloat64() / math.Sqrt(float64(stimDim))
	}

	genSplit := func(n int) (*tensors.Tensor, *tensors.Tensor) {
		x := tensors.New(n, stimDim)
		xData := x.Data()
		for i := range xData {
			xData[i] = rng.NormFloat64()
		}
		y := tensors.New(n, nGenUnits)
		for i := 0; i < n; i++ {
			xRow := x.Row(i)
			yRow := y.Row(i)
			for u := 0; u < nGenUnits; u++ {
				f := filters.Row(u)
				var drive float64
				for k := 0; k < stimDim; k++ {
					drive += f[k] * xRow[k]
				}
				// Softplus firing rate with a little observation noise.
				yRow[u] = math.Log1p(math.Exp(drive)) + 0.05*rng.NormFloat64()
			}
		}
		return x, y
	}

	trainX, trainY := genSplit(nSamples)
	train = NewContainer(trainX, trainY, nil)

	if hyper.GetOr(h, "no_test_split", false) {
		klog.Warning("error loading test data, proceeding without held-out evaluation")
	} else {
		testX, testY := genSplit(nTest)
		test = NewContainer(testX, testY, &train.Stats)
	}

	if h.Has(hyper.Cells) {
		cells := hyper.GetOr(h, hyper.Cells, []int{})
		train.SelectUnits(cells)
		if test != nil {
			test.SelectUnits(cells)
		}
	}
	return train, test, nil
}
