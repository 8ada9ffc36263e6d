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
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

func testContainer(n, inDim, units int) *Container {
	x := tensors.New(n, inDim)
	y := tensors.New(n, units)
	for i := 0; i < n; i++ {
		for j := 0; j < inDim; j++ {
			x.Set(i, j, float64(i*inDim+j))
		}
		for u := 0; u < units; u++ {
			y.Set(i, u, float64(i+u))
		}
	}
	return NewContainer(x, y, nil)
}

func TestContainerNormalization(t *testing.T) {
	c := testContainer(10, 4, 2)
	var sum float64
	for _, v := range c.X.Data() {
		sum += v
	}
	assert.InDelta(t, 0, sum/float64(c.X.Size()), 1e-9, "normalized stimuli are centered")
	assert.Equal(t, 2, c.NumUnits())
	assert.Equal(t, 4, c.InDim())

	// Second split reuses the first's statistics.
	x2 := tensors.New(3, 4)
	y2 := tensors.New(3, 2)
	c2 := NewContainer(x2, y2, &c.Stats)
	assert.Equal(t, c.Stats, c2.Stats)
}

func TestSelectUnits(t *testing.T) {
	c := testContainer(5, 2, 3)
	c.SelectUnits([]int{2, 0})
	assert.Equal(t, 2, c.NumUnits())
	assert.Equal(t, []float64{2, 0}, c.Y.Row(0))

	// Out-of-range unit indices surface as a runtime fault, caught at the
	// run level and turned into a skipped run.
	assert.Panics(t, func() { c.SelectUnits([]int{17}) })
}

func TestDistributorFolds(t *testing.T) {
	c := testContainer(100, 3, 1)
	for fold := 0; fold < 10; fold++ {
		d := NewDistributor(c, Config{FoldIdx: fold, NFolds: 10})
		assert.Equal(t, []int{10, 3}, d.ValShape(), "fold %d", fold)
		assert.Equal(t, []int{90, 3}, d.TrainShape(), "fold %d", fold)
	}

	// Different folds hold out different chunks.
	d0 := NewDistributor(c, Config{FoldIdx: 0, NFolds: 10})
	d1 := NewDistributor(c, Config{FoldIdx: 1, NFolds: 10})
	v0, _, err := d0.ValSample(10).Yield()
	require.NoError(t, err)
	v1, _, err := d1.ValSample(10).Yield()
	require.NoError(t, err)
	assert.False(t, v0.Equal(v1))
}

func TestBatchesYieldAndReset(t *testing.T) {
	c := testContainer(25, 2, 1)
	d := NewDistributor(c, Config{FoldIdx: 0, NFolds: 5, BatchSize: 4})
	sample := d.TrainSample(4)

	count := 0
	for {
		x, y, err := sample.Yield()
		if err == io.EOF {
			break
		}
		require.Equal(t, []int{4, 2}, x.Dims())
		require.Equal(t, []int{4, 1}, y.Dims())
		count++
	}
	assert.Equal(t, 5, count, "tail batch is dropped")

	sample.Reset()
	_, _, err := sample.Yield()
	assert.NoError(t, err, "reset restarts the sequence")
}

func TestShuffleIsSeeded(t *testing.T) {
	c := testContainer(40, 2, 1)
	firstBatch := func(seed int64) *tensors.Tensor {
		d := NewDistributor(c, Config{FoldIdx: 0, NFolds: 4, Shuffle: true, Seed: seed})
		x, _, err := d.TrainSample(8).Yield()
		require.NoError(t, err)
		return x
	}
	assert.True(t, firstBatch(7).Equal(firstBatch(7)))
	assert.False(t, firstBatch(7).Equal(firstBatch(8)))
}

func TestZScoreY(t *testing.T) {
	c := testContainer(50, 2, 1)
	d := NewDistributor(c, Config{FoldIdx: 0, NFolds: 5, ZScoreY: true})
	assert.Greater(t, d.YStd(), 0.0)

	var sum float64
	_, y, err := d.TrainSample(0).Yield()
	require.NoError(t, err)
	for _, v := range y.Data() {
		sum += v
	}
	assert.InDelta(t, 0, sum/float64(y.Size()), 1e-9)
}

func TestFromHyper(t *testing.T) {
	train, test, err := FromHyper(hyper.Hyper{
		hyper.DatasetKey: "whitenoise",
		"n_samples":      60,
		"n_test_samples": 20,
		"stim_dim":       8,
		"n_gen_units":    3,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{60, 8}, train.X.Dims())
	assert.Equal(t, 3, train.NumUnits())
	require.NotNil(t, test)
	assert.Equal(t, []int{20, 8}, test.X.Dims())
	assert.True(t, train.X.AllFinite())

	_, _, err = FromHyper(hyper.Hyper{hyper.DatasetKey: "naturalscene"})
	var cfgErr *hyper.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestWhiteNoiseNoTestSplit(t *testing.T) {
	_, test, err := FromHyper(hyper.Hyper{
		hyper.DatasetKey: "whitenoise",
		"n_samples":      30,
		"stim_dim":       4,
		"no_test_split":  true,
	})
	require.NoError(t, err)
	assert.Nil(t, test)
}

func TestWhiteNoiseCells(t *testing.T) {
	train, test, err := FromHyper(hyper.Hyper{
		hyper.DatasetKey: "whitenoise",
		"n_samples":      30,
		"n_gen_units":    5,
		hyper.Cells:      []int{0, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, train.NumUnits())
	assert.Equal(t, 2, test.NumUnits())

	assert.Panics(t, func() {
		_, _, _ = FromHyper(hyper.Hyper{
			hyper.DatasetKey: "whitenoise",
			"n_samples":      30,
			"n_gen_units":    5,
			hyper.Cells:      []int{0, 99},
		})
	})
}
