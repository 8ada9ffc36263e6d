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

package checkpoints

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/nn"
	"github.com/i-aji/deepretina/prune"
)

func testParams() []*nn.Param {
	w := nn.NewParam("layer.w", 2, 3)
	copy(w.Value.Data(), []float64{1, 2, 3, 4, 5, 6})
	b := nn.NewParam("layer.b", 2)
	copy(b.Value.Data(), []float64{-1, 1})
	return []*nn.Param{w, b}
}

func TestFloatJSON(t *testing.T) {
	values := []Float{Float(1.5), Float(math.NaN()), Float(math.Inf(1)), Float(math.Inf(-1))}
	encoded, err := json.Marshal(values)
	require.NoError(t, err)

	var back []Float
	require.NoError(t, json.Unmarshal(encoded, &back))
	require.Len(t, back, 4)
	assert.Equal(t, 1.5, float64(back[0]))
	assert.True(t, math.IsNaN(float64(back[1])))
	assert.True(t, math.IsInf(float64(back[2]), 1))
	assert.True(t, math.IsInf(float64(back[3]), -1))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	handler, err := Build().Dir(dir).Done()
	require.NoError(t, err)

	mask := prune.ZeroMask{}
	mask.Add("layer", 1)
	params := testParams()
	state := &State{
		ModelType: "stacked",
		Hyps:      hyper.Hyper{hyper.LearningRate: 1e-3},
		Epoch:     4,
		Loss:      Float(0.25),
		ValLoss:   Float(math.NaN()), // diverged runs still checkpoint
		ValAcc:    Float(0.6),
		LearnRte:  Float(5e-4),
		ZeroMask:  mask,
	}
	require.NoError(t, handler.Save(state, params))

	loaded, weights, err := handler.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "stacked", loaded.ModelType)
	assert.Equal(t, 4, loaded.Epoch)
	assert.Equal(t, 5e-4, float64(loaded.LearnRte))
	assert.True(t, math.IsNaN(float64(loaded.ValLoss)))
	assert.True(t, loaded.ZeroMask.Has("layer", 1))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, weights["layer.w"])
	assert.Equal(t, []float64{-1, 1}, weights["layer.b"])

	// Restoring into fresh parameters reproduces the values.
	fresh := []*nn.Param{nn.NewParam("layer.w", 2, 3), nn.NewParam("layer.b", 2)}
	require.NoError(t, RestoreParams(fresh, weights))
	assert.Equal(t, params[0].Value.Data(), fresh[0].Value.Data())
	assert.Equal(t, params[1].Value.Data(), fresh[1].Value.Data())

	// Size mismatch is an error; unknown parameters are left alone.
	bad := []*nn.Param{nn.NewParam("layer.w", 4)}
	assert.Error(t, RestoreParams(bad, weights))
	other := []*nn.Param{nn.NewParam("other", 2)}
	assert.NoError(t, RestoreParams(other, weights))
}

func TestKeepPolicy(t *testing.T) {
	dir := t.TempDir()
	handler, err := Build().Dir(dir).Keep(2).Done()
	require.NoError(t, err)

	params := testParams()
	for epoch := 0; epoch < 5; epoch++ {
		require.NoError(t, handler.Save(&State{Epoch: epoch}, params))
	}
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)

	loaded, _, err := handler.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Epoch)
}

func TestKeepAll(t *testing.T) {
	dir := t.TempDir()
	handler, err := Build().Dir(dir).KeepAll().Done()
	require.NoError(t, err)
	params := testParams()
	for epoch := 0; epoch < 3; epoch++ {
		require.NoError(t, handler.Save(&State{Epoch: epoch}, params))
	}
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 3)
}

func TestReopenContinuesNumbering(t *testing.T) {
	dir := t.TempDir()
	handler, err := Build().Dir(dir).KeepAll().Done()
	require.NoError(t, err)
	params := testParams()
	require.NoError(t, handler.Save(&State{Epoch: 0}, params))

	reopened, err := Build().Dir(dir).KeepAll().Done()
	require.NoError(t, err)
	require.NoError(t, reopened.Save(&State{Epoch: 1}, params))

	list, err := reopened.ListCheckpoints()
	require.NoError(t, err)
	require.Len(t, list, 2)
	loaded, _, err := reopened.LoadLatest()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Epoch)
}

func TestLoadLatestEmpty(t *testing.T) {
	handler, err := Build().Dir(t.TempDir()).Done()
	require.NoError(t, err)
	state, weights, err := handler.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Nil(t, weights)
}

func TestMissingDirIsAnError(t *testing.T) {
	_, err := Build().Done()
	assert.Error(t, err)
}
