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

package hyper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOr(t *testing.T) {
	h := Hyper{
		"int":    3,
		"float":  2.5,
		"json":   float64(7), // json decodes every number as float64
		"list":   []any{float64(1), float64(2)},
		"string": "adam",
	}
	assert.Equal(t, 3, GetOr(h, "int", 0))
	assert.Equal(t, 2.5, GetOr(h, "float", 0.0))
	assert.Equal(t, 7, GetOr(h, "json", 0))
	assert.Equal(t, []int{1, 2}, GetOr(h, "list", []int(nil)))
	assert.Equal(t, "adam", GetOr(h, "string", ""))
	assert.Equal(t, 42, GetOr(h, "missing", 42))
	assert.Panics(t, func() { GetOr(h, "string", 0) })
}

func TestResolve(t *testing.T) {
	h := Hyper{NEpochs: 7, LearningRate: 0.1}
	r := Resolve(h)

	// Defaults filled in, caller's map untouched.
	assert.Equal(t, "adam", GetOr(r, Optimizer, ""))
	assert.Equal(t, 10, GetOr(r, NCVFolds, 0))
	assert.False(t, h.Has(Optimizer))

	// Explicit values survive, pruning interval defaults to the epoch count.
	assert.Equal(t, 7, GetOr(r, NEpochs, 0))
	assert.Equal(t, 0.1, GetOr(r, LearningRate, 0.0))
	assert.Equal(t, 7, GetOr(r, PruneIntvl, 0))

	// Idempotent.
	assert.Equal(t, r, Resolve(r))
}

func TestExpandCartesian(t *testing.T) {
	base := Hyper{ExpName: "t"}
	queue := Expand(base, []Range{
		{Key: "a", Values: []any{1, 2}},
		{Key: "b", Values: []any{3, 4}},
	})
	require.Len(t, queue, 4)

	wantPairs := [][2]int{{1, 3}, {1, 4}, {2, 3}, {2, 4}}
	seenKeys := map[string]bool{}
	for i, h := range queue {
		assert.Equal(t, wantPairs[i][0], GetOr(h, "a", 0))
		assert.Equal(t, wantPairs[i][1], GetOr(h, "b", 0))
		key := GetOr(h, SearchKeys, "")
		assert.Contains(t, key, "_a")
		assert.Contains(t, key, "_b")
		assert.False(t, seenKeys[key], "search key %q repeated", key)
		seenKeys[key] = true
		// Every point is fully resolved.
		assert.True(t, h.Has(Optimizer))
	}

	// Stable enumeration order.
	again := Expand(base, []Range{
		{Key: "a", Values: []any{1, 2}},
		{Key: "b", Values: []any{3, 4}},
	})
	assert.Equal(t, queue, again)
}

func TestExpandRepeats(t *testing.T) {
	base := Hyper{Seed: 100, NRepeats: 3}
	queue := Expand(base, []Range{{Key: "lr", Values: []any{1e-3}}})
	require.Len(t, queue, 3)
	for rep, h := range queue {
		assert.Equal(t, rep, GetOr(h, Repeat, -1))
		assert.Equal(t, 100+rep, GetOr(h, Seed, 0))
		assert.Equal(t, GetOr(queue[0], SearchKeys, ""), GetOr(h, SearchKeys, ""))
	}
}

func TestExpandRendersStartPtByRunFolder(t *testing.T) {
	queue := Expand(Hyper{NEpochs: 1}, []Range{{
		Key: StartPt,
		Values: []any{
			"/runs/tiny/tiny_3_lr0.001",
			"/runs/tiny/tiny_4/checkpoint-n0000002-epoch-0001.json",
		},
	}})
	require.Len(t, queue, 2)
	// The run folder name embeds the source experiment name and number; a
	// checkpoint file renders as its enclosing run folder.
	assert.Equal(t, "_startpttiny_3_lr0.001", GetOr(queue[0], SearchKeys, ""))
	assert.Equal(t, "_startpttiny_4", GetOr(queue[1], SearchKeys, ""))
}

func TestExpandNoRanges(t *testing.T) {
	queue := Expand(Hyper{NEpochs: 1}, nil)
	require.Len(t, queue, 1)
	assert.Equal(t, "", GetOr(queue[0], SearchKeys, "x"))
}

func TestConfigurationError(t *testing.T) {
	err := ConfigErrorf("unknown loss %q", "huber")
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "huber")
}
