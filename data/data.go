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

// Package data implements the stimulus/response data collaborators: a
// Container holding one experiment's stimuli and recorded responses with
// normalization statistics, and a fold-aware Distributor that serves
// train and validation batches for one cross-validation fold.
//
// Datasets follow the usual streaming contract: Yield returns one batch at
// a time and io.EOF at the end of the epoch; Reset restarts it.
package data

import (
	"io"
	"math"
	"math/rand"

	"golang.org/x/exp/maps"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/tensors"
)

// Stats holds the normalization statistics of a stimulus set.
type Stats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Container is one split of an experiment: stimuli X (samples, inDim) and
// responses Y (samples, units), with the stimulus statistics used to
// normalize it.
type Container struct {
	X     *tensors.Tensor
	Y     *tensors.Tensor
	Stats Stats
}

// NewContainer wraps stimuli and responses, computing the stimulus
// statistics and normalizing X in place. When norm is non-nil the given
// statistics are applied instead (held-out splits are normalized with the
// training split's statistics).
func NewContainer(x, y *tensors.Tensor, norm *Stats) *Container {
	c := &Container{X: x, Y: y}
	if norm != nil {
		c.Stats = *norm
	} else {
		data := x.Data()
		var sum, sumSq float64
		for _, v := range data {
			sum += v
			sumSq += v * v
		}
		n := float64(len(data))
		mean := sum / n
		c.Stats = Stats{Mean: mean, Std: math.Sqrt(sumSq/n - mean*mean)}
	}
	data := x.Data()
	for i, v := range data {
		data[i] = (v - c.Stats.Mean) / (c.Stats.Std + 1e-5)
	}
	return c
}

// SelectUnits restricts the responses to the given unit indices. Malformed
// indices for the requested dataset surface as runtime index faults, which
// the orchestrator turns into a skipped run.
func (c *Container) SelectUnits(units []int) {
	samples := c.Y.Dim(0)
	out := tensors.New(samples, len(units))
	for i := 0; i < samples; i++ {
		row := c.Y.Row(i)
		outRow := out.Row(i)
		for j, u := range units {
			outRow[j] = row[u]
		}
	}
	c.Y = out
}

// NumUnits returns the number of recorded units.
func (c *Container) NumUnits() int { return c.Y.Dim(1) }

// InDim returns the flattened stimulus dimension.
func (c *Container) InDim() int { return c.X.Dim(1) }

// Dataset yields batches until io.EOF; Reset restarts it.
type Dataset interface {
	Name() string
	Yield() (x, y *tensors.Tensor, err error)
	Reset()
}

// Config for a Distributor.
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	FoldIdx   int
	NFolds    int
	ZScoreY   bool
}

// Distributor owns one fold's train/validation split of a Container and
// serves restartable batch sequences over each.
type Distributor struct {
	cfg Config

	trainX, trainY *tensors.Tensor
	valX, valY     *tensors.Tensor
	yMean, yStd    float64
	rng            *rand.Rand
}

// NewDistributor splits the container into the given cross-validation
// fold: fold i's contiguous chunk is held out for validation and the rest
// trains. With ZScoreY the responses are standardized by the training
// split's statistics, which are retained for un-scaling.
func NewDistributor(c *Container, cfg Config) *Distributor {
	if cfg.NFolds <= 1 {
		cfg.NFolds = 10
	}
	if cfg.FoldIdx < 0 || cfg.FoldIdx >= cfg.NFolds {
		cfg.FoldIdx = cfg.NFolds - 1
	}
	n := c.X.Dim(0)
	chunk := n / cfg.NFolds
	valFrom := cfg.FoldIdx * chunk
	valTo := valFrom + chunk
	if cfg.FoldIdx == cfg.NFolds-1 {
		valTo = n
	}

	d := &Distributor{
		cfg:  cfg,
		valX: c.X.SliceRows(valFrom, valTo),
		valY: c.Y.SliceRows(valFrom, valTo),
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
	before := c.X.SliceRows(0, valFrom)
	after := c.X.SliceRows(valTo, n)
	d.trainX = tensors.Concat(before, after)
	d.trainY = tensors.Concat(c.Y.SliceRows(0, valFrom), c.Y.SliceRows(valTo, n))

	d.yMean, d.yStd = meanStd(d.trainY.Data())
	if cfg.ZScoreY {
		standardize(d.trainY.Data(), d.yMean, d.yStd)
		standardize(d.valY.Data(), d.yMean, d.yStd)
	}
	return d
}

func meanStd(data []float64) (mean, std float64) {
	var sum, sumSq float64
	for _, v := range data {
		sum += v
		sumSq += v * v
	}
	n := float64(len(data))
	mean = sum / n
	std = math.Sqrt(sumSq/n - mean*mean)
	return
}

func standardize(data []float64, mean, std float64) {
	for i, v := range data {
		data[i] = (v - mean) / (std + 1e-5)
	}
}

// TrainShape returns the training split's (samples, inDim).
func (d *Distributor) TrainShape() []int { return d.trainX.Dims() }

// ValShape returns the validation split's (samples, inDim).
func (d *Distributor) ValShape() []int { return d.valX.Dims() }

// YMean returns the training responses' mean (pre-standardization).
func (d *Distributor) YMean() float64 { return d.yMean }

// YStd returns the training responses' standard deviation.
func (d *Distributor) YStd() float64 { return d.yStd }

// NumBatches returns how many batches one training epoch serves at the
// given batch size.
func (d *Distributor) NumBatches(batchSize int) int {
	n := d.trainX.Dim(0) / batchSize
	if n == 0 {
		n = 1
	}
	return n
}

// TrainSample returns a restartable finite sequence of training batches.
// With Shuffle the sample order is re-drawn on every Reset.
func (d *Distributor) TrainSample(batchSize int) Dataset {
	return newBatches("train", d.trainX, d.trainY, batchSize, d.cfg.Shuffle, d.rng)
}

// ValSample returns the validation split in fixed-size steps.
func (d *Distributor) ValSample(stepSize int) Dataset {
	return newBatches("validation", d.valX, d.valY, stepSize, false, nil)
}

// batches serves (x, y) batches over a fixed split.
type batches struct {
	name      string
	x, y      *tensors.Tensor
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	order []int
	next  int
}

func newBatches(name string, x, y *tensors.Tensor, batchSize int, shuffle bool, rng *rand.Rand) *batches {
	if batchSize <= 0 || batchSize > x.Dim(0) {
		batchSize = x.Dim(0)
	}
	b := &batches{name: name, x: x, y: y, batchSize: batchSize, shuffle: shuffle, rng: rng}
	b.Reset()
	return b
}

func (b *batches) Name() string { return b.name }

func (b *batches) Reset() {
	n := b.x.Dim(0)
	if b.order == nil {
		b.order = make([]int, n)
		for i := range b.order {
			b.order[i] = i
		}
	}
	if b.shuffle {
		b.rng.Shuffle(n, func(i, j int) { b.order[i], b.order[j] = b.order[j], b.order[i] })
	}
	b.next = 0
}

func (b *batches) Yield() (x, y *tensors.Tensor, err error) {
	n := b.x.Dim(0)
	if b.next+b.batchSize > n {
		return nil, nil, io.EOF
	}
	x = tensors.New(b.batchSize, b.x.Dim(1))
	y = tensors.New(b.batchSize, b.y.Dim(1))
	for i := 0; i < b.batchSize; i++ {
		src := b.order[b.next+i]
		copy(x.Row(i), b.x.Row(src))
		copy(y.Row(i), b.y.Row(src))
	}
	b.next += b.batchSize
	return x, y, nil
}

// Loader builds the train and held-out test containers for a named
// dataset. A nil test container means the held-out split is unavailable;
// the run proceeds without test-set evaluation.
type Loader func(h hyper.Hyper) (train, test *Container, err error)

// KnownDatasets maps dataset names to loaders.
var KnownDatasets = map[string]Loader{
	"whitenoise": loadWhiteNoise,
}

// FromHyper loads the dataset named by the configuration. Unknown names
// fail with a ConfigurationError.
func FromHyper(h hyper.Hyper) (train, test *Container, err error) {
	name := hyper.GetOr(h, hyper.DatasetKey, "")
	loader, found := KnownDatasets[name]
	if !found {
		return nil, nil, hyper.ConfigErrorf("unknown dataset %q, valid values are %v",
			name, maps.Keys(KnownDatasets))
	}
	return loader(h)
}
