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

// Package train implements the per-run training orchestration: the epoch
// loop with its train / validation / pruning / checkpoint phases, early
// stopping, and the sweep runner that drives one run per queued
// configuration.
package train

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/i-aji/deepretina/checkpoints"
	"github.com/i-aji/deepretina/data"
	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/nn"
	"github.com/i-aji/deepretina/prune"
	"github.com/i-aji/deepretina/tensors"
	"github.com/i-aji/deepretina/train/losses"
	"github.com/i-aji/deepretina/train/metrics"
	"github.com/i-aji/deepretina/train/optimizers"
)

// RunResult is the final summary of one run: the last fold's metrics and
// the accumulated zero mask.
type RunResult struct {
	SaveFolder string
	Loss       float64
	ValLoss    float64
	ValAcc     float64
	TestAcc    float64
	Mask       prune.ZeroMask
	Hyps       hyper.Hyper
}

// Fields returns the result as sorted "key:value" pairs, the format of one
// line in the sweep results file.
func (r *RunResult) Fields() []string {
	fields := []string{
		"loss:" + strconv.FormatFloat(r.Loss, 'g', 6, 64),
		"save_folder:" + r.SaveFolder,
		"test_acc:" + strconv.FormatFloat(r.TestAcc, 'g', 6, 64),
		"val_acc:" + strconv.FormatFloat(r.ValAcc, 'g', 6, 64),
		"val_loss:" + strconv.FormatFloat(r.ValLoss, 'g', 6, 64),
	}
	sort.Strings(fields)
	return fields
}

// Outcome is what one run produces: either a result or the reason it was
// skipped. Exactly one of the two is set.
type Outcome struct {
	Result     *RunResult
	SkipReason string
}

// Trainer drives single runs. The zero value logs to standard output with
// no progress bar.
type Trainer struct {
	// LogWriter receives the per-epoch stats blocks in addition to the
	// run's training_log.txt. Defaults to os.Stdout.
	LogWriter io.Writer

	// ProgressBar attaches a progress bar to each epoch's batch loop.
	ProgressBar bool
}

func (t *Trainer) out() io.Writer {
	if t.LogWriter != nil {
		return t.LogWriter
	}
	return os.Stdout
}

// Train runs one full training job from a configuration. Configuration
// errors (unknown model, loss, optimizer, scheduler or dataset names) are
// returned as errors and abort this run only. Index faults during the run
// are caught and reported as a skipped outcome rather than an error, so
// one malformed unit selection does not bring down a sweep.
func (t *Trainer) Train(h hyper.Hyper) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(runtime.Error); ok {
				klog.Errorf("run skipped by runtime fault: %v", r)
				outcome = Outcome{SkipReason: fmt.Sprint(r)}
				err = nil
				return
			}
			panic(r)
		}
	}()

	h = hyper.Resolve(h)
	if !h.Has(hyper.Seed) {
		h[hyper.Seed] = int(time.Now().Unix())
	}

	trainC, testC, err := data.FromHyper(h)
	if err != nil {
		return Outcome{}, err
	}
	if testC == nil {
		klog.Warning("held-out test split unavailable, test-set evaluation disabled")
	}
	h[hyper.NUnits] = trainC.NumUnits()
	h[hyper.InDim] = trainC.InDim()

	if err = enrichSavePaths(h); err != nil {
		return Outcome{}, err
	}
	// "exp_num" ties the seed to the run's experiment number, which only
	// exists once the save paths are resolved.
	if s, ok := h[hyper.Seed].(string); ok && s == "exp_num" {
		h[hyper.Seed] = hyper.GetOr(h, hyper.ExpNum, 0)
	}
	saveFolder := hyper.GetOr(h, hyper.SaveFolder, "")
	if err = dumpHyps(h, saveFolder); err != nil {
		return Outcome{}, err
	}

	runID := uuid.NewString()
	klog.Infof("run %s -> %s", runID, saveFolder)

	folds := []int{hyper.GetOr(h, hyper.CrossValIdx, 0)}
	if hyper.GetOr(h, hyper.CrossVal, false) {
		n := hyper.GetOr(h, hyper.NCVFolds, 10)
		folds = folds[:0]
		for i := 0; i < n; i++ {
			folds = append(folds, i)
		}
	}

	var result *RunResult
	for _, fold := range folds {
		result, err = t.trainFold(h, runID, fold, trainC, testC)
		if err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Result: result}, nil
}

// trainFold runs the epoch loop for one cross-validation fold and returns
// the fold's final metrics.
func (t *Trainer) trainFold(h hyper.Hyper, runID string, fold int, trainC, testC *data.Container) (*RunResult, error) {
	seed := int64(hyper.GetOr(h, hyper.Seed, 0))
	dist := data.NewDistributor(trainC, data.Config{
		BatchSize: hyper.GetOr(h, hyper.BatchSize, 512),
		Shuffle:   hyper.GetOr(h, hyper.Shuffle, true),
		Seed:      seed,
		FoldIdx:   fold,
		NFolds:    hyper.GetOr(h, hyper.NCVFolds, 10),
		ZScoreY:   hyper.GetOr(h, hyper.ZScoreY, false),
	})

	model, err := nn.FromHyper(h)
	if err != nil {
		return nil, err
	}
	lossFn, err := losses.FromHyper(h)
	if err != nil {
		return nil, err
	}
	optimizer, err := optimizers.FromHyper(h)
	if err != nil {
		return nil, err
	}
	schedule, err := optimizers.ScheduleFromHyper(h)
	if err != nil {
		return nil, err
	}

	loadedMask := prune.ZeroMask{}
	if startPt := hyper.GetOr(h, hyper.StartPt, ""); startPt != "" {
		loadedMask, err = warmStart(startPt, model, optimizer)
		if err != nil {
			return nil, err
		}
	}

	saveFolder := hyper.GetOr(h, hyper.SaveFolder, "")
	ckptDir := saveFolder
	if hyper.GetOr(h, hyper.CrossVal, false) {
		ckptDir = filepath.Join(saveFolder, fmt.Sprintf("fold%d", fold))
	}
	cfg := checkpoints.Build().Dir(ckptDir)
	if hyper.GetOr(h, hyper.SaveEveryEpoch, false) {
		cfg = cfg.KeepAll()
	}
	handler, err := cfg.Done()
	if err != nil {
		return nil, err
	}

	stopper := &EarlyStopping{
		Patience:  hyper.GetOr(h, hyper.EarlyStopping, 0),
		Tolerance: hyper.GetOr(h, hyper.EarlyStoppingTol, 0.01),
	}

	pruning := hyper.GetOr(h, hyper.Prune, false)
	var ctrl *prune.Controller
	if pruning {
		pm, ok := model.(prune.Model)
		if !ok {
			return nil, hyper.ConfigErrorf("model_type %q does not support pruning", model.Type())
		}
		ctrl = prune.NewController(pm, h)
		for _, layer := range loadedMask.Layers() {
			for _, ch := range loadedMask.Channels(layer) {
				ctrl.Mask().Add(layer, ch)
			}
		}
	}

	// Pre-training snapshots for the pruning rollback path.
	ogParams := nn.Snapshot(model.Params())
	ogOptim := optimizer.State()
	baseLR := hyper.GetOr(h, hyper.LearningRate, 1e-3)
	resetSD := hyper.GetOr(h, hyper.ResetSD, false)
	// Resetting to the base rate only means something when a scheduler can
	// have lowered it in the first place.
	resetLR := hyper.GetOr(h, hyper.ResetLR, false) && !optimizers.IsNull(schedule)
	pruneIntvl := hyper.GetOr(h, hyper.PruneIntvl, 0)
	l1 := hyper.GetOr(h, hyper.ActivityL1, 0.0)
	batchSize := hyper.GetOr(h, hyper.BatchSize, 512)
	valStep := hyper.GetOr(h, hyper.ValStepSize, 500)
	semantic := hyper.GetOr(h, hyper.Retinotopic, false)

	applyMask := func() {
		if ctrl != nil {
			ctrl.ApplyMask()
		} else if cl, ok := model.(nn.ChannelLayered); ok && loadedMask.Count() > 0 {
			loadedMask.Apply(cl, hyper.GetOr(h, hyper.ZeroBias, true))
		}
	}
	applyMask()

	logPath := filepath.Join(saveFolder, "training_log.txt")
	fullBudget := hyper.GetOr(h, hyper.NEpochs, 0)
	nEpochs := fullBudget
	if ctrl != nil && resetSD && pruneIntvl > 0 {
		// Under state-dict resets every retrain cycle is one pruning
		// interval long, including the initial one.
		nEpochs = pruneIntvl
	}
	// Ordinary training runs for the initial budget before the first
	// pruning evaluation; later evaluations follow every pruneIntvl epochs.
	warmup := nEpochs

	result := &RunResult{SaveFolder: saveFolder, Hyps: h, Mask: prune.ZeroMask{}}
	trainSample := dist.TrainSample(batchSize)
	valSample := dist.ValSample(valStep)

	for epoch := 0; epoch < nEpochs || (ctrl != nil && ctrl.Active()); epoch++ {
		start := time.Now()
		model.SetTraining(true)
		trainSample.Reset()

		bar := t.newBar(dist.NumBatches(batchSize), epoch)
		trainLoss, diverged := 0.0, false
		nBatches := 0
		for {
			x, y, yieldErr := trainSample.Yield()
			if yieldErr == io.EOF {
				break
			}
			preds := model.Forward(x)
			batchLoss := lossFn.Value(preds, y)
			grad := lossFn.Gradient(preds, y)
			if l1 > 0 {
				batchLoss += activityPenalty(preds, grad, l1)
			}
			for _, p := range model.Params() {
				p.ZeroGrad()
			}
			model.Backward(grad)
			if semantic {
				if sh, ok := model.(nn.SemanticHead); ok {
					batchLoss += sh.SemanticPenalty(
						hyper.GetOr(h, hyper.SemanticScale, 10.0),
						hyper.GetOr(h, hyper.SemanticL1, 0.0))
				}
			}
			optimizer.Step(model.Params())
			applyMask()

			trainLoss += batchLoss
			nBatches++
			if bar != nil {
				_ = bar.Add(1)
			}
			if !metrics.Finite(trainLoss) {
				klog.Warningf("fold %d epoch %d: training loss diverged at batch %d", fold, epoch, nBatches)
				diverged = true
				break
			}
		}
		if nBatches > 0 {
			trainLoss /= float64(nBatches)
		}

		model.SetTraining(false)
		valLoss, valAcc, valCors := t.validate(model, lossFn, valSample, l1)
		lrBefore := optimizer.LearningRate()
		schedule.Step(optimizer, valAcc)
		stop := stopper.Observe(valAcc)

		testCors := []float64(nil)
		testAcc := math.NaN()
		if testC != nil {
			if _, recurrent := model.(nn.Recurrent); !recurrent {
				preds := model.Forward(testC.X)
				testCors = metrics.PearsonR(preds, testC.Y)
				testAcc = metrics.Mean(testCors)
			}
		}

		if ctrl != nil && ctrl.Active() && pruneIntvl > 0 &&
			epoch >= warmup-1 && ((epoch-warmup)%pruneIntvl+pruneIntvl)%pruneIntvl == 0 {
			sample := intgSample(dist, hyper.GetOr(h, hyper.IntgBatchSize, 500))
			ctrl.Evaluate(sample, valAcc, lrBefore)
			switch {
			case resetSD:
				if err := nn.Restore(model.Params(), ogParams); err != nil {
					return nil, err
				}
				if err := optimizer.SetState(ogOptim); err != nil {
					return nil, err
				}
				stopper.Reset()
			case resetLR && ctrl.Neglected():
				optimizer.SetLearningRate(baseLR)
			default:
				optimizer.SetLearningRate(ctrl.PrevLR())
			}
			applyMask()
			if !ctrl.Active() {
				if resetSD {
					nEpochs = epoch + 1 + fullBudget
					stopper.Reset()
					klog.Infof("pruning done, retraining %d epochs under the final mask", fullBudget)
				}
				// The rollback snapshots are dead once pruning ends, so
				// stacked factors can be folded for transfer on both paths.
				prune.TransferCollapse(model)
			}
		}

		result.Loss = trainLoss
		result.ValLoss = valLoss
		result.ValAcc = valAcc
		result.TestAcc = testAcc
		if ctrl != nil {
			result.Mask = ctrl.FinalMask()
		} else {
			result.Mask = loadedMask
		}

		state := &checkpoints.State{
			ModelType: model.Type(),
			Hyps:      h,
			Epoch:     epoch,
			Fold:      fold,
			Loss:      checkpoints.Float(trainLoss),
			ValLoss:   checkpoints.Float(valLoss),
			ValAcc:    checkpoints.Float(valAcc),
			TestAcc:   checkpoints.Float(testAcc),
			LearnRte:  checkpoints.Float(optimizer.LearningRate()),
			NormMean:  []float64{trainC.Stats.Mean},
			NormStd:   []float64{trainC.Stats.Std},
			YMean:     []float64{dist.YMean()},
			YStd:      []float64{dist.YStd()},
			ZeroMask:  result.Mask,
		}
		if optimState, mErr := json.Marshal(optimizer.State()); mErr == nil {
			state.Optimizer = optimState
		}
		if err := handler.Save(state, model.Params()); err != nil {
			return nil, err
		}

		t.logEpoch(logPath, epochStats{
			runID:    runID,
			folder:   saveFolder,
			fold:     fold,
			epoch:    epoch,
			loss:     trainLoss,
			elapsed:  time.Since(start),
			valCors:  valCors,
			valAcc:   valAcc,
			valLoss:  valLoss,
			testCors: testCors,
			mask:     result.Mask,
			pruning:  ctrl != nil && ctrl.Active(),
		})
		memoryDiagnostic(epoch)

		if diverged || !metrics.Finite(valLoss) || stop {
			if stop {
				klog.Infof("fold %d: early stopping at epoch %d (val acc %.4f)", fold, epoch, valAcc)
			}
			break
		}
	}
	return result, nil
}

// validate runs the model over the validation split without training-mode
// caching beyond what backprop-free inference needs, accumulating the loss
// (plus the activity penalty) and the per-unit correlations over the whole
// split.
func (t *Trainer) validate(model nn.Model, lossFn losses.Loss, valSample data.Dataset, l1 float64) (valLoss, valAcc float64, cors []float64) {
	valSample.Reset()
	var allPreds, allTargets []*tensors.Tensor
	steps := 0
	for {
		x, y, err := valSample.Yield()
		if err == io.EOF {
			break
		}
		preds := model.Forward(x)
		valLoss += lossFn.Value(preds, y)
		if l1 > 0 {
			valLoss += activityPenalty(preds, nil, l1)
		}
		allPreds = append(allPreds, preds)
		allTargets = append(allTargets, y)
		steps++
	}
	if steps == 0 {
		return math.NaN(), 0, nil
	}
	valLoss /= float64(steps)
	preds := tensors.Concat(allPreds...)
	targets := tensors.Concat(allTargets...)
	cors = metrics.PearsonR(preds, targets)
	return valLoss, metrics.Mean(cors), cors
}

// activityPenalty returns l1 times the mean absolute activation and, when
// grad is non-nil, folds the penalty's gradient into it.
func activityPenalty(preds, grad *tensors.Tensor, l1 float64) float64 {
	data := preds.Data()
	n := float64(len(data))
	sum := 0.0
	for i, v := range data {
		sum += math.Abs(v)
		if grad != nil {
			if v > 0 {
				grad.Data()[i] += l1 / n
			} else if v < 0 {
				grad.Data()[i] -= l1 / n
			}
		}
	}
	return l1 * sum / n
}

// intgSample draws one batch of stimuli for attribution.
func intgSample(dist *data.Distributor, size int) *tensors.Tensor {
	sample := dist.TrainSample(size)
	x, _, err := sample.Yield()
	if err != nil {
		return nil
	}
	return x
}

// warmStart loads a starting checkpoint into the model and optimizer. The
// path may name a checkpoint base (files base+".json"/".bin") or a
// directory, in which case the newest checkpoint inside is used.
func warmStart(startPt string, model nn.Model, optimizer optimizers.Interface) (prune.ZeroMask, error) {
	var state *checkpoints.State
	var weights map[string][]float64
	var err error
	if fi, statErr := os.Stat(startPt); statErr == nil && fi.IsDir() {
		state, weights, err = checkpoints.LatestIn(startPt)
	} else {
		state, weights, err = checkpoints.LoadFrom(startPt)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading start checkpoint %q", startPt)
	}
	if state == nil {
		return nil, errors.Errorf("start checkpoint %q holds no checkpoints", startPt)
	}
	if err = checkpoints.RestoreParams(model.Params(), weights); err != nil {
		return nil, errors.Wrapf(err, "restoring weights from %q", startPt)
	}
	if len(state.Optimizer) > 0 {
		var optimState optimizers.State
		if err = json.Unmarshal(state.Optimizer, &optimState); err != nil {
			return nil, errors.Wrapf(err, "decoding optimizer state from %q", startPt)
		}
		if optimState.Name == optimizer.Name() {
			if err = optimizer.SetState(optimState); err != nil {
				return nil, err
			}
		} else {
			klog.Warningf("start checkpoint %q carries %q optimizer state, current optimizer is %q; state not restored",
				startPt, optimState.Name, optimizer.Name())
		}
	}
	mask := state.ZeroMask
	if mask == nil {
		mask = prune.ZeroMask{}
	}
	return mask, nil
}

// epochStats is one epoch's block in the per-run text log.
type epochStats struct {
	runID    string
	folder   string
	fold     int
	epoch    int
	loss     float64
	elapsed  time.Duration
	valCors  []float64
	valAcc   float64
	valLoss  float64
	testCors []float64
	mask     prune.ZeroMask
	pruning  bool
}

func (t *Trainer) logEpoch(logPath string, s epochStats) {
	var b strings.Builder
	fmt.Fprintf(&b, "Epoch %d (fold %d) -- %s -- run %s\n", s.epoch, s.fold, s.folder, s.runID)
	fmt.Fprintf(&b, "Train Loss: %.5f | Time: %.2fs\n", s.loss, s.elapsed.Seconds())
	fmt.Fprintf(&b, "Val Cors: %s\n", formatCors(s.valCors))
	fmt.Fprintf(&b, "Avg Val Cor: %.5f | Val Loss: %.5f\n", s.valAcc, s.valLoss)
	if s.testCors != nil {
		fmt.Fprintf(&b, "Test Cors: %s\n", formatCors(s.testCors))
		fmt.Fprintf(&b, "Avg Test Cor: %.5f\n", metrics.Mean(s.testCors))
	}
	if s.pruning || s.mask.Count() > 0 {
		fmt.Fprintf(&b, "Zeroed channels:\n%s", s.mask)
	}
	b.WriteString("\n")

	block := b.String()
	fmt.Fprint(t.out(), block)
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		klog.Warningf("cannot append to %s: %v", logPath, err)
		return
	}
	defer func() { _ = f.Close() }()
	if _, err = f.WriteString(block); err != nil {
		klog.Warningf("cannot append to %s: %v", logPath, err)
	}
}

func formatCors(cors []float64) string {
	parts := make([]string, len(cors))
	for i, c := range cors {
		parts[i] = strconv.FormatFloat(c, 'f', 4, 64)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// memoryDiagnostic forces a collection and logs resident memory once per
// epoch, at verbosity 1.
func memoryDiagnostic(epoch int) {
	if !klog.V(1).Enabled() {
		return
	}
	runtime.GC()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	klog.V(1).Infof("epoch %d memory: %s in use, %s from system",
		epoch, humanize.Bytes(m.HeapInuse), humanize.Bytes(m.Sys))
}

// enrichSavePaths resolves the run's experiment number and save folder and
// creates the folder. The experiment number is one past the largest one
// already present under save_root/exp_name, plus the configured offset.
func enrichSavePaths(h hyper.Hyper) error {
	root := hyper.GetOr(h, hyper.SaveRoot, ".")
	expName := hyper.GetOr(h, hyper.ExpName, "exp")
	expDir := filepath.Join(root, expName)
	if err := os.MkdirAll(expDir, 0770); err != nil {
		return errors.Wrapf(err, "creating experiment dir %q", expDir)
	}
	expNum := nextExpNum(expDir, expName) + hyper.GetOr(h, hyper.ExpNumOffset, 0)
	searchKeys := hyper.GetOr(h, hyper.SearchKeys, "")
	saveFolder := filepath.Join(expDir, fmt.Sprintf("%s_%d%s", expName, expNum, searchKeys))
	for {
		if _, err := os.Stat(saveFolder); os.IsNotExist(err) {
			break
		}
		expNum++
		saveFolder = filepath.Join(expDir, fmt.Sprintf("%s_%d%s", expName, expNum, searchKeys))
	}
	h[hyper.ExpNum] = expNum
	if err := os.MkdirAll(saveFolder, 0770); err != nil {
		return errors.Wrapf(err, "creating save folder %q", saveFolder)
	}
	h[hyper.SaveFolder] = saveFolder
	return nil
}

// nextExpNum scans existing run folders named expName_<n>... and returns
// the smallest unused number.
func nextExpNum(expDir, expName string) int {
	entries, err := os.ReadDir(expDir)
	if err != nil {
		return 0
	}
	maxNum := -1
	prefix := expName + "_"
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		rest := e.Name()[len(prefix):]
		if i := strings.IndexByte(rest, '_'); i >= 0 {
			rest = rest[:i]
		}
		if n, convErr := strconv.Atoi(rest); convErr == nil && n > maxNum {
			maxNum = n
		}
	}
	return maxNum + 1
}

// dumpHyps writes the resolved configuration into the run folder: a sorted
// human-readable hyperparams.txt and a hyperparams.json, with large
// array-valued options kept out of both.
func dumpHyps(h hyper.Hyper, saveFolder string) error {
	const maxListLen = 25
	small := make(hyper.Hyper, len(h))
	for k, v := range h {
		if s, ok := v.([]any); ok && len(s) > maxListLen {
			continue
		}
		small[k] = v
	}

	keys := make([]string, 0, len(small))
	for k := range small {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, small[k])
	}
	txtPath := filepath.Join(saveFolder, "hyperparams.txt")
	if err := os.WriteFile(txtPath, []byte(b.String()), 0664); err != nil {
		return errors.Wrapf(err, "writing %s", txtPath)
	}

	encoded, err := json.MarshalIndent(small, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding hyperparams")
	}
	jsonPath := filepath.Join(saveFolder, "hyperparams.json")
	if err = os.WriteFile(jsonPath, encoded, 0664); err != nil {
		return errors.Wrapf(err, "writing %s", jsonPath)
	}
	return nil
}
