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

// defaultTable lists the value every recognized option takes when unset.
// Pruning is disabled by default, the scheduler is plateau-based reduction,
// and cross-validation uses 10 folds.
var defaultTable = Hyper{
	ModelType:  "stacked",
	DatasetKey: "whitenoise",

	NEpochs:      50,
	BatchSize:    512,
	ValStepSize:  500,
	LearningRate: 1e-3,
	ActivityL1:   0.0,
	WeightDecay:  0.0,
	LossFxn:      "poisson",
	LogPoisson:   true,
	Optimizer:    "adam",
	Shuffle:      true,
	ZScoreY:      false,
	NRepeats:     1,

	EarlyStopping:    10,
	EarlyStoppingTol: 0.01,

	Scheduler:         "plateau",
	SchedulerThresh:   1e-2,
	SchedulerPatience: 10,
	SchedulerScale:    0.5,

	CrossVal:    false,
	CrossValIdx: 0,
	NCVFolds:    10,

	Prune:          false,
	PruneLayers:    []any{},
	PruneTolerance: 0.01,
	MinPruneAcc:    0.0,
	ResetSD:        false,
	ResetLR:        false,
	ZeroBias:       true,
	AbsSum:         false,
	AlphaSteps:     5,
	IntgBatchSize:  500,

	Retinotopic:   false,
	SemanticScale: 10.0,
	SemanticL1:    0.0,

	SaveEveryEpoch: false,
	SaveRoot:       ".",
	ExpName:        "exp",
}

// Resolve returns a copy of h where every option consumed by the
// orchestrator has a concrete value. The caller's map and the shared
// default table are never mutated; Resolve is applied once per sweep point
// and is idempotent.
//
// The pruning interval defaults to the epoch count, so a run that enables
// pruning without setting an interval prunes once per full training phase.
func Resolve(h Hyper) Hyper {
	r := h.Clone()
	for k, v := range defaultTable {
		if !r.Has(k) {
			if s, ok := v.([]any); ok {
				cp := make([]any, len(s))
				copy(cp, s)
				v = cp
			}
			r[k] = v
		}
	}
	if !r.Has(PruneIntvl) {
		r[PruneIntvl] = GetOr(r, NEpochs, 0)
	}
	return r
}
