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

// Package hyper holds the hyperparameter configuration of a training run and
// the machinery to expand a base configuration plus value ranges into a
// queue of concrete sweep points.
//
// A Hyper value is created once per sweep point by Expand, completed by
// Resolve with the default table, and then enriched by the training setup
// (resolved seed, save folder, input shape, unit count). Downstream
// components can assume every option they consume has a concrete value.
package hyper

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
)

// Hyper is the configuration of one run: a mapping of option name to value.
// Values are scalars, strings, or lists -- anything that survives a JSON
// round-trip, since the whole Hyper is persisted into every checkpoint.
type Hyper map[string]any

// Names of the options consumed by the orchestrator. Collected here so the
// default table, the checkpoints and the sweep engine agree on spelling.
const (
	ExpName    = "exp_name"
	SaveRoot   = "save_root"
	ModelType  = "model_type"
	DatasetKey = "dataset"
	Cells      = "cells"

	NEpochs      = "n_epochs"
	BatchSize    = "batch_size"
	ValStepSize  = "val_step_size"
	LearningRate = "lr"
	ActivityL1   = "l1"
	WeightDecay  = "l2"
	LossFxn      = "lossfxn"
	LogPoisson   = "log_poisson"
	Optimizer    = "optimizer"
	Shuffle      = "shuffle"
	ZScoreY      = "zscorey"
	Seed         = "seed"
	NRepeats     = "n_repeats"
	Repeat       = "repeat"
	StartPt      = "startpt"

	EarlyStopping    = "early_stopping"
	EarlyStoppingTol = "stop_tolerance"

	Scheduler           = "scheduler"
	SchedulerThresh     = "scheduler_thresh"
	SchedulerPatience   = "scheduler_patience"
	SchedulerScale      = "scheduler_scale"
	SchedulerMilestones = "scheduler_milestones"

	CrossVal    = "cross_val"
	CrossValIdx = "cross_val_idx"
	NCVFolds    = "n_cv_folds"

	Prune          = "prune"
	PruneLayers    = "prune_layers"
	PruneIntvl     = "prune_intvl"
	PruneTolerance = "prune_tolerance"
	MinPruneAcc    = "min_prune_acc"
	ResetSD        = "reset_sd"
	ResetLR        = "reset_lr"
	ZeroBias       = "zero_bias"
	AbsSum         = "abssum"
	AlphaSteps     = "alpha_steps"
	IntgBatchSize  = "intg_bsize"

	Retinotopic   = "retinotopic"
	SemanticScale = "semantic_scale"
	SemanticL1    = "semantic_l1"

	SaveEveryEpoch = "save_every_epoch"
	ExpNumOffset   = "exp_num_offset"

	// Enriched during run setup, never set by the user.
	ExpNum     = "exp_num"
	SaveFolder = "save_folder"
	SearchKeys = "search_keys"
	NUnits     = "n_units"
	InDim      = "in_dim"
)

// Clone returns a shallow copy of the configuration: slice values are
// copied one level deep so a clone can be mutated without touching the
// caller's base template.
func (h Hyper) Clone() Hyper {
	c := make(Hyper, len(h))
	for k, v := range h {
		if s, ok := v.([]any); ok {
			cp := make([]any, len(s))
			copy(cp, s)
			v = cp
		}
		c[k] = v
	}
	return c
}

// Has reports whether key is set to a non-nil value.
func (h Hyper) Has(key string) bool {
	v, found := h[key]
	return found && v != nil
}

// GetOr returns the value for key converted to T, or defaultValue if the key
// is unset or nil. Numeric values are converted across int/float kinds --
// JSON decoding turns every number into a float64, and checkpoint reloads
// must not change the observable type of an option. An impossible
// conversion panics: it is a programming error, not a configuration error.
func GetOr[T any](h Hyper, key string, defaultValue T) T {
	valueAny, found := h[key]
	if !found || valueAny == nil {
		return defaultValue
	}
	if value, ok := valueAny.(T); ok {
		return value
	}
	var t T
	typeOfT := reflect.TypeOf(t)
	v := reflect.ValueOf(valueAny)
	if typeOfT != nil && typeOfT.Kind() == reflect.Slice && v.Kind() == reflect.Slice {
		out := reflect.MakeSlice(typeOfT, v.Len(), v.Len())
		for i := 0; i < v.Len(); i++ {
			elem := reflect.ValueOf(v.Index(i).Interface())
			if !elem.CanConvert(typeOfT.Elem()) {
				exceptions.Panicf("hyper.GetOr[%T](%q): element %d (%T) cannot be converted",
					t, key, i, v.Index(i).Interface())
			}
			out.Index(i).Set(elem.Convert(typeOfT.Elem()))
		}
		return out.Interface().(T)
	}
	if typeOfT == nil || !v.CanConvert(typeOfT) {
		exceptions.Panicf("hyper.GetOr[%T](%q): value (%T) %#v cannot be converted to %T",
			t, key, valueAny, valueAny, t)
	}
	return v.Convert(typeOfT).Interface().(T)
}

// ConfigurationError reports an unusable configuration: an unregistered
// loss, scheduler, optimizer, model or dataset name. It aborts the single
// run that carries it; the sweep proceeds to the next job.
type ConfigurationError struct {
	msg string
}

func (e *ConfigurationError) Error() string { return e.msg }

// ConfigErrorf creates a ConfigurationError with a formatted message.
func ConfigErrorf(format string, args ...any) error {
	return &ConfigurationError{msg: fmt.Sprintf(format, args...)}
}
