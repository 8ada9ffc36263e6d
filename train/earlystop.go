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

package train

// EarlyStopping watches a higher-is-better validation metric across epochs
// and signals stop once it has failed to improve by at least Tolerance for
// Patience consecutive observations after the last improvement.
type EarlyStopping struct {
	// Patience is how many consecutive non-improving observations are
	// tolerated. Zero or negative disables the monitor.
	Patience int

	// Tolerance is the minimum improvement over the stored best that
	// resets the counter.
	Tolerance float64

	best    float64
	started bool
	count   int
}

// Observe feeds one epoch's metric and reports whether training should
// stop. The first observation only primes the stored value.
func (e *EarlyStopping) Observe(metric float64) (stop bool) {
	if e.Patience <= 0 {
		return false
	}
	if !e.started {
		e.best = metric
		e.started = true
		return false
	}
	if metric-e.best < e.Tolerance {
		e.count++
		return e.count >= e.Patience
	}
	e.best = metric
	e.count = 0
	return false
}

// Reset clears the monitor, as at the start of a fresh training phase.
func (e *EarlyStopping) Reset() {
	e.best = 0
	e.started = false
	e.count = 0
}
