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

package optimizers

// This file implements learning rate schedules driven by the per-epoch
// validation metric (mean correlation, higher is better).

import (
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/i-aji/deepretina/hyper"
)

// Schedule adjusts an optimizer's learning rate once per epoch, given the
// epoch's validation metric.
type Schedule interface {
	Name() string
	Step(opt Interface, metric float64)
}

// KnownSchedules maps schedule names to their constructors.
var KnownSchedules = map[string]func(h hyper.Hyper) Schedule{
	"plateau": func(h hyper.Hyper) Schedule {
		return &Plateau{
			Factor:    hyper.GetOr(h, hyper.SchedulerScale, 0.5),
			Patience:  hyper.GetOr(h, hyper.SchedulerPatience, 10),
			Threshold: hyper.GetOr(h, hyper.SchedulerThresh, 1e-2),
		}
	},
	"milestones": func(h hyper.Hyper) Schedule {
		return &Milestones{
			Epochs: hyper.GetOr(h, hyper.SchedulerMilestones, []int{10, 20, 30}),
			Gamma:  0.1,
		}
	},
	"none": func(h hyper.Hyper) Schedule { return Null{} },
}

// ScheduleFromHyper builds the schedule named by the scheduler option.
// Unknown names fail with a ConfigurationError.
func ScheduleFromHyper(h hyper.Hyper) (Schedule, error) {
	name := hyper.GetOr(h, hyper.Scheduler, "plateau")
	builder, found := KnownSchedules[name]
	if !found {
		return nil, hyper.ConfigErrorf("unknown scheduler %q, valid values are %v",
			name, maps.Keys(KnownSchedules))
	}
	return builder(h), nil
}

// IsNull reports whether the schedule never changes the learning rate.
// The learning-rate reset policy around pruning only applies when a real
// schedule may have moved the rate.
func IsNull(s Schedule) bool {
	_, ok := s.(Null)
	return ok
}

// Plateau reduces the learning rate by Factor once the metric fails to
// improve on its best value by more than Threshold for Patience consecutive
// epochs.
type Plateau struct {
	Factor    float64
	Patience  int
	Threshold float64

	best    float64
	started bool
	wait    int
}

func (p *Plateau) Name() string { return "plateau" }

func (p *Plateau) Step(opt Interface, metric float64) {
	if !p.started {
		p.started = true
		p.best = metric
		return
	}
	if metric > p.best+p.Threshold {
		p.best = metric
		p.wait = 0
		return
	}
	p.wait++
	if p.wait >= p.Patience {
		lr := opt.LearningRate() * p.Factor
		klog.Infof("plateau schedule: metric %.5f stalled for %d epochs, reducing lr to %.3e",
			metric, p.wait, lr)
		opt.SetLearningRate(lr)
		p.wait = 0
	}
}

// Milestones decays the learning rate by Gamma at the configured epochs.
type Milestones struct {
	Epochs []int
	Gamma  float64

	epoch int
}

func (m *Milestones) Name() string { return "milestones" }

func (m *Milestones) Step(opt Interface, metric float64) {
	m.epoch++
	for _, milestone := range m.Epochs {
		if m.epoch == milestone {
			opt.SetLearningRate(opt.LearningRate() * m.Gamma)
			return
		}
	}
}

// Null is the no-op schedule.
type Null struct{}

func (Null) Name() string                { return "none" }
func (Null) Step(_ Interface, _ float64) {}
