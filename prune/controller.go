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

package prune

import (
	"sort"

	"k8s.io/klog/v2"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/nn"
	"github.com/i-aji/deepretina/tensors"
)

// Model is the capability set the controller needs: forward/backward for
// attribution, channel zeroing, and parameter access for snapshots.
type Model interface {
	nn.Model
	nn.ChannelLayered
	nn.Attributable
}

// candidate is the channel zeroed at the last pruning step, still awaiting
// its verdict: it is committed to the mask only if validation accuracy
// holds up at the next evaluation. Keeping it pending preserves the mask's
// monotonic-growth invariant while allowing a bad prune to be undone.
type candidate struct {
	layer    string
	channel  int
	prevAcc  float64
	snapshot map[string][]float64
}

// Controller drives the pruning phase of one run: at every evaluation it
// first judges the previous candidate, then selects the currently
// least-contributing channel among the open layers and tentatively zeroes
// it. Layers whose next removal would drop validation accuracy below the
// floor are retired; the phase ends when no layer remains open.
type Controller struct {
	model Model

	mask ZeroMask
	open map[string]bool

	tolerance  float64
	minAcc     float64
	alphaSteps int
	absSum     bool
	zeroBias   bool

	pending   *candidate
	neglected bool
	prevLR    float64
}

// NewController builds a controller for the model from the pruning
// options. The prune_layers option restricts which layers are open; empty
// means every prunable layer except the last.
func NewController(model Model, h hyper.Hyper) *Controller {
	layers := hyper.GetOr(h, hyper.PruneLayers, []string{})
	if len(layers) == 0 {
		all := model.LayerNames()
		if len(all) > 1 {
			layers = all[:len(all)-1]
		} else {
			layers = all
		}
	}
	open := make(map[string]bool, len(layers))
	for _, l := range layers {
		open[l] = true
	}
	return &Controller{
		model:      model,
		mask:       NewMask(layers),
		open:       open,
		tolerance:  hyper.GetOr(h, hyper.PruneTolerance, 0.01),
		minAcc:     hyper.GetOr(h, hyper.MinPruneAcc, 0.0),
		alphaSteps: hyper.GetOr(h, hyper.AlphaSteps, 5),
		absSum:     hyper.GetOr(h, hyper.AbsSum, false),
		zeroBias:   hyper.GetOr(h, hyper.ZeroBias, true),
	}
}

// Mask returns the committed zero mask.
func (c *Controller) Mask() ZeroMask { return c.mask }

// Active reports whether the pruning phase is still running: some layer is
// open or a candidate still awaits its verdict.
func (c *Controller) Active() bool {
	return len(c.open) > 0 || c.pending != nil
}

// OpenLayers returns the currently open layer names sorted.
func (c *Controller) OpenLayers() []string {
	out := make([]string, 0, len(c.open))
	for l := range c.open {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Neglected reports whether the last evaluation rejected its candidate, so
// the validation accuracy the scheduler last saw does not reflect the
// restored model.
func (c *Controller) Neglected() bool { return c.neglected }

// PrevLR returns the learning rate in effect just before the last
// evaluation, the rate training continues with unless a reset applies.
func (c *Controller) PrevLR() float64 { return c.prevLR }

// Evaluate runs one pruning step: judge the pending candidate against the
// epoch's validation accuracy, then pick and tentatively zero the next
// least-important channel using integrated-gradient attribution over the
// given stimulus sample.
func (c *Controller) Evaluate(sample *tensors.Tensor, valAcc, lr float64) {
	c.prevLR = lr
	c.neglected = false

	if c.pending != nil {
		p := c.pending
		c.pending = nil
		if valAcc < p.prevAcc-c.tolerance || valAcc < c.minAcc {
			// The prune cost too much accuracy: restore the weights
			// from before the zeroing and retire the layer.
			if err := nn.Restore(c.model.Params(), p.snapshot); err != nil {
				klog.Warningf("pruning rollback of %s[%d] failed: %v", p.layer, p.channel, err)
			}
			delete(c.open, p.layer)
			c.neglected = true
			klog.Infof("pruning %s[%d] neglected (val acc %.4f, floor %.4f), layer retired",
				p.layer, p.channel, valAcc, p.prevAcc-c.tolerance)
		} else {
			c.mask.Add(p.layer, p.channel)
			klog.Infof("pruning %s[%d] committed (val acc %.4f)", p.layer, p.channel, valAcc)
		}
	}

	if len(c.open) == 0 {
		return
	}

	layer, channel, found := c.selectCandidate(sample)
	if !found {
		return
	}
	c.pending = &candidate{
		layer:    layer,
		channel:  channel,
		prevAcc:  valAcc,
		snapshot: nn.Snapshot(c.model.Params()),
	}
	c.model.ZeroChannel(layer, channel, c.zeroBias)
}

// selectCandidate ranks all unmasked channels of the open layers by the
// magnitude of their attribution and returns the overall weakest. Layers
// with no channel left are retired along the way.
func (c *Controller) selectCandidate(sample *tensors.Tensor) (layer string, channel int, found bool) {
	best := 0.0
	for _, l := range c.OpenLayers() {
		remaining := c.model.LayerChannels(l) - len(c.mask.Channels(l))
		if remaining <= 0 {
			delete(c.open, l)
			klog.Infof("layer %s fully pruned, retired", l)
			continue
		}
		importance := IntegratedGradient(c.model, sample, l, c.alphaSteps, c.absSum)
		for ch, imp := range importance {
			if c.mask.Has(l, ch) {
				continue
			}
			if !found || imp < best {
				layer, channel, best, found = l, ch, imp, true
			}
		}
	}
	return
}

// ApplyMask re-zeroes the committed mask plus any pending candidate on the
// model. Called after every optimizer step.
func (c *Controller) ApplyMask() {
	c.mask.Apply(c.model, c.zeroBias)
	if c.pending != nil {
		c.model.ZeroChannel(c.pending.layer, c.pending.channel, c.zeroBias)
	}
}

// FinalMask returns the mask including a still-pending candidate, for the
// end-of-run summary.
func (c *Controller) FinalMask() ZeroMask {
	m := c.mask.Clone()
	if c.pending != nil {
		m.Add(c.pending.layer, c.pending.channel)
	}
	return m
}
