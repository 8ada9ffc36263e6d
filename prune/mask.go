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

// Package prune implements attribution-guided structured pruning: a
// persistent per-layer mask of permanently zeroed channels, integrated
// gradient channel attribution, and the controller that grows the mask
// while managing the learning-rate consequences of each pruning step.
package prune

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/i-aji/deepretina/nn"
)

// ZeroMask records which channels of which layers are permanently zeroed.
// Within a run the mask only grows: once a channel is added it is never
// removed.
type ZeroMask map[string]map[int]bool

// NewMask creates an empty mask sized for the given layers. A layer
// appears in the mask only once one of its channels is added.
func NewMask(layers []string) ZeroMask {
	return make(ZeroMask, len(layers))
}

// Add marks a channel as zeroed.
func (m ZeroMask) Add(layer string, channel int) {
	set, found := m[layer]
	if !found {
		set = make(map[int]bool)
		m[layer] = set
	}
	set[channel] = true
}

// Has reports whether the channel is masked.
func (m ZeroMask) Has(layer string, channel int) bool {
	return m[layer][channel]
}

// Count returns the total number of masked channels.
func (m ZeroMask) Count() int {
	var n int
	for _, set := range m {
		n += len(set)
	}
	return n
}

// Channels returns the masked channels of a layer in ascending order.
func (m ZeroMask) Channels(layer string) []int {
	set := m[layer]
	out := make([]int, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

// Layers returns the mask's layer names sorted.
func (m ZeroMask) Layers() []string {
	out := make([]string, 0, len(m))
	for l := range m {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Clone deep-copies the mask.
func (m ZeroMask) Clone() ZeroMask {
	c := make(ZeroMask, len(m))
	for l, set := range m {
		cs := make(map[int]bool, len(set))
		for ch := range set {
			cs[ch] = true
		}
		c[l] = cs
	}
	return c
}

// Contains reports whether every entry of o is also in m.
func (m ZeroMask) Contains(o ZeroMask) bool {
	for l, set := range o {
		for ch := range set {
			if !m.Has(l, ch) {
				return false
			}
		}
	}
	return true
}

// Apply zeroes every masked channel on the model. Idempotent; called after
// every optimizer step so updates can never resurrect a pruned channel.
func (m ZeroMask) Apply(model nn.ChannelLayered, zeroBias bool) {
	for _, layer := range m.Layers() {
		for ch := range m[layer] {
			model.ZeroChannel(layer, ch, zeroBias)
		}
	}
}

// String renders the mask sorted by layer then channel, the format used in
// the per-run text log.
func (m ZeroMask) String() string {
	var b strings.Builder
	for _, layer := range m.Layers() {
		chans := m.Channels(layer)
		strs := make([]string, len(chans))
		for i, ch := range chans {
			strs[i] = fmt.Sprint(ch)
		}
		fmt.Fprintf(&b, "%s: %s\n", layer, strings.Join(strs, ","))
	}
	return b.String()
}

// MarshalJSON encodes the mask as sorted channel lists per layer.
func (m ZeroMask) MarshalJSON() ([]byte, error) {
	out := make(map[string][]int, len(m))
	for l := range m {
		out[l] = m.Channels(l)
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the channel-list encoding.
func (m *ZeroMask) UnmarshalJSON(data []byte) error {
	var in map[string][]int
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	mask := make(ZeroMask, len(in))
	for l, chans := range in {
		set := make(map[int]bool, len(chans))
		for _, ch := range chans {
			set[ch] = true
		}
		mask[l] = set
	}
	*m = mask
	return nil
}
