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
	"k8s.io/klog/v2"

	"github.com/i-aji/deepretina/nn"
)

// Collapsible is implemented by models whose factorized layers can be
// folded into plain dense layers once their structure is final.
type Collapsible interface {
	Collapse() error
}

// TransferCollapse folds the model's factorized layers after pruning has
// finished, so the continuation trains on the simpler dense form. A layer
// whose factors no longer compose (for example after shape-changing edits)
// is left as-is and the mismatch is logged; training proceeds with the
// uncollapsed layer rather than aborting the run.
func TransferCollapse(model nn.Model) {
	c, ok := model.(Collapsible)
	if !ok {
		return
	}
	if err := c.Collapse(); err != nil {
		klog.Warningf("post-pruning collapse inconsistency: %v", err)
	}
}
