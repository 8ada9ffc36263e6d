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
	"fmt"
	"path/filepath"
	"strings"
)

// Range is one swept option: an ordered list of candidate values for a key.
// The order of a Ranges slice fixes both the enumeration order of the sweep
// and the order of the segments in each search key, so the same inputs
// always produce the same queue.
type Range struct {
	Key    string
	Values []any
}

// Expand builds the sweep queue: one fully-resolved Hyper per element of
// the cartesian product of all ranges, in deterministic nested-loop order
// (the last range varies fastest).
//
// Each entry carries a search-key string concatenating "_key<value>" for
// every swept key in range order, used to disambiguate output folders.
// Entries are repeated NRepeats times; repeats share the search key but
// differ at minimum in seed.
func Expand(base Hyper, ranges []Range) []Hyper {
	for _, r := range ranges {
		if len(r.Values) == 0 {
			return nil
		}
	}
	var queue []Hyper
	idx := make([]int, len(ranges))
	for {
		point := base.Clone()
		for i, r := range ranges {
			point[r.Key] = r.Values[idx[i]]
		}
		point = Resolve(point)
		point[SearchKeys] = searchKey(point, ranges, idx)
		nRepeats := GetOr(point, NRepeats, 1)
		for rep := 0; rep < nRepeats; rep++ {
			entry := point.Clone()
			entry[Repeat] = rep
			if _, isName := entry[Seed].(string); rep > 0 && entry.Has(Seed) && !isName {
				entry[Seed] = GetOr(entry, Seed, 0) + rep
			}
			queue = append(queue, entry)
		}

		// Advance the odometer, last key fastest.
		i := len(ranges) - 1
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(ranges[i].Values) {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return queue
}

func searchKey(point Hyper, ranges []Range, idx []int) string {
	var b strings.Builder
	for i, r := range ranges {
		v := r.Values[idx[i]]
		s := fmt.Sprint(v)
		if r.Key == StartPt && v != nil {
			// A start checkpoint path is too unwieldy for a folder
			// name; the source run's folder carries its experiment
			// name and number.
			if strings.HasSuffix(s, ".json") || strings.HasSuffix(s, ".bin") {
				s = filepath.Dir(s)
			}
			s = filepath.Base(s)
		}
		b.WriteString("_")
		b.WriteString(r.Key)
		b.WriteString(s)
	}
	return b.String()
}
