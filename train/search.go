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

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/i-aji/deepretina/hyper"
)

// HyperSearch expands the base configuration over the given ranges and
// trains every sweep point in order, one at a time. Each completed run
// appends one line of sorted key:value pairs to results.txt under the
// experiment folder; skipped runs are logged but not written. A run that
// fails its configuration aborts only itself.
//
// The returned results hold one entry per completed run, in sweep order.
func (t *Trainer) HyperSearch(base hyper.Hyper, ranges []hyper.Range) ([]*RunResult, error) {
	queue := hyper.Expand(base, ranges)
	if len(queue) == 0 {
		return nil, errors.New("empty sweep: no configurations to run")
	}

	resultsPath, err := openResults(base, ranges)
	if err != nil {
		return nil, err
	}
	klog.Infof("sweep of %d configurations, results -> %s", len(queue), resultsPath)

	var results []*RunResult
	for i, h := range queue {
		klog.Infof("sweep job %d/%d: %s", i+1, len(queue), hyper.GetOr(h, hyper.SearchKeys, ""))
		outcome, err := t.Train(h)
		if err != nil {
			var cfgErr *hyper.ConfigurationError
			if errors.As(err, &cfgErr) {
				klog.Errorf("sweep job %d/%d unusable configuration: %v", i+1, len(queue), err)
				continue
			}
			return results, errors.Wrapf(err, "sweep job %d/%d", i+1, len(queue))
		}
		if outcome.Result == nil {
			fmt.Fprintf(t.out(), "skipped %s: %s\n",
				hyper.GetOr(h, hyper.SearchKeys, ""), outcome.SkipReason)
			continue
		}
		if err := appendResult(resultsPath, outcome.Result); err != nil {
			return results, err
		}
		results = append(results, outcome.Result)
	}
	return results, nil
}

// openResults creates (or reopens) the sweep's results file and writes its
// header block: the experiment name, the swept keys, and the base
// configuration the sweep varies around.
func openResults(base hyper.Hyper, ranges []hyper.Range) (string, error) {
	root := hyper.GetOr(base, hyper.SaveRoot, ".")
	expName := hyper.GetOr(base, hyper.ExpName, "exp")
	expDir := filepath.Join(root, expName)
	if err := os.MkdirAll(expDir, 0770); err != nil {
		return "", errors.Wrapf(err, "creating experiment dir %q", expDir)
	}
	path := filepath.Join(expDir, "results.txt")

	keys := make([]string, len(ranges))
	for i, r := range ranges {
		keys[i] = r.Key
	}
	var b strings.Builder
	fmt.Fprintf(&b, "=== %s %s | swept: %s ===\n",
		expName, time.Now().Format("2006-01-02 15:04:05"), strings.Join(keys, ", "))
	baseKeys := make([]string, 0, len(base))
	for k := range base {
		baseKeys = append(baseKeys, k)
	}
	sort.Strings(baseKeys)
	for _, k := range baseKeys {
		fmt.Fprintf(&b, "%s: %v\n", k, base[k])
	}
	b.WriteString("\n")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return "", errors.Wrapf(err, "opening results file %q", path)
	}
	defer func() { _ = f.Close() }()
	if _, err = f.WriteString(b.String()); err != nil {
		return "", errors.Wrapf(err, "writing results header to %q", path)
	}
	return path, nil
}

func appendResult(path string, r *RunResult) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		return errors.Wrapf(err, "opening results file %q", path)
	}
	defer func() { _ = f.Close() }()
	line := strings.Join(r.Fields(), " ") + "\n"
	if _, err = f.WriteString(line); err != nil {
		return errors.Wrapf(err, "appending to results file %q", path)
	}
	return nil
}
