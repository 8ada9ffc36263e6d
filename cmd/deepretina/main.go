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

// deepretina runs a hyperparameter sweep of neural-response regression
// trainings from a JSON configuration.
//
// Usage:
//
//	deepretina -hyps hyps.json [-ranges ranges.json] [-progress]
//
// hyps.json holds the base configuration (option name -> value); the
// optional ranges.json is an ordered array of {"key": ..., "values": [...]}
// objects defining the swept options. Without ranges a single run is
// trained.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/train"
)

var (
	flagHyps     = flag.String("hyps", "", "JSON file with the base configuration. Required.")
	flagRanges   = flag.String("ranges", "", "JSON file with the swept option ranges. Optional.")
	flagProgress = flag.Bool("progress", false, "Show a progress bar per training epoch.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagHyps == "" {
		fmt.Fprintln(os.Stderr, "missing required flag -hyps, see -help")
		os.Exit(1)
	}

	base := loadHyps(*flagHyps)
	var ranges []hyper.Range
	if *flagRanges != "" {
		ranges = loadRanges(*flagRanges)
	}

	trainer := &train.Trainer{ProgressBar: *flagProgress}
	err := exceptions.TryCatch[error](func() {
		results := must.M1(trainer.HyperSearch(base, ranges))
		fmt.Printf("%d runs completed\n", len(results))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

func loadHyps(path string) hyper.Hyper {
	contents := must.M1(os.ReadFile(path))
	var h hyper.Hyper
	must.M(json.Unmarshal(contents, &h))
	return h
}

func loadRanges(path string) []hyper.Range {
	contents := must.M1(os.ReadFile(path))
	var raw []struct {
		Key    string `json:"key"`
		Values []any  `json:"values"`
	}
	must.M(json.Unmarshal(contents, &raw))
	ranges := make([]hyper.Range, len(raw))
	for i, r := range raw {
		ranges[i] = hyper.Range{Key: r.Key, Values: r.Values}
	}
	return ranges
}
