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

// Package checkpoints implements checkpoint management for training runs:
// saving and loading of model weights, optimizer state and run metadata.
//
// The main object is the Handler, created by calling Build, followed by the
// various option setters and finally Config.Done. As the model trains, call
// Handler.Save at the end of each epoch to write a new checkpoint; older
// checkpoints beyond the configured Keep count are erased.
//
// Each checkpoint is a pair of files sharing a base name: a `.json` file
// with the metadata (hyperparameters, epoch, losses, zero mask, optimizer
// state and the layout of the weights) and a `.bin` file with the raw
// weight values, float64 little-endian, in the order the layout lists them.
package checkpoints

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/i-aji/deepretina/hyper"
	"github.com/i-aji/deepretina/nn"
	"github.com/i-aji/deepretina/prune"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// Float is a float64 that survives JSON round-trips even when non-finite:
// NaN and the infinities are encoded as strings, which encoding/json would
// otherwise reject.
type Float float64

// MarshalJSON implements json.Marshaler.
func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) {
		return []byte(`"NaN"`), nil
	}
	if math.IsInf(v, 1) {
		return []byte(`"+Inf"`), nil
	}
	if math.IsInf(v, -1) {
		return []byte(`"-Inf"`), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Float) UnmarshalJSON(data []byte) error {
	var v float64
	if err := json.Unmarshal(data, &v); err == nil {
		*f = Float(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.Wrapf(err, "cannot decode %q as a float", data)
	}
	switch s {
	case "NaN":
		*f = Float(math.NaN())
	case "+Inf", "Inf":
		*f = Float(math.Inf(1))
	case "-Inf":
		*f = Float(math.Inf(-1))
	default:
		return errors.Errorf("cannot decode %q as a float", s)
	}
	return nil
}

// ParamLayout describes one weight tensor stored in the `.bin` file: its
// name, shape, and offset/length in float64 elements.
type ParamLayout struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
	Pos        int    `json:"pos"`
	Length     int    `json:"length"`
}

// OptimizerState mirrors what the optimizers package serializes; kept as
// raw JSON here so the checkpoint does not depend on the optimizer type.
type OptimizerState = json.RawMessage

// State is everything a checkpoint records about a run at the end of an
// epoch. Weights live in the companion `.bin` file, the rest is the JSON.
type State struct {
	ModelType string      `json:"model_type"`
	Hyps      hyper.Hyper `json:"hyps,omitempty"`

	Epoch    int   `json:"epoch"`
	Fold     int   `json:"fold"`
	Loss     Float `json:"loss"`
	ValLoss  Float `json:"val_loss"`
	ValAcc   Float `json:"val_acc"`
	TestAcc  Float `json:"test_acc"`
	LearnRte Float `json:"lr"`

	NormMean []float64 `json:"norm_mean,omitempty"`
	NormStd  []float64 `json:"norm_std,omitempty"`
	YMean    []float64 `json:"y_mean,omitempty"`
	YStd     []float64 `json:"y_std,omitempty"`

	ZeroMask prune.ZeroMask `json:"zero_dict,omitempty"`

	Optimizer OptimizerState `json:"optim_state,omitempty"`

	Params []ParamLayout `json:"params"`
}

// Config for the checkpoints Handler to be created. This is created with
// Build() and configured with the various methods. Once finished, call
// Done() and it will output a Handler that saves and loads checkpoints.
type Config struct {
	err error

	dir  string
	keep int
}

// Build a configuration for a checkpoints.Handler. After configuring the
// Config object returned, call Done to get the Handler.
func Build() *Config {
	return &Config{keep: 1}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints, creating it
// if needed. Must be set before calling Done.
func (c *Config) Dir(dir string) *Config {
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint path %q exists but is not a directory", dir))
		return c
	}
	if err == nil {
		return c
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		c.setError(errors.Wrapf(err, "trying to create dir %q", dir))
	}
	return c
}

// Keep configures the number of checkpoints to keep. If set to -1 older
// checkpoints are never erased. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// KeepAll is shorthand for Keep(-1); used when every epoch must survive.
func (c *Config) KeepAll() *Config { return c.Keep(-1) }

// Done creates a Handler with the current configuration. It returns an
// error if the configuration is invalid or missing information.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.count = maxCountFromCheckpoints(list) + 1
	return h, nil
}

// Handler saves and loads run checkpoints under one directory. See package
// documentation for the file format.
type Handler struct {
	config *Config
	count  int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory this handler reads and writes.
func (h *Handler) Dir() string { return h.config.dir }

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
)

func (h *Handler) newBaseName(epoch int) string {
	return fmt.Sprintf("%sn%07d-epoch-%04d", baseNamePrefix, h.count, epoch)
}

// ListCheckpoints returns the base file names of the checkpoints in the
// directory in save order (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, baseNamePrefix) || !strings.HasSuffix(name, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, name[:len(name)-len(jsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

func maxCountFromCheckpoints(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		if id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Save writes the state plus the model's current weights as a new
// checkpoint, then erases checkpoints beyond the Keep count.
func (h *Handler) Save(state *State, params []*nn.Param) error {
	baseName := h.newBaseName(state.Epoch)
	h.count++

	binPath := filepath.Join(h.config.dir, baseName+varDataSuffix)
	binFile, err := os.Create(binPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, binPath)
	}
	state.Params = state.Params[:0]
	pos := 0
	for _, p := range params {
		values := p.Value.Data()
		if err = binary.Write(binFile, binary.LittleEndian, values); err != nil {
			_ = binFile.Close()
			return errors.Wrapf(err, "%s: failed to write %q to %s", h, p.Name, binPath)
		}
		state.Params = append(state.Params, ParamLayout{
			Name:       p.Name,
			Dimensions: p.Value.Dims(),
			Pos:        pos,
			Length:     len(values),
		})
		pos += len(values)
	}
	if err = binFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, binPath)
	}

	jsonPath := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	jsonFile, err := os.Create(jsonPath)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create checkpoint metadata file %s", h, jsonPath)
	}
	enc := json.NewEncoder(jsonFile)
	enc.SetIndent("", "  ")
	if err = enc.Encode(state); err != nil {
		_ = jsonFile.Close()
		return errors.Wrapf(err, "%s: failed to encode checkpoint metadata to %s", h, jsonPath)
	}
	if err = jsonFile.Close(); err != nil {
		return errors.Wrapf(err, "%s: failed to close checkpoint metadata file %s", h, jsonPath)
	}
	return h.enforceKeep()
}

func (h *Handler) enforceKeep() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return err
	}
	excess := len(list) - h.config.keep
	for _, baseName := range list[:max(excess, 0)] {
		for _, suffix := range []string{jsonNameSuffix, varDataSuffix} {
			p := filepath.Join(h.config.dir, baseName+suffix)
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s: failed to remove old checkpoint file %s", h, p)
			}
		}
	}
	return nil
}

// Load reads one checkpoint by base name, returning its state and the flat
// weight values keyed by parameter name.
func (h *Handler) Load(baseName string) (*State, map[string][]float64, error) {
	return LoadFrom(filepath.Join(h.config.dir, baseName))
}

// LoadLatest reads the most recent checkpoint in the directory. It returns
// nil state (and no error) when the directory holds no checkpoints.
func (h *Handler) LoadLatest() (*State, map[string][]float64, error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, nil, err
	}
	if len(list) == 0 {
		return nil, nil, nil
	}
	return h.Load(list[len(list)-1])
}

// LoadFrom reads the checkpoint whose files are basePath+".json" and
// basePath+".bin". Used directly when warm-starting from another run's
// saved model.
func LoadFrom(basePath string) (*State, map[string][]float64, error) {
	jsonPath := basePath + jsonNameSuffix
	jsonFile, err := os.Open(jsonPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open checkpoint metadata file %s", jsonPath)
	}
	var state State
	dec := json.NewDecoder(jsonFile)
	if err = dec.Decode(&state); err != nil {
		_ = jsonFile.Close()
		return nil, nil, errors.Wrapf(err, "failed to decode checkpoint metadata file %s", jsonPath)
	}
	if err = jsonFile.Close(); err != nil {
		return nil, nil, errors.Wrapf(err, "failed to close checkpoint metadata file %s", jsonPath)
	}

	binPath := basePath + varDataSuffix
	binFile, err := os.Open(binPath)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open checkpoint data file %s", binPath)
	}
	defer func() { _ = binFile.Close() }()

	weights := make(map[string][]float64, len(state.Params))
	for _, layout := range state.Params {
		values := make([]float64, layout.Length)
		if err = binary.Read(binFile, binary.LittleEndian, values); err != nil {
			return nil, nil, errors.Wrapf(err,
				"failed to read %q (%d values at %d) from checkpoint data file %s",
				layout.Name, layout.Length, layout.Pos, binPath)
		}
		weights[layout.Name] = values
	}
	return &state, weights, nil
}

// LatestIn lists the checkpoints under dir and loads the newest one;
// convenience for warm starts pointed at a directory rather than a file.
func LatestIn(dir string) (*State, map[string][]float64, error) {
	h, err := Build().Dir(dir).Done()
	if err != nil {
		return nil, nil, err
	}
	return h.LoadLatest()
}

// RestoreParams copies loaded weight values into matching parameters.
// Parameters with no stored value are left untouched; a size mismatch is
// an error.
func RestoreParams(params []*nn.Param, weights map[string][]float64) error {
	for _, p := range params {
		values, ok := weights[p.Name]
		if !ok {
			continue
		}
		dst := p.Value.Data()
		if len(dst) != len(values) {
			return errors.Errorf("stored weights for %q hold %d values, parameter wants %d",
				p.Name, len(values), len(dst))
		}
		copy(dst, values)
	}
	return nil
}
