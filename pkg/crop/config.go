// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crop tracks crops through their growth stages and feeds
// stage-specific expectations back into the rest of the gateway: threshold
// overlays for the rule engine and variety profiles for the analytics engine.
package crop

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v3"
)

// Canonical stage names. Varieties pick an ordered subset; flowering and
// fruiting only apply to fruiting crops.
const (
	StageGermination  = "germination"
	StageSeedling     = "seedling"
	StageTransplant   = "transplant"
	StageVegetative   = "vegetative"
	StageFlowering    = "flowering"
	StageFruiting     = "fruiting"
	StageMaturity     = "maturity"
	StageHarvestReady = "harvest_ready"
)

//go:embed varieties.yaml
var defaultVarieties []byte

// Range bounds one sensor field during a stage. The optimal band is the
// agronomic sweet spot; crossing a critical bound raises an alert via the
// stage overlay.
type Range struct {
	OptimalMin  float64 `yaml:"optimal_min" json:"optimal_min"`
	OptimalMax  float64 `yaml:"optimal_max" json:"optimal_max"`
	CriticalMin float64 `yaml:"critical_min" json:"critical_min"`
	CriticalMax float64 `yaml:"critical_max" json:"critical_max"`
}

func (r Range) validate() error {
	if r.CriticalMin >= r.CriticalMax {
		return errors.New("critical band is empty")
	}
	if r.OptimalMin > r.OptimalMax {
		return errors.New("optimal band is inverted")
	}
	if r.OptimalMin < r.CriticalMin || r.OptimalMax > r.CriticalMax {
		return errors.New("optimal band exceeds the critical band")
	}
	return nil
}

// Stage is one growth phase of a variety.
type Stage struct {
	Name string `yaml:"name" json:"name"`
	// Expected is how long the stage usually lasts before the hourly sweep
	// advances the crop. Zero pins the stage until a manual advance.
	Expected model.Duration   `yaml:"expected" json:"expected"`
	Ranges   map[string]Range `yaml:"ranges,omitempty" json:"ranges,omitempty"`
}

// VPDBand is the target vapor-pressure-deficit window in kPa.
type VPDBand struct {
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
}

// Variety describes one crop variety: its light regime and the ordered
// stages it grows through.
type Variety struct {
	PhotoperiodHours float64 `yaml:"photoperiod_hours" json:"photoperiod_hours"`
	DLITarget        float64 `yaml:"dli_target" json:"dli_target"`
	LuxToPPFD        float64 `yaml:"lux_to_ppfd,omitempty" json:"lux_to_ppfd,omitempty"`
	VPDBand          VPDBand `yaml:"vpd_band" json:"vpd_band"`
	Stages           []Stage `yaml:"stages" json:"stages"`
}

// Stage returns the named stage of the variety.
func (v Variety) Stage(name string) (Stage, bool) {
	for _, st := range v.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

// NextStage returns the stage following the named one. The second return is
// false for the final stage and for unknown names.
func (v Variety) NextStage(name string) (Stage, bool) {
	for i, st := range v.Stages {
		if st.Name == name && i+1 < len(v.Stages) {
			return v.Stages[i+1], true
		}
	}
	return Stage{}, false
}

// Config is the variety catalog, keyed by variety name.
type Config struct {
	Varieties map[string]Variety `yaml:"varieties"`
}

// Variety returns the named variety.
func (c Config) Variety(name string) (Variety, bool) {
	v, ok := c.Varieties[name]
	return v, ok
}

// Names returns the variety names in order.
func (c Config) Names() []string {
	names := make([]string, 0, len(c.Varieties))
	for name := range c.Varieties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c Config) validate() error {
	if len(c.Varieties) == 0 {
		return errors.New("variety config: no varieties defined")
	}
	for _, name := range c.Names() {
		v := c.Varieties[name]
		if len(v.Stages) == 0 {
			return fmt.Errorf("variety %q: no stages", name)
		}
		seen := make(map[string]bool, len(v.Stages))
		for i, st := range v.Stages {
			if st.Name == "" {
				return fmt.Errorf("variety %q: stage %d has no name", name, i)
			}
			if seen[st.Name] {
				return fmt.Errorf("variety %q: duplicate stage %q", name, st.Name)
			}
			seen[st.Name] = true
			if st.Expected < 0 {
				return fmt.Errorf("variety %q: stage %q: negative expected duration", name, st.Name)
			}
			for field, rng := range st.Ranges {
				if err := rng.validate(); err != nil {
					return fmt.Errorf("variety %q: stage %q: field %q: %w", name, st.Name, field, err)
				}
			}
		}
	}
	return nil
}

// LoadConfig reads a variety catalog from the given YAML file. An empty path
// loads the built-in catalog.
func LoadConfig(path string) (Config, error) {
	raw := defaultVarieties
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read variety config: %w", err)
		}
		raw = b
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse variety config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
