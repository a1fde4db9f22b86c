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

package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/t0118430/technological-foods-sub000/pkg/notify"
	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

// Store errors callers branch on.
var (
	ErrNotFound = errors.New("rule not found")
	ErrExists   = errors.New("rule id already exists")
)

// DefaultRules seeds a fresh installation. Notification rules for the common
// failure modes are enabled; the automation rules ship disabled so a new
// deployment never drives hardware before someone reviewed the thresholds.
func DefaultRules() []Rule {
	target := func(v float64) *float64 { return &v }
	return []Rule{
		{
			ID: "notify_high_temp", Name: "High temperature", Enabled: true,
			Sensor: sensor.FieldTemperature, Condition: ConditionAbove, Threshold: 30, WarningMargin: 2,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical,
				Message: "Temperature too high", RecommendedAction: "Increase ventilation"},
		},
		{
			ID: "notify_low_temp", Name: "Low temperature", Enabled: true,
			Sensor: sensor.FieldTemperature, Condition: ConditionBelow, Threshold: 15, WarningMargin: 2,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning,
				Message: "Temperature too low", RecommendedAction: "Check the heater"},
		},
		{
			ID: "notify_high_humidity", Name: "High humidity", Enabled: true,
			Sensor: sensor.FieldHumidity, Condition: ConditionAbove, Threshold: 85, WarningMargin: 5,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning,
				Message: "Humidity too high", RecommendedAction: "Increase air circulation"},
		},
		{
			ID: "notify_low_humidity", Name: "Low humidity", Enabled: true,
			Sensor: sensor.FieldHumidity, Condition: ConditionBelow, Threshold: 40, WarningMargin: 5,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning,
				Message: "Humidity too low", RecommendedAction: "Check the foggers"},
		},
		{
			ID: "notify_low_ph", Name: "Solution too acidic", Enabled: true,
			Sensor: sensor.FieldPH, Condition: ConditionBelow, Threshold: 5.5, WarningMargin: 0.3,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical,
				Message: "Nutrient solution too acidic", RecommendedAction: "Dose pH up"},
		},
		{
			ID: "notify_high_ph", Name: "Solution too alkaline", Enabled: true,
			Sensor: sensor.FieldPH, Condition: ConditionAbove, Threshold: 7, WarningMargin: 0.5,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical,
				Message: "Nutrient solution too alkaline", RecommendedAction: "Dose pH down"},
		},
		{
			ID: "notify_low_ec", Name: "Nutrients depleted", Enabled: true,
			Sensor: sensor.FieldEC, Condition: ConditionBelow, Threshold: 1, WarningMargin: 0.2,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning,
				Message: "Nutrient concentration too low", RecommendedAction: "Add nutrient concentrate"},
		},
		{
			ID: "notify_high_ec", Name: "Nutrients too concentrated", Enabled: true,
			Sensor: sensor.FieldEC, Condition: ConditionAbove, Threshold: 2.8, WarningMargin: 0.3,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning,
				Message: "Nutrient concentration too high", RecommendedAction: "Dilute with fresh water"},
		},
		{
			ID: "notify_low_water", Name: "Reservoir low", Enabled: true,
			Sensor: sensor.FieldWaterLevel, Condition: ConditionBelow, Threshold: 20, WarningMargin: 10,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical,
				Message: "Water level low", RecommendedAction: "Refill the reservoir"},
		},
		{
			ID: "ac_cooling", Name: "Automatic cooling", Enabled: false,
			Sensor: sensor.FieldTemperature, Condition: ConditionAbove, Threshold: 30,
			Action: Action{Type: ActionAC, Command: ACCool, TargetTemp: target(24)},
		},
		{
			ID: "ac_heating", Name: "Automatic heating", Enabled: false,
			Sensor: sensor.FieldTemperature, Condition: ConditionBelow, Threshold: 15,
			Action: Action{Type: ActionAC, Command: ACHeat, TargetTemp: target(20)},
		},
		{
			ID: "led_high_temp", Name: "Warning LED on high temperature", Enabled: false,
			Sensor: sensor.FieldTemperature, Condition: ConditionAbove, Threshold: 30,
			Action: Action{Type: ActionArduino, Command: "led_on"},
		},
	}
}

// Store keeps the rule set in memory, backed by a JSON array file. Writes go
// through atomically (write to a temporary file, then rename), so a crash
// mid-save never leaves a truncated rules file behind.
type Store struct {
	logger log.Logger
	path   string

	mtx   sync.RWMutex
	rules []Rule
	index map[string]int

	reloadsTotal      prometheus.Counter
	reloadErrorsTotal prometheus.Counter
	ruleCount         prometheus.Gauge
}

// NewStore loads the rules file, seeding it with the default rule set when
// it does not exist yet.
func NewStore(logger log.Logger, reg prometheus.Registerer, path string) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Store{
		logger: logger,
		path:   path,
		index:  map[string]int{},
		reloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rules_reloads_total",
			Help: "Number of times the rules file was (re)loaded.",
		}),
		reloadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rules_reload_errors_total",
			Help: "Number of failed rules file loads.",
		}),
		ruleCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_rules",
			Help: "Number of configured rules.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.reloadsTotal, s.reloadErrorsTotal, s.ruleCount)
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		s.mtx.Lock()
		s.setLocked(DefaultRules())
		err := s.saveLocked()
		s.mtx.Unlock()
		if err != nil {
			return nil, fmt.Errorf("seed rules file: %w", err)
		}
		_ = level.Info(logger).Log("msg", "seeded default rules", "path", path, "rules", len(DefaultRules()))
		return s, nil
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the rules file. The current rule set stays untouched when
// the file is unreadable or invalid.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.reloadErrorsTotal.Inc()
		return fmt.Errorf("read rules file: %w", err)
	}
	var loaded []Rule
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.reloadErrorsTotal.Inc()
		return fmt.Errorf("parse rules file: %w", err)
	}
	seen := map[string]bool{}
	for _, r := range loaded {
		if err := r.Validate(); err != nil {
			s.reloadErrorsTotal.Inc()
			return err
		}
		if seen[r.ID] {
			s.reloadErrorsTotal.Inc()
			return fmt.Errorf("parse rules file: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}

	s.mtx.Lock()
	s.setLocked(loaded)
	s.mtx.Unlock()

	s.reloadsTotal.Inc()
	_ = level.Info(s.logger).Log("msg", "rules loaded", "path", s.path, "rules", len(loaded))
	return nil
}

func (s *Store) setLocked(rules []Rule) {
	s.rules = rules
	s.index = make(map[string]int, len(rules))
	for i, r := range rules {
		s.index[r.ID] = i
	}
	s.ruleCount.Set(float64(len(rules)))
}

// saveLocked writes the rule set to disk. Callers hold the write lock.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.rules, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create rules directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write rules file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}

// List returns a copy of all rules in file order.
func (s *Store) List() []Rule {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return append([]Rule(nil), s.rules...)
}

// Get returns the rule with the given id.
func (s *Store) Get(id string) (Rule, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return Rule{}, false
	}
	return s.rules[i], true
}

// Add validates and appends a new rule, then persists the set.
func (s *Store) Add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.index[r.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	s.setLocked(append(s.rules, r))
	return s.saveLocked()
}

// Update replaces the rule with the given id. The replacement may carry a
// new id as long as it does not collide with another rule.
func (s *Store) Update(id string, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if other, ok := s.index[r.ID]; ok && other != i {
		return fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	rules := append([]Rule(nil), s.rules...)
	rules[i] = r
	s.setLocked(rules)
	return s.saveLocked()
}

// Delete removes the rule with the given id and persists the set.
func (s *Store) Delete(id string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	i, ok := s.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.setLocked(append(append([]Rule(nil), s.rules[:i]...), s.rules[i+1:]...))
	return s.saveLocked()
}

// Watch reloads the store whenever the rules file changes on disk, until ctx
// is canceled. The parent directory is watched rather than the file itself,
// so editors and config tools that replace the file are picked up too.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				_ = level.Warn(s.logger).Log("msg", "rules file changed but reload failed, keeping previous rules", "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			_ = level.Warn(s.logger).Log("msg", "rules watcher error", "err", err)
		}
	}
}
