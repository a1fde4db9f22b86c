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

package crop

import (
	"fmt"
	"sort"

	"github.com/t0118430/technological-foods-sub000/pkg/analytics"
	"github.com/t0118430/technological-foods-sub000/pkg/notify"
	"github.com/t0118430/technological-foods-sub000/pkg/rules"
)

// RulesFor synthesizes the stage overlay for a zone: an above/below rule pair
// per configured range of the active crop's current stage. Overlay rules are
// namespaced stage:<crop>:<field>:<bound>, raise warnings only and never
// drive automation; the engine deduplicates them against static rules
// covering the same condition.
func (s *Service) RulesFor(sensorID string) []rules.Rule {
	c, ok := s.activeByZone(sensorID)
	if !ok {
		return nil
	}
	v, ok := s.cfg.Variety(c.Variety)
	if !ok {
		return nil
	}
	st, ok := v.Stage(c.CurrentStage)
	if !ok {
		return nil
	}

	fields := make([]string, 0, len(st.Ranges))
	for field := range st.Ranges {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	out := make([]rules.Rule, 0, 2*len(fields))
	for _, field := range fields {
		rng := st.Ranges[field]
		out = append(out,
			overlayRule(c, st.Name, field, "max", rng),
			overlayRule(c, st.Name, field, "min", rng),
		)
	}
	return out
}

func overlayRule(c Crop, stage, field, bound string, rng Range) rules.Rule {
	r := rules.Rule{
		ID:      fmt.Sprintf("stage:%s:%s:%s", c.ID, field, bound),
		Name:    fmt.Sprintf("%s %s %s bound (%s)", c.Variety, stage, field, bound),
		Enabled: true,
		Sensor:  field,
		Action: rules.Action{
			Type:     rules.ActionNotify,
			Severity: notify.SeverityWarning,
		},
	}
	switch bound {
	case "max":
		r.Condition = rules.ConditionAbove
		r.Threshold = rng.CriticalMax
		r.WarningMargin = rng.CriticalMax - rng.OptimalMax
		r.Action.Message = fmt.Sprintf("%s above the %s range for %s", field, stage, c.Variety)
		r.Action.RecommendedAction = fmt.Sprintf("Bring %s back below %.1f", field, rng.CriticalMax)
	case "min":
		r.Condition = rules.ConditionBelow
		r.Threshold = rng.CriticalMin
		r.WarningMargin = rng.OptimalMin - rng.CriticalMin
		r.Action.Message = fmt.Sprintf("%s below the %s range for %s", field, stage, c.Variety)
		r.Action.RecommendedAction = fmt.Sprintf("Bring %s back above %.1f", field, rng.CriticalMin)
	}
	if r.WarningMargin < 0 {
		r.WarningMargin = 0
	}
	return r
}

// Profile adapts the active crop's variety for the analytics engine. Zones
// without an active crop get the zero profile; the engine substitutes its
// defaults.
func (s *Service) Profile(sensorID string) analytics.Profile {
	c, ok := s.activeByZone(sensorID)
	if !ok {
		return analytics.Profile{}
	}
	v, ok := s.cfg.Variety(c.Variety)
	if !ok {
		return analytics.Profile{}
	}
	return analytics.Profile{
		VPDLow:           v.VPDBand.Low,
		VPDHigh:          v.VPDBand.High,
		PhotoperiodHours: v.PhotoperiodHours,
		DLITarget:        v.DLITarget,
		LuxToPPFD:        v.LuxToPPFD,
	}
}

func (s *Service) activeByZone(zone string) (Crop, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, c := range s.crops {
		if c.Status == StatusActive && c.Zone == zone {
			return *c, true
		}
	}
	return Crop{}, false
}
