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

// Package rules holds the configurable alerting and automation rules and the
// engine that evaluates them against each reading. A rule pairs a threshold
// predicate on one sensor field with an action: queueing a device command,
// driving the HVAC unit or raising a notification.
package rules

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/t0118430/technological-foods-sub000/pkg/notify"
)

// Predicate conditions.
const (
	ConditionAbove = "above"
	ConditionBelow = "below"
)

// Action types.
const (
	ActionArduino = "arduino"
	ActionAC      = "ac"
	ActionNotify  = "notify"
)

// HVAC commands carried by ac actions.
const (
	ACCool = "cool"
	ACHeat = "heat"
	ACOff  = "off"
)

// Action is the tagged variant a triggered rule executes. Type selects the
// meaning of the remaining fields.
type Action struct {
	Type string `json:"type" validate:"required,oneof=arduino ac notify"`
	// Command names the device command for arduino actions and the mode for
	// ac actions.
	Command string `json:"command,omitempty"`
	// TargetTemp accompanies ac cool/heat commands.
	TargetTemp *float64 `json:"target_temp,omitempty"`
	// Severity, Message and RecommendedAction shape notify actions.
	Severity          notify.Severity `json:"severity,omitempty"`
	Message           string          `json:"message,omitempty"`
	RecommendedAction string          `json:"recommended_action,omitempty"`
}

// Gate is an AND-condition on the external-context snapshot. A rule with a
// gate only fires while the named context value exists, is fresh and
// satisfies the condition.
type Gate struct {
	ContextKey string  `json:"context_field" validate:"required"`
	Condition  string  `json:"condition" validate:"required,oneof=above below"`
	Threshold  float64 `json:"threshold"`
}

func (g Gate) holds(v float64) bool {
	if g.Condition == ConditionAbove {
		return v > g.Threshold
	}
	return v < g.Threshold
}

// Rule binds a predicate on one sensor field to an action.
type Rule struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"name,omitempty"`
	Enabled bool   `json:"enabled"`
	// Sensor is the field the predicate reads, e.g. "temperature".
	Sensor    string  `json:"sensor" validate:"required"`
	Condition string  `json:"condition" validate:"required,oneof=above below"`
	Threshold float64 `json:"threshold"`
	// WarningMargin widens the threshold into a preventive band: values
	// within the margin on the safe side of the threshold raise a preventive
	// alert instead of the real action.
	WarningMargin float64 `json:"warning_margin,omitempty" validate:"gte=0"`
	// DurationSeconds delays firing until the predicate has held continuously
	// for this long. Zero fires on the first matching sample.
	DurationSeconds float64 `json:"duration,omitempty" validate:"gte=0"`
	ExternalGate    *Gate   `json:"external_gate,omitempty"`
	Action          Action  `json:"action"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the rule for CRUD. Beyond the struct tags it enforces the
// per-action-type field requirements.
func (r Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	switch r.Action.Type {
	case ActionArduino:
		if r.Action.Command == "" {
			return fmt.Errorf("invalid rule %q: arduino action requires a command", r.ID)
		}
	case ActionAC:
		switch r.Action.Command {
		case ACCool, ACHeat, ACOff:
		default:
			return fmt.Errorf("invalid rule %q: ac command must be cool, heat or off", r.ID)
		}
	case ActionNotify:
		if r.Action.Message == "" {
			return fmt.Errorf("invalid rule %q: notify action requires a message", r.ID)
		}
	}
	return nil
}

// band classifies a value against the rule's predicate.
type band int

const (
	bandNone band = iota
	bandPreventive
	bandCritical
)

// classify places a value into the rule's bands. The critical band is strict:
// a value exactly on the threshold never triggers the real action. For above
// rules the preventive band is [threshold-margin, threshold), for below rules
// it is [threshold, threshold+margin].
func (r Rule) classify(v float64) band {
	switch r.Condition {
	case ConditionAbove:
		if v > r.Threshold {
			return bandCritical
		}
		if r.WarningMargin > 0 && v >= r.Threshold-r.WarningMargin && v < r.Threshold {
			return bandPreventive
		}
	case ConditionBelow:
		if v < r.Threshold {
			return bandCritical
		}
		if r.WarningMargin > 0 && v >= r.Threshold && v <= r.Threshold+r.WarningMargin {
			return bandPreventive
		}
	}
	return bandNone
}

// dedupKey identifies the underlying condition of a firing, so a stage
// overlay rule and a static rule covering the same situation yield one
// action per evaluation. Device and HVAC actions deduplicate on their
// command, notifications on the observed field and direction.
func (r Rule) dedupKey() string {
	if r.Action.Type == ActionNotify {
		return strings.Join([]string{r.Action.Type, r.Sensor, r.Condition}, "\x00")
	}
	return r.Action.Type + "\x00" + r.Action.Command
}

// splitCommand turns an arduino action command like "led_on" into the queue
// name and value. Commands without a state suffix enqueue under their full
// name with value "on".
func splitCommand(cmd string) (name, value string) {
	if i := strings.LastIndex(cmd, "_"); i > 0 && i < len(cmd)-1 {
		return cmd[:i], cmd[i+1:]
	}
	return cmd, "on"
}
