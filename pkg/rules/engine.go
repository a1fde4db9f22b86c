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
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/t0118430/technological-foods-sub000/pkg/notify"
)

// RuleSource supplies the static rule set, typically a Store.
type RuleSource interface {
	List() []Rule
}

// ContextReader resolves external-context values for gate evaluation. Stale
// entries read as absent.
type ContextReader interface {
	FreshValue(key string) (float64, bool)
}

// Notifier dispatches alerts, typically the notify.Dispatcher.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (notify.Alert, bool)
}

// CommandQueue accepts device commands, typically the command.Queue.
type CommandQueue interface {
	Enqueue(deviceID, name, value string)
}

// ACController executes HVAC intents, typically the hvac.Driver.
type ACController interface {
	Apply(ctx context.Context, mode string, targetTemp *float64) error
}

// EvalContext is everything one evaluation pass reads. Values holds the
// reading merged with derived features; Snapshot holds only the raw reading
// for alert payloads. Overlay carries the stage-specific rules of the active
// crop, evaluated after the static rules.
type EvalContext struct {
	SensorID string
	Time     time.Time
	Values   map[string]float64
	Snapshot map[string]float64
	Overlay  []Rule
}

// Triggered identifies one rule firing within an evaluation.
type Triggered struct {
	RuleID     string `json:"rule_id"`
	Preventive bool   `json:"preventive"`
}

// evalErrorLogInterval rate-limits repeated evaluation failures of the same
// rule, e.g. a rule referencing a field the device never reports.
const evalErrorLogInterval = time.Hour

// Engine evaluates the static rules and any overlay rules against a context
// and executes the actions of the rules that fire.
type Engine struct {
	logger   log.Logger
	source   RuleSource
	external ContextReader
	notifier Notifier
	commands CommandQueue
	ac       ACController
	now      func() time.Time

	mtx sync.Mutex
	// First time the predicate held, per rule with a duration.
	armedSince map[string]time.Time
	// Last time an evaluation failure was logged, per rule.
	errLogged map[string]time.Time

	rulesEvaluated prometheus.Counter
	rulesFired     *prometheus.CounterVec
	evalErrors     prometheus.Counter
}

// NewEngine builds an engine over the given collaborators. external,
// notifier, commands and ac may each be nil; rules needing an absent
// collaborator are skipped with a rate-limited log.
func NewEngine(logger log.Logger, reg prometheus.Registerer, source RuleSource, external ContextReader, notifier Notifier, commands CommandQueue, ac ACController) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Engine{
		logger:     logger,
		source:     source,
		external:   external,
		notifier:   notifier,
		commands:   commands,
		ac:         ac,
		now:        time.Now,
		armedSince: map[string]time.Time{},
		errLogged:  map[string]time.Time{},
		rulesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rules_evaluated_total",
			Help: "Number of rule evaluations.",
		}),
		rulesFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rules_fired_total",
			Help: "Number of rule firings by band.",
		}, []string{"band"}),
		evalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_rule_eval_errors_total",
			Help: "Number of rule evaluations skipped due to errors.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.rulesEvaluated, e.rulesFired, e.evalErrors)
	}
	return e
}

// firing is one rule whose predicate held, pending dedup and execution.
type firing struct {
	rule       Rule
	value      float64
	preventive bool
}

// Evaluate runs every enabled rule against the context and returns the ones
// that fired. Static rules run before overlay rules; within one pass,
// firings covering the same underlying condition collapse into the first,
// except that a critical firing displaces an earlier preventive one. A
// failing rule never aborts the remaining ones.
func (e *Engine) Evaluate(ctx context.Context, ec EvalContext) []Triggered {
	if ec.Time.IsZero() {
		ec.Time = e.now()
	}
	all := e.source.List()
	all = append(all, ec.Overlay...)
	gates := e.resolveGates(all)

	byKey := make(map[string]int)
	var firings []firing
	for _, r := range all {
		if !r.Enabled {
			continue
		}
		e.rulesEvaluated.Inc()

		f, fired := e.evalRule(r, ec, gates)
		if !fired {
			continue
		}
		key := r.dedupKey()
		if i, dup := byKey[key]; dup {
			// A warning about approaching a limit must not mask that another
			// rule on the same condition already sees the limit crossed.
			if firings[i].preventive && !f.preventive {
				firings[i] = f
			}
			continue
		}
		byKey[key] = len(firings)
		firings = append(firings, f)
	}

	triggered := make([]Triggered, 0, len(firings))
	for _, f := range firings {
		e.execute(ctx, f.rule, ec, f.value, f.preventive)

		band := "critical"
		if f.preventive {
			band = "preventive"
		}
		e.rulesFired.WithLabelValues(band).Inc()
		triggered = append(triggered, Triggered{RuleID: f.rule.ID, Preventive: f.preventive})
	}
	return triggered
}

// resolveGates reads every gate's context key once at the start of the pass,
// so all rules gate on the same by-value snapshot even if a harvester
// publishes mid-evaluation. Keys that are absent or stale stay out of the
// map.
func (e *Engine) resolveGates(all []Rule) map[string]float64 {
	if e.external == nil {
		return nil
	}
	var (
		gates map[string]float64
		tried map[string]bool
	)
	for _, r := range all {
		if r.ExternalGate == nil {
			continue
		}
		key := r.ExternalGate.ContextKey
		if tried[key] {
			continue
		}
		if tried == nil {
			tried = map[string]bool{}
			gates = map[string]float64{}
		}
		tried[key] = true
		if v, ok := e.external.FreshValue(key); ok {
			gates[key] = v
		}
	}
	return gates
}

// evalRule checks one rule's predicate, arming window and gate. It has no
// side effects beyond arming bookkeeping; dedup and execution stay with the
// caller.
func (e *Engine) evalRule(r Rule, ec EvalContext, gates map[string]float64) (firing, bool) {
	v, ok := ec.Values[r.Sensor]
	if !ok {
		e.evalError(r.ID, fmt.Sprintf("field %q not present in reading", r.Sensor))
		return firing{}, false
	}

	b := r.classify(v)
	if b == bandNone {
		// A false sample resets the duration arming.
		e.mtx.Lock()
		delete(e.armedSince, r.ID)
		e.mtx.Unlock()
		return firing{}, false
	}

	if r.DurationSeconds > 0 && !e.armed(r, ec.Time) {
		return firing{}, false
	}

	if r.ExternalGate != nil && !e.gateHolds(r, gates) {
		return firing{}, false
	}
	return firing{rule: r, value: v, preventive: b == bandPreventive}, true
}

// armed tracks the continuous-hold window of a duration rule. It reports
// whether the predicate has now held long enough to fire.
func (e *Engine) armed(r Rule, now time.Time) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	since, ok := e.armedSince[r.ID]
	if !ok {
		e.armedSince[r.ID] = now
		return false
	}
	return now.Sub(since).Seconds() >= r.DurationSeconds
}

// gateHolds evaluates the rule's external gate against the pass snapshot.
// Absent context, stale context and an unconfigured context store all fail
// the gate.
func (e *Engine) gateHolds(r Rule, gates map[string]float64) bool {
	v, ok := gates[r.ExternalGate.ContextKey]
	if !ok {
		_ = level.Debug(e.logger).Log("msg", "external gate context missing or stale",
			"rule", r.ID, "key", r.ExternalGate.ContextKey)
		return false
	}
	return r.ExternalGate.holds(v)
}

// execute runs the rule's action. A preventive firing always renders as a
// preventive notification, regardless of the action type: automation only
// engages once the real threshold is crossed.
func (e *Engine) execute(ctx context.Context, r Rule, ec EvalContext, v float64, preventive bool) {
	if preventive {
		e.sendNotify(ctx, r, ec, v, notify.SeverityPreventive)
		return
	}

	switch r.Action.Type {
	case ActionArduino:
		if e.commands == nil {
			e.evalError(r.ID, "no command queue configured")
			return
		}
		name, value := splitCommand(r.Action.Command)
		e.commands.Enqueue(ec.SensorID, name, value)
		_ = level.Info(e.logger).Log("msg", "device command queued",
			"rule", r.ID, "device", ec.SensorID, "command", name, "value", value)
	case ActionAC:
		if e.ac == nil {
			e.evalError(r.ID, "no HVAC driver configured")
			return
		}
		if err := e.ac.Apply(ctx, r.Action.Command, r.Action.TargetTemp); err != nil {
			// Soft failure: the driver already recorded it.
			_ = level.Warn(e.logger).Log("msg", "HVAC command failed", "rule", r.ID, "mode", r.Action.Command, "err", err)
		}
	case ActionNotify:
		e.sendNotify(ctx, r, ec, v, r.Action.Severity)
	default:
		e.evalError(r.ID, fmt.Sprintf("unknown action type %q", r.Action.Type))
	}
}

func (e *Engine) sendNotify(ctx context.Context, r Rule, ec EvalContext, v float64, sev notify.Severity) {
	if e.notifier == nil {
		e.evalError(r.ID, "no notifier configured")
		return
	}
	msg := r.Action.Message
	if msg == "" {
		msg = fmt.Sprintf("%s approaching configured limit", r.Sensor)
	}
	e.notifier.Notify(ctx, notify.Request{
		RuleID:            r.ID,
		Severity:          sev,
		Message:           msg,
		RecommendedAction: r.Action.RecommendedAction,
		Field:             r.Sensor,
		Value:             v,
		Threshold:         r.Threshold,
		Snapshot:          ec.Snapshot,
	})
}

// evalError records a per-rule evaluation failure, logging it at most once
// per hour per rule.
func (e *Engine) evalError(ruleID, reason string) {
	e.evalErrors.Inc()

	e.mtx.Lock()
	last, ok := e.errLogged[ruleID]
	now := e.now()
	if ok && now.Sub(last) < evalErrorLogInterval {
		e.mtx.Unlock()
		return
	}
	e.errLogged[ruleID] = now
	e.mtx.Unlock()

	_ = level.Warn(e.logger).Log("msg", "rule evaluation skipped", "rule", ruleID, "reason", reason)
}
