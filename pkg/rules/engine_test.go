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
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/t0118430/technological-foods-sub000/pkg/notify"
)

type staticSource []Rule

func (s staticSource) List() []Rule { return s }

type fakeNotifier struct {
	mtx  sync.Mutex
	reqs []notify.Request
}

func (f *fakeNotifier) Notify(_ context.Context, req notify.Request) (notify.Alert, bool) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.reqs = append(f.reqs, req)
	return notify.Alert{RuleID: req.RuleID, Severity: req.Severity}, true
}

func (f *fakeNotifier) requests() []notify.Request {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]notify.Request(nil), f.reqs...)
}

type queuedCommand struct {
	deviceID, name, value string
}

type fakeQueue struct {
	mtx  sync.Mutex
	cmds []queuedCommand
}

func (f *fakeQueue) Enqueue(deviceID, name, value string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.cmds = append(f.cmds, queuedCommand{deviceID, name, value})
}

type acCall struct {
	mode   string
	target *float64
}

type fakeAC struct {
	mtx   sync.Mutex
	calls []acCall
}

func (f *fakeAC) Apply(_ context.Context, mode string, target *float64) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.calls = append(f.calls, acCall{mode, target})
	return nil
}

type fakeContext map[string]float64

func (f fakeContext) FreshValue(key string) (float64, bool) {
	v, ok := f[key]
	return v, ok
}

func evalContext(values map[string]float64) EvalContext {
	return EvalContext{
		SensorID: "s1",
		Time:     time.Unix(1700000000, 0),
		Values:   values,
		Snapshot: values,
	}
}

func TestClassifyBoundaries(t *testing.T) {
	r := Rule{Condition: ConditionAbove, Threshold: 30, WarningMargin: 2}

	cases := []struct {
		doc   string
		value float64
		want  band
	}{
		{"below the band", 27.9, bandNone},
		{"band lower edge", 28.0, bandPreventive},
		{"inside the band", 29.9, bandPreventive},
		{"exactly on the threshold", 30.0, bandNone},
		{"just over the threshold", 30.0001, bandCritical},
		{"far over the threshold", 35, bandCritical},
	}
	for _, c := range cases {
		if got := r.classify(c.value); got != c.want {
			t.Errorf("%s: classify(%v) = %v, want %v", c.doc, c.value, got, c.want)
		}
	}
}

func TestClassifyBelowMirrors(t *testing.T) {
	r := Rule{Condition: ConditionBelow, Threshold: 15, WarningMargin: 2}

	cases := []struct {
		doc   string
		value float64
		want  band
	}{
		{"above the band", 17.1, bandNone},
		{"band upper edge", 17.0, bandPreventive},
		{"inside the band", 15.5, bandPreventive},
		{"exactly on the threshold", 15.0, bandPreventive},
		{"just under the threshold", 14.9999, bandCritical},
	}
	for _, c := range cases {
		if got := r.classify(c.value); got != c.want {
			t.Errorf("%s: classify(%v) = %v, want %v", c.doc, c.value, got, c.want)
		}
	}
}

func TestClassifyWithoutMarginHasNoPreventiveBand(t *testing.T) {
	r := Rule{Condition: ConditionAbove, Threshold: 30}
	if got := r.classify(29); got != bandNone {
		t.Errorf("classify(29) = %v, want none", got)
	}
	if got := r.classify(31); got != bandCritical {
		t.Errorf("classify(31) = %v, want critical", got)
	}
}

func TestEvaluateNotifyAction(t *testing.T) {
	n := &fakeNotifier{}
	src := staticSource{{
		ID: "notify_high_temp", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30, WarningMargin: 2,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical,
			Message: "Temperature too high", RecommendedAction: "Increase ventilation"},
	}}
	e := NewEngine(nil, nil, src, nil, n, nil, nil)

	got := e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 32.5, "humidity": 65}))
	want := []Triggered{{RuleID: "notify_high_temp"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected triggered rules (-want, +got): %s", diff)
	}

	reqs := n.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 notify request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Severity != notify.SeverityCritical || req.Value != 32.5 || req.Threshold != 30 {
		t.Errorf("unexpected request: %+v", req)
	}
	if req.RecommendedAction != "Increase ventilation" {
		t.Errorf("recommended action not carried: %+v", req)
	}
}

func TestEvaluatePreventiveOverridesSeverity(t *testing.T) {
	n := &fakeNotifier{}
	src := staticSource{{
		ID: "notify_high_temp", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30, WarningMargin: 2,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical, Message: "Temperature too high"},
	}}
	e := NewEngine(nil, nil, src, nil, n, nil, nil)

	got := e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 28.5}))
	want := []Triggered{{RuleID: "notify_high_temp", Preventive: true}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected triggered rules (-want, +got): %s", diff)
	}
	reqs := n.requests()
	if len(reqs) != 1 || reqs[0].Severity != notify.SeverityPreventive {
		t.Errorf("expected one preventive request, got %+v", reqs)
	}
}

func TestEvaluatePreventiveNeverDrivesAutomation(t *testing.T) {
	n := &fakeNotifier{}
	q := &fakeQueue{}
	ac := &fakeAC{}
	target := 24.0
	src := staticSource{{
		ID: "ac_cooling", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30, WarningMargin: 2,
		Action: Action{Type: ActionAC, Command: ACCool, TargetTemp: &target},
	}}
	e := NewEngine(nil, nil, src, nil, n, q, ac)

	e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 29}))
	if len(ac.calls) != 0 {
		t.Errorf("preventive firing must not reach the HVAC driver: %+v", ac.calls)
	}
	if reqs := n.requests(); len(reqs) != 1 || reqs[0].Severity != notify.SeverityPreventive {
		t.Errorf("expected a preventive notification instead, got %+v", reqs)
	}

	e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 31}))
	if len(ac.calls) != 1 || ac.calls[0].mode != ACCool || *ac.calls[0].target != 24 {
		t.Errorf("critical firing should drive the HVAC driver, got %+v", ac.calls)
	}
}

func TestEvaluateArduinoAction(t *testing.T) {
	q := &fakeQueue{}
	src := staticSource{{
		ID: "led_high_temp", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30,
		Action: Action{Type: ActionArduino, Command: "led_on"},
	}}
	e := NewEngine(nil, nil, src, nil, nil, q, nil)

	e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 31}))

	want := []queuedCommand{{deviceID: "s1", name: "led", value: "on"}}
	if diff := cmp.Diff(want, q.cmds, cmp.AllowUnexported(queuedCommand{})); diff != "" {
		t.Errorf("unexpected queued commands (-want, +got): %s", diff)
	}
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	n := &fakeNotifier{}
	src := staticSource{{
		ID: "r1", Enabled: false,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning, Message: "m"},
	}}
	e := NewEngine(nil, nil, src, nil, n, nil, nil)

	if got := e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 40})); len(got) != 0 {
		t.Errorf("disabled rule fired: %+v", got)
	}
}

func TestEvaluateMissingFieldIsolated(t *testing.T) {
	n := &fakeNotifier{}
	src := staticSource{
		{
			ID: "r_ec", Enabled: true,
			Sensor: "ec", Condition: ConditionBelow, Threshold: 1,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning, Message: "ec low"},
		},
		{
			ID: "r_temp", Enabled: true,
			Sensor: "temperature", Condition: ConditionAbove, Threshold: 30,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical, Message: "too hot"},
		},
	}
	e := NewEngine(nil, nil, src, nil, n, nil, nil)

	// The reading has no ec value; the temperature rule must still run.
	got := e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 31}))
	want := []Triggered{{RuleID: "r_temp"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected triggered rules (-want, +got): %s", diff)
	}
}

func TestEvaluateDurationArming(t *testing.T) {
	n := &fakeNotifier{}
	src := staticSource{{
		ID: "r1", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30, DurationSeconds: 60,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical, Message: "m"},
	}}
	e := NewEngine(nil, nil, src, nil, n, nil, nil)

	base := time.Unix(1700000000, 0)
	at := func(offset time.Duration, temp float64) EvalContext {
		ec := evalContext(map[string]float64{"temperature": temp})
		ec.Time = base.Add(offset)
		return ec
	}

	// First matching sample arms the rule but must not fire it.
	if got := e.Evaluate(context.Background(), at(0, 31)); len(got) != 0 {
		t.Fatalf("rule fired before its duration held: %+v", got)
	}
	// Still short of the required hold.
	if got := e.Evaluate(context.Background(), at(30*time.Second, 31)); len(got) != 0 {
		t.Fatalf("rule fired after 30s of a 60s duration: %+v", got)
	}
	// Held long enough.
	if got := e.Evaluate(context.Background(), at(60*time.Second, 31)); len(got) != 1 {
		t.Fatalf("rule did not fire after the duration held: %+v", got)
	}

	// A false sample clears the arming; the next true sample starts over.
	if got := e.Evaluate(context.Background(), at(90*time.Second, 25)); len(got) != 0 {
		t.Fatalf("rule fired on a false sample: %+v", got)
	}
	if got := e.Evaluate(context.Background(), at(120*time.Second, 31)); len(got) != 0 {
		t.Fatalf("arming did not reset after a false sample: %+v", got)
	}
	if got := e.Evaluate(context.Background(), at(180*time.Second, 31)); len(got) != 1 {
		t.Fatalf("rearmed rule did not fire: %+v", got)
	}
}

func TestEvaluateExternalGate(t *testing.T) {
	rule := Rule{
		ID: "vent_on_hot_day", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 25,
		ExternalGate: &Gate{ContextKey: "weather.forecast_max_temp", Condition: ConditionAbove, Threshold: 35},
		Action:       Action{Type: ActionNotify, Severity: notify.SeverityWarning, Message: "m"},
	}
	values := map[string]float64{"temperature": 26}

	cases := []struct {
		doc      string
		external ContextReader
		fired    bool
	}{
		{"gate holds on fresh context", fakeContext{"weather.forecast_max_temp": 38}, true},
		{"gate fails below threshold", fakeContext{"weather.forecast_max_temp": 30}, false},
		{"gate fails on missing context", fakeContext{}, false},
		{"gate fails without a context store", nil, false},
	}
	for _, c := range cases {
		n := &fakeNotifier{}
		e := NewEngine(nil, nil, staticSource{rule}, c.external, n, nil, nil)
		got := e.Evaluate(context.Background(), evalContext(values))
		if fired := len(got) == 1; fired != c.fired {
			t.Errorf("%s: fired = %v, want %v", c.doc, fired, c.fired)
		}
	}
}

func TestEvaluateOverlayAugmentsWithDedup(t *testing.T) {
	n := &fakeNotifier{}
	static := staticSource{{
		ID: "notify_high_temp", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical, Message: "static"},
	}}
	e := NewEngine(nil, nil, static, nil, n, nil, nil)

	ec := evalContext(map[string]float64{"temperature": 32, "ec": 0.5})
	ec.Overlay = []Rule{
		{
			// Same underlying condition as the static rule: deduplicated.
			ID: "stage:crop1:temperature:max", Enabled: true,
			Sensor: "temperature", Condition: ConditionAbove, Threshold: 28,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning, Message: "stage"},
		},
		{
			// New condition only the stage overlay knows about.
			ID: "stage:crop1:ec:min", Enabled: true,
			Sensor: "ec", Condition: ConditionBelow, Threshold: 0.8,
			Action: Action{Type: ActionNotify, Severity: notify.SeverityWarning, Message: "stage ec"},
		},
	}

	got := e.Evaluate(context.Background(), ec)
	want := []Triggered{
		{RuleID: "notify_high_temp"},
		{RuleID: "stage:crop1:ec:min"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected triggered rules (-want, +got): %s", diff)
	}
}

func TestEvaluateDedupCriticalDisplacesPreventive(t *testing.T) {
	n := &fakeNotifier{}
	static := staticSource{{
		ID: "notify_high_temp", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 30, WarningMargin: 2,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical, Message: "static"},
	}}
	e := NewEngine(nil, nil, static, nil, n, nil, nil)

	// 29 sits in the static rule's warning band but past the tighter stage
	// limit. The crossed limit must win the shared condition, not the warning.
	ec := evalContext(map[string]float64{"temperature": 29})
	ec.Overlay = []Rule{{
		ID: "stage:crop1:temperature:max", Enabled: true,
		Sensor: "temperature", Condition: ConditionAbove, Threshold: 26,
		Action: Action{Type: ActionNotify, Severity: notify.SeverityCritical, Message: "stage"},
	}}

	got := e.Evaluate(context.Background(), ec)
	want := []Triggered{{RuleID: "stage:crop1:temperature:max"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected triggered rules (-want, +got): %s", diff)
	}

	reqs := n.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected one notification, got %+v", reqs)
	}
	if reqs[0].Severity != notify.SeverityCritical {
		t.Errorf("expected a critical notification, got %s", reqs[0].Severity)
	}
	if reqs[0].RuleID != "stage:crop1:temperature:max" {
		t.Errorf("expected the stage rule to notify, got %q", reqs[0].RuleID)
	}
}

func TestEvaluateDedupOnCommandActions(t *testing.T) {
	q := &fakeQueue{}
	src := staticSource{
		{
			ID: "r1", Enabled: true,
			Sensor: "temperature", Condition: ConditionAbove, Threshold: 30,
			Action: Action{Type: ActionArduino, Command: "led_on"},
		},
		{
			ID: "r2", Enabled: true,
			Sensor: "humidity", Condition: ConditionAbove, Threshold: 80,
			Action: Action{Type: ActionArduino, Command: "led_on"},
		},
	}
	e := NewEngine(nil, nil, src, nil, nil, q, nil)

	got := e.Evaluate(context.Background(), evalContext(map[string]float64{"temperature": 31, "humidity": 85}))
	if len(got) != 1 {
		t.Fatalf("expected one firing for the duplicate command, got %+v", got)
	}
	if len(q.cmds) != 1 {
		t.Errorf("expected one queued command, got %+v", q.cmds)
	}
}

func TestSplitCommand(t *testing.T) {
	cases := []struct {
		cmd, name, value string
	}{
		{"led_on", "led", "on"},
		{"led_blink", "led", "blink"},
		{"pump_off", "pump", "off"},
		{"restart", "restart", "on"},
	}
	for _, c := range cases {
		name, value := splitCommand(c.cmd)
		if name != c.name || value != c.value {
			t.Errorf("splitCommand(%q) = %q, %q; want %q, %q", c.cmd, name, value, c.name, c.value)
		}
	}
}
