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

// Package notify fans alerts out to the configured channels. Severity picks
// the channel set, a per-rule cooldown ledger suppresses repeats, and every
// dispatched alert lands in a bounded in-memory history. Unacknowledged
// alerts are re-raised with growing severity by the escalator.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Severity orders alerts from informational to emergency. The zero value is
// SeverityInfo.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityPreventive
	SeverityWarning
	SeverityCritical
	SeverityUrgent
	SeverityEmergency
)

var severityNames = [...]string{"info", "preventive", "warning", "critical", "urgent", "emergency"}

func (s Severity) String() string {
	if s < SeverityInfo || s > SeverityEmergency {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a severity name to its value.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityInfo, fmt.Errorf("unknown severity %q", name)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	sev, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = sev
	return nil
}

// EscalationLevel maps the severity onto the escalation ladder 0..4.
// Informational alerts share the lowest rung with preventive ones.
func (s Severity) EscalationLevel() int {
	l := int(s) - 1
	if l < 0 {
		return 0
	}
	if l > 4 {
		return 4
	}
	return l
}

// SeverityForLevel is the inverse of EscalationLevel.
func SeverityForLevel(level int) Severity {
	if level < 0 {
		level = 0
	}
	if level > 4 {
		level = 4
	}
	return Severity(level + 1)
}

var severityEmoji = map[Severity]string{
	SeverityInfo:       "ℹ️",
	SeverityPreventive: "🟡",
	SeverityWarning:    "⚠️",
	SeverityCritical:   "🔴",
	SeverityUrgent:     "🚨",
	SeverityEmergency:  "🆘",
}

// Message is the rendered, channel-agnostic form of an alert.
type Message struct {
	Subject  string
	Body     string
	Severity Severity
}

// Channel is a single notification sink.
type Channel interface {
	Name() string
	// Available reports whether the channel's credential set is complete.
	Available() bool
	Send(ctx context.Context, msg Message) error
}

// Request asks for one alert dispatch.
type Request struct {
	RuleID            string
	Severity          Severity
	Message           string
	RecommendedAction string
	// Field, Value and Threshold render the measured-vs-allowed line of the
	// body. Left empty for alerts without a single offending value.
	Field     string
	Value     float64
	Threshold float64
	// Snapshot of the reading that caused the alert.
	Snapshot map[string]float64
	// Force bypasses the cooldown check once. Used by the test endpoint.
	Force bool
}

// Render produces the channel-agnostic subject and body of a request.
func Render(req Request) (subject, body string) {
	subject = fmt.Sprintf("%s %s: %s", severityEmoji[req.Severity], strings.ToUpper(req.Severity.String()), req.Message)

	var b strings.Builder
	fmt.Fprintf(&b, "Reason: %s\n", req.Message)
	if req.Field != "" {
		fmt.Fprintf(&b, "%s = %.2f (threshold %.2f)\n", req.Field, req.Value, req.Threshold)
	}
	if req.RecommendedAction != "" {
		fmt.Fprintf(&b, "Recommended: %s\n", req.RecommendedAction)
	}
	if len(req.Snapshot) > 0 {
		keys := make([]string, 0, len(req.Snapshot))
		for k := range req.Snapshot {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%.2f", k, req.Snapshot[k]))
		}
		fmt.Fprintf(&b, "Readings: %s\n", strings.Join(parts, " "))
	}
	return subject, strings.TrimRight(b.String(), "\n")
}

// Alert is one dispatched notification as kept in the history.
type Alert struct {
	ID                string             `json:"id"`
	Timestamp         time.Time          `json:"timestamp"`
	RuleID            string             `json:"rule_id"`
	Severity          Severity           `json:"severity"`
	Message           string             `json:"message"`
	RecommendedAction string             `json:"recommended_action,omitempty"`
	Snapshot          map[string]float64 `json:"snapshot,omitempty"`
	// Per-channel delivery outcome.
	Channels map[string]bool `json:"channels"`
}

// history is a fixed-capacity ring of past alerts.
type history struct {
	buf  []Alert
	next int
	full bool
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Alert, capacity)}
}

func (h *history) append(a Alert) {
	h.buf[h.next] = a
	h.next = (h.next + 1) % len(h.buf)
	if h.next == 0 {
		h.full = true
	}
}

// list returns the retained alerts, most recent first.
func (h *history) list() []Alert {
	n := h.next
	if h.full {
		n = len(h.buf)
	}
	res := make([]Alert, 0, n)
	for i := 1; i <= n; i++ {
		res = append(res, h.buf[(h.next-i+len(h.buf))%len(h.buf)])
	}
	return res
}

// DefaultCooldown is the per-rule suppression window.
const DefaultCooldown = 15 * time.Minute

// DefaultHistorySize is how many past alerts the in-memory history retains.
const DefaultHistorySize = 50

// channelsFor returns the channel names addressed by a severity tier.
func channelsFor(s Severity) map[string]bool {
	set := map[string]bool{"console": true, "push": true}
	if s >= SeverityWarning {
		set["email"] = true
		set["slack"] = true
	}
	if s >= SeverityCritical {
		set["sms"] = true
	}
	if s >= SeverityEmergency {
		set["whatsapp"] = true
	}
	return set
}

// Dispatcher owns the channels, the cooldown ledger and the alert history.
type Dispatcher struct {
	logger   log.Logger
	channels []Channel
	cooldown time.Duration
	now      func() time.Time

	// Called with every dispatched alert that may need escalation.
	onOpen func(Alert, Request)
	// Called with every dispatched alert, escalation re-sends included.
	onDispatch func(Alert)

	mtx        sync.Mutex
	lastFired  map[string]time.Time
	suppressed map[string]int
	hist       *history
	// Per-rule dispatch locks. A dispatch holds its rule's lock across the
	// whole send phase, so a fresh firing and an escalation re-send of the
	// same rule never have sends in flight at the same time. Distinct rules
	// dispatch in parallel.
	inflight map[string]*sync.Mutex

	alertsTotal      *prometheus.CounterVec
	suppressedTotal  prometheus.Counter
	sendsTotal       *prometheus.CounterVec
	channelAvailable *prometheus.GaugeVec
}

// NewDispatcher builds a dispatcher over the given channels. cooldown and
// historySize fall back to their defaults when zero.
func NewDispatcher(logger log.Logger, reg prometheus.Registerer, channels []Channel, cooldown time.Duration, historySize int) *Dispatcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	d := &Dispatcher{
		logger:     logger,
		channels:   channels,
		cooldown:   cooldown,
		now:        time.Now,
		lastFired:  map[string]time.Time{},
		suppressed: map[string]int{},
		hist:       newHistory(historySize),
		inflight:   map[string]*sync.Mutex{},
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_alerts_total",
			Help: "Number of dispatched alerts by severity.",
		}, []string{"severity"}),
		suppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_alerts_suppressed_total",
			Help: "Number of alerts suppressed by the cooldown ledger.",
		}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_notification_sends_total",
			Help: "Number of channel send attempts by outcome.",
		}, []string{"channel", "result"}),
		channelAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_notification_channel_available",
			Help: "Whether a notification channel has a complete credential set.",
		}, []string{"channel"}),
	}
	if reg != nil {
		reg.MustRegister(d.alertsTotal, d.suppressedTotal, d.sendsTotal, d.channelAvailable)
	}
	return d
}

// OnOpen registers the escalation hook invoked for every dispatched alert of
// at least preventive severity.
func (d *Dispatcher) OnOpen(fn func(Alert, Request)) {
	d.onOpen = fn
}

// OnDispatch registers a hook invoked with every dispatched alert, e.g. to
// persist it. The hook runs on the dispatching goroutine and must not call
// back into the dispatcher.
func (d *Dispatcher) OnDispatch(fn func(Alert)) {
	d.onDispatch = fn
}

// Cooldown returns the configured suppression window.
func (d *Dispatcher) Cooldown() time.Duration {
	return d.cooldown
}

// ChannelStates lists all channels with their current availability.
func (d *Dispatcher) ChannelStates() []ChannelState {
	res := make([]ChannelState, 0, len(d.channels))
	for _, ch := range d.channels {
		res = append(res, ChannelState{Name: ch.Name(), Available: ch.Available()})
	}
	return res
}

type ChannelState struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

// History returns the retained alerts, most recent first.
func (d *Dispatcher) History() []Alert {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.hist.list()
}

// SuppressedCount returns how many firings of the rule the cooldown swallowed.
func (d *Dispatcher) SuppressedCount(ruleID string) int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.suppressed[ruleID]
}

// Notify dispatches an alert unless the rule is cooling down. The returned
// flag reports whether a send happened.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (Alert, bool) {
	return d.dispatch(ctx, req, req.Force, true)
}

// redispatch re-raises an alert on behalf of the escalator. It skips the
// cooldown check but still refreshes the rule's lastFired and takes the
// rule's dispatch lock, so fresh firings and escalations stay serialized.
func (d *Dispatcher) redispatch(ctx context.Context, req Request) (Alert, bool) {
	return d.dispatch(ctx, req, true, false)
}

// ruleLock returns the dispatch lock of the rule, creating it on first use.
func (d *Dispatcher) ruleLock(ruleID string) *sync.Mutex {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	m, ok := d.inflight[ruleID]
	if !ok {
		m = &sync.Mutex{}
		d.inflight[ruleID] = m
	}
	return m
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, skipCooldown, openEscalation bool) (Alert, bool) {
	// Serialize per rule: a concurrent dispatch for the same rule waits here
	// until the earlier one's sends have finished.
	rl := d.ruleLock(req.RuleID)
	rl.Lock()
	defer rl.Unlock()

	now := d.now()

	d.mtx.Lock()
	if !skipCooldown {
		if last, ok := d.lastFired[req.RuleID]; ok && now.Sub(last) < d.cooldown {
			d.suppressed[req.RuleID]++
			d.mtx.Unlock()

			d.suppressedTotal.Inc()
			_ = level.Debug(d.logger).Log("msg", "alert suppressed by cooldown", "rule", req.RuleID)
			return Alert{}, false
		}
	}
	d.lastFired[req.RuleID] = now
	d.mtx.Unlock()

	subject, body := Render(req)
	wanted := channelsFor(req.Severity)

	var targets []Channel
	for _, ch := range d.channels {
		if wanted[ch.Name()] && ch.Available() {
			targets = append(targets, ch)
		}
	}

	outcomes := make(map[string]bool, len(targets))
	var omtx sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, ch := range targets {
		g.Go(func() error {
			err := ch.Send(gctx, Message{Subject: subject, Body: body, Severity: req.Severity})

			omtx.Lock()
			outcomes[ch.Name()] = err == nil
			omtx.Unlock()

			if err != nil {
				d.sendsTotal.WithLabelValues(ch.Name(), "failure").Inc()
				_ = level.Warn(d.logger).Log("msg", "channel send failed", "channel", ch.Name(), "rule", req.RuleID, "err", err)
			} else {
				d.sendsTotal.WithLabelValues(ch.Name(), "success").Inc()
			}
			// Send failures stay isolated per channel.
			return nil
		})
	}
	_ = g.Wait()

	alert := Alert{
		ID:                uuid.NewString(),
		Timestamp:         now,
		RuleID:            req.RuleID,
		Severity:          req.Severity,
		Message:           req.Message,
		RecommendedAction: req.RecommendedAction,
		Snapshot:          req.Snapshot,
		Channels:          outcomes,
	}

	d.mtx.Lock()
	d.hist.append(alert)
	d.mtx.Unlock()

	d.alertsTotal.WithLabelValues(req.Severity.String()).Inc()
	_ = level.Info(d.logger).Log("msg", "alert dispatched", "rule", req.RuleID,
		"severity", req.Severity, "channels", len(targets))

	if d.onDispatch != nil {
		d.onDispatch(alert)
	}
	if openEscalation && d.onOpen != nil && req.Severity >= SeverityPreventive {
		d.onOpen(alert, req)
	}
	return alert, true
}

// Run refreshes the channel availability gauges until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	probe := func() {
		for _, ch := range d.channels {
			v := 0.0
			if ch.Available() {
				v = 1
			}
			d.channelAvailable.WithLabelValues(ch.Name()).Set(v)
		}
	}
	probe()

	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			probe()
		}
	}
}
