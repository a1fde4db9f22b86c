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

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultEscalationInterval is how often the escalator checks for due alerts.
const DefaultEscalationInterval = 30 * time.Second

// dwell is how long an alert rests on a level before advancing.
func dwell(level int) time.Duration {
	switch level {
	case 0:
		return 5 * time.Minute
	case 1:
		return 10 * time.Minute
	default:
		return 15 * time.Minute
	}
}

type openAlert struct {
	req       Request
	level     int
	firstSeen time.Time
	nextDue   time.Time
}

// Escalator tracks open alerts and re-raises unacknowledged ones with
// growing severity. State is in-memory only; a restart clears open
// escalations and a still-standing condition simply reopens them.
type Escalator struct {
	logger   log.Logger
	d        *Dispatcher
	interval time.Duration
	now      func() time.Time

	mtx  sync.Mutex
	open map[string]*openAlert

	escalationsTotal prometheus.Counter
	openGauge        prometheus.Gauge
}

// NewEscalator wires an escalator to the dispatcher and registers itself as
// its open hook.
func NewEscalator(logger log.Logger, reg prometheus.Registerer, d *Dispatcher, interval time.Duration) *Escalator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if interval <= 0 {
		interval = DefaultEscalationInterval
	}
	e := &Escalator{
		logger:   logger,
		d:        d,
		interval: interval,
		now:      time.Now,
		open:     map[string]*openAlert{},
		escalationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_escalations_total",
			Help: "Number of alerts re-raised with advanced severity.",
		}),
		openGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_open_escalations",
			Help: "Number of unacknowledged alerts tracked by the escalator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.escalationsTotal, e.openGauge)
	}
	d.OnOpen(e.Open)
	return e
}

// Open starts tracking a dispatched alert. A rule that is already open keeps
// its level and due time, only the request snapshot is refreshed.
func (e *Escalator) Open(_ Alert, req Request) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if oa, ok := e.open[req.RuleID]; ok {
		oa.req = req
		return
	}
	lvl := req.Severity.EscalationLevel()
	now := e.now()
	e.open[req.RuleID] = &openAlert{
		req:       req,
		level:     lvl,
		firstSeen: now,
		nextDue:   now.Add(dwell(lvl)),
	}
	e.openGauge.Set(float64(len(e.open)))
}

// Acknowledge resolves the open alert for the rule. It reports whether one
// was open.
func (e *Escalator) Acknowledge(ruleID string) bool {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	if _, ok := e.open[ruleID]; !ok {
		return false
	}
	delete(e.open, ruleID)
	e.openGauge.Set(float64(len(e.open)))
	_ = level.Info(e.logger).Log("msg", "alert acknowledged", "rule", ruleID)
	return true
}

// OpenCount returns the number of tracked alerts.
func (e *Escalator) OpenCount() int {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	return len(e.open)
}

// Run advances due alerts until ctx is canceled.
func (e *Escalator) Run(ctx context.Context) error {
	tick := time.NewTicker(e.interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			e.sweep(ctx)
		}
	}
}

// sweep advances every due alert one level (capped at emergency) and
// re-dispatches it. Advancing happens under the escalator mutex; the sends
// go through the dispatcher's ledger afterwards so the two locks never nest.
func (e *Escalator) sweep(ctx context.Context) {
	now := e.now()

	var batch []Request
	e.mtx.Lock()
	for _, oa := range e.open {
		if now.Before(oa.nextDue) {
			continue
		}
		if oa.level < 4 {
			oa.level++
		}
		oa.nextDue = now.Add(dwell(oa.level))

		req := oa.req
		req.Severity = SeverityForLevel(oa.level)
		req.Force = false
		batch = append(batch, req)
	}
	e.mtx.Unlock()

	for _, req := range batch {
		if _, ok := e.d.redispatch(ctx, req); ok {
			e.escalationsTotal.Inc()
			_ = level.Info(e.logger).Log("msg", "alert escalated", "rule", req.RuleID, "severity", req.Severity)
		}
	}
}
