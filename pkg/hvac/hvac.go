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

// Package hvac drives the air-conditioning unit through its vendor cloud.
// The driver keeps a cached view of the unit, debounces repeated identical
// commands and fails soft: a circuit breaker guards the vendor calls and
// failures surface as warnings in the alert stream rather than stalling the
// control path.
package hvac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"

	"github.com/t0118430/technological-foods-sub000/pkg/notify"
)

// Modes accepted by Apply.
const (
	ModeCool = "cool"
	ModeHeat = "heat"
	ModeOff  = "off"
)

// ErrUnknownMode rejects an Apply call whose mode is not cool, heat or off.
var ErrUnknownMode = errors.New("unknown hvac mode")

const (
	// DefaultTimeout bounds one vendor call.
	DefaultTimeout = 5 * time.Second
	// DefaultDebounce is how long an identical repeated intent stays a no-op.
	DefaultDebounce = 10 * time.Second

	// FailureRuleID keys soft failures into the cooldown ledger, so a flapping
	// vendor API produces one alert per cooldown window instead of a storm.
	FailureRuleID = "hvac_failure"
)

// State is the cached unit view served by the HTTP API.
type State struct {
	Power      bool      `json:"power"`
	Mode       string    `json:"mode"`
	TargetTemp *float64  `json:"target_temp,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

// Commander is the vendor client surface the driver needs.
type Commander interface {
	Command(ctx context.Context, cmd Command) error
	Status(ctx context.Context) (Status, error)
}

// Notifier receives soft-failure alerts.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (notify.Alert, bool)
}

// Driver serializes access to the unit.
type Driver struct {
	logger   log.Logger
	cmd      Commander
	notifier Notifier
	breaker  *gobreaker.CircuitBreaker
	timeout  time.Duration
	debounce time.Duration
	now      func() time.Time

	mtx         sync.Mutex
	state       State
	lastApplied time.Time

	commandsTotal *prometheus.CounterVec
}

// NewDriver wraps a vendor client. notifier may be nil; failures then only
// log.
func NewDriver(logger log.Logger, reg prometheus.Registerer, cmd Commander, notifier Notifier) *Driver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	d := &Driver{
		logger:   logger,
		cmd:      cmd,
		notifier: notifier,
		timeout:  DefaultTimeout,
		debounce: DefaultDebounce,
		now:      time.Now,
		state:    State{Mode: ModeOff},
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_hvac_commands_total",
			Help: "HVAC commands sent to the vendor, by mode and outcome.",
		}, []string{"mode", "outcome"}),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "hvac",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 3 },
		OnStateChange: func(name string, from, to gobreaker.State) {
			_ = level.Warn(logger).Log("msg", "hvac breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	if reg != nil {
		reg.MustRegister(d.commandsTotal)
	}
	return d
}

// State returns the cached unit view.
func (d *Driver) State() State {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.state
}

// Refresh replaces the cached view with the vendor's. Best-effort, typically
// called once at startup.
func (d *Driver) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	st, err := d.cmd.Status(ctx)
	if err != nil {
		return fmt.Errorf("refresh hvac state: %w", err)
	}
	d.mtx.Lock()
	d.state = State{Power: st.Power, Mode: st.Mode, TargetTemp: st.TargetTemp, UpdatedAt: d.now()}
	d.mtx.Unlock()
	return nil
}

// Apply sends a mode change to the unit and updates the cached view. An
// intent identical to the cached state within the debounce window is a no-op.
// Failures are soft: they are counted, raised as a warning alert and
// returned, but leave the cached state untouched.
func (d *Driver) Apply(ctx context.Context, mode string, targetTemp *float64) error {
	switch mode {
	case ModeCool, ModeHeat, ModeOff:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	now := d.now()
	d.mtx.Lock()
	if d.sameIntent(mode, targetTemp) && now.Sub(d.lastApplied) < d.debounce {
		d.mtx.Unlock()
		_ = level.Debug(d.logger).Log("msg", "hvac intent unchanged, debounced", "mode", mode)
		return nil
	}
	d.mtx.Unlock()

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.breaker.Execute(func() (any, error) {
		return nil, d.cmd.Command(cctx, Command{Mode: mode, TargetTemp: targetTemp})
	})
	if err != nil {
		d.commandsTotal.WithLabelValues(mode, "failure").Inc()
		_ = level.Warn(d.logger).Log("msg", "hvac command failed", "mode", mode, "err", err)
		d.reportFailure(ctx, mode, err)
		return fmt.Errorf("hvac %s: %w", mode, err)
	}

	d.mtx.Lock()
	d.state = State{Power: mode != ModeOff, Mode: mode, TargetTemp: targetTemp, UpdatedAt: now}
	d.lastApplied = now
	d.mtx.Unlock()

	d.commandsTotal.WithLabelValues(mode, "success").Inc()
	logArgs := []any{"msg", "hvac command applied", "mode", mode}
	if targetTemp != nil {
		logArgs = append(logArgs, "target_temp", *targetTemp)
	}
	_ = level.Info(d.logger).Log(logArgs...)
	return nil
}

// sameIntent compares against the cached state. Callers hold d.mtx.
func (d *Driver) sameIntent(mode string, targetTemp *float64) bool {
	if d.state.Mode != mode {
		return false
	}
	switch {
	case d.state.TargetTemp == nil && targetTemp == nil:
		return true
	case d.state.TargetTemp == nil || targetTemp == nil:
		return false
	default:
		return *d.state.TargetTemp == *targetTemp
	}
}

func (d *Driver) reportFailure(ctx context.Context, mode string, err error) {
	if d.notifier == nil {
		return
	}
	d.notifier.Notify(ctx, notify.Request{
		RuleID:            FailureRuleID,
		Severity:          notify.SeverityWarning,
		Message:           fmt.Sprintf("HVAC %s command failed: %s", mode, err),
		RecommendedAction: "Check the unit's power and network connection",
	})
}
