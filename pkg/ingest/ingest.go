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

// Package ingest runs the per-reading pipeline: persist, analyze, check for
// probe drift and evaluate rules. Readings are pinned to a worker by sensor
// ID so two readings of one sensor are never processed concurrently or out
// of order, while distinct sensors proceed in parallel.
package ingest

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/t0118430/technological-foods-sub000/pkg/analytics"
	"github.com/t0118430/technological-foods-sub000/pkg/cache"
	"github.com/t0118430/technological-foods-sub000/pkg/drift"
	"github.com/t0118430/technological-foods-sub000/pkg/notify"
	"github.com/t0118430/technological-foods-sub000/pkg/rules"
	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
	"github.com/t0118430/technological-foods-sub000/pkg/tsdb"
)

const (
	// DefaultWorkers is the pipeline worker count when Opts leaves it zero.
	DefaultWorkers = 8
	// DefaultQueueSize is the per-worker job backlog.
	DefaultQueueSize = 64
)

// PointEnqueuer accepts time-series points for asynchronous persistence.
type PointEnqueuer interface {
	Enqueue(points ...tsdb.Point)
}

// Analyzer folds a reading into per-sensor rolling state and returns the
// derived features of that reading.
type Analyzer interface {
	Ingest(r sensor.Reading) analytics.Features
}

// DriftObserver compares redundant probe pairs and reports divergences.
type DriftObserver interface {
	Observe(r sensor.Reading) []drift.Event
}

// Evaluator runs the rule set against one evaluation context.
type Evaluator interface {
	Evaluate(ctx context.Context, ec rules.EvalContext) []rules.Triggered
}

// OverlayProvider contributes extra rules for a sensor, typically synthesized
// from the growth stage of the crop in that sensor's zone.
type OverlayProvider interface {
	RulesFor(sensorID string) []rules.Rule
}

// Notifier routes alerts raised outside the rule engine, such as probe drift
// and statistical anomalies.
type Notifier interface {
	Notify(ctx context.Context, req notify.Request) (notify.Alert, bool)
}

// Deps are the pipeline collaborators. Any of them may be nil, which skips
// the corresponding stage.
type Deps struct {
	Points   PointEnqueuer
	Latest   cache.Latest
	Analyzer Analyzer
	Drift    DriftObserver
	Engine   Evaluator
	Overlay  OverlayProvider
	Notifier Notifier
}

// Opts tune the worker pool.
type Opts struct {
	// Workers is the number of pipeline workers. Defaults to DefaultWorkers.
	Workers int
	// QueueSize is the job backlog per worker. Defaults to DefaultQueueSize.
	QueueSize int
}

// Result reports one completed pipeline pass.
type Result struct {
	// Reading is the normalized reading as persisted: sensor ID defaulted,
	// timestamp stamped with server time when the payload carried none.
	Reading sensor.Reading
	// Triggered lists the rules whose actions fired during this pass.
	Triggered []rules.Triggered
}

// TriggeredIDs returns the IDs of the triggered rules, never nil.
func (r Result) TriggeredIDs() []string {
	ids := make([]string, 0, len(r.Triggered))
	for _, t := range r.Triggered {
		ids = append(ids, t.RuleID)
	}
	return ids
}

type job struct {
	reading sensor.Reading
	done    chan Result
}

// Orchestrator owns the worker pool and the stage wiring.
type Orchestrator struct {
	logger log.Logger
	deps   Deps
	now    func() time.Time

	workers []chan job

	readingsTotal  prometheus.Counter
	rejectedTotal  prometheus.Counter
	processSeconds prometheus.Histogram
}

// New builds an orchestrator. Run must be called before Ingest will complete.
func New(logger log.Logger, reg prometheus.Registerer, deps Deps, opts Opts) *Orchestrator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	o := &Orchestrator{
		logger:  logger,
		deps:    deps,
		now:     time.Now,
		workers: make([]chan job, opts.Workers),
		readingsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ingest_readings_total",
			Help: "Readings submitted for ingestion.",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_ingest_rejected_total",
			Help: "Readings rejected by validation.",
		}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_ingest_duration_seconds",
			Help:    "Time spent running the pipeline for one reading.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	for i := range o.workers {
		o.workers[i] = make(chan job, opts.QueueSize)
	}
	if reg != nil {
		reg.MustRegister(o.readingsTotal, o.rejectedTotal, o.processSeconds)
	}
	return o
}

// Run operates the worker pool until ctx is canceled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range o.workers {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-w:
					j.done <- o.process(ctx, j.reading)
				}
			}
		})
	}
	return g.Wait()
}

// Ingest validates r and runs it through the pipeline on the worker owning
// its sensor, blocking until the pass finishes or ctx ends. Per sensor,
// calls complete in submission order.
func (o *Orchestrator) Ingest(ctx context.Context, r sensor.Reading) (Result, error) {
	o.readingsTotal.Inc()

	if dropped := r.Normalize(); len(dropped) > 0 {
		_ = level.Warn(o.logger).Log("msg", "dropped non-finite reading fields", "sensor", r.SensorID, "fields", fmt.Sprint(dropped))
	}
	if err := r.Validate(); err != nil {
		o.rejectedTotal.Inc()
		return Result{}, err
	}
	if r.SensorID == "" {
		r.SensorID = sensor.DefaultSensorID
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = o.now().UTC()
	}

	j := job{reading: r, done: make(chan Result, 1)}
	w := o.workers[o.pin(r.SensorID)]
	select {
	case w <- j:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-j.done:
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// pin maps a sensor ID onto a worker index. The hash is stable across
// restarts so a sensor's readings always share a queue.
func (o *Orchestrator) pin(sensorID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sensorID))
	return int(h.Sum32() % uint32(len(o.workers)))
}

func (o *Orchestrator) process(ctx context.Context, r sensor.Reading) Result {
	timer := prometheus.NewTimer(o.processSeconds)
	defer timer.ObserveDuration()

	if o.deps.Points != nil {
		o.deps.Points.Enqueue(tsdb.ReadingPoint(r))
	}
	if o.deps.Latest != nil {
		if err := o.deps.Latest.Put(ctx, r); err != nil {
			_ = level.Warn(o.logger).Log("msg", "latest-reading cache update failed", "sensor", r.SensorID, "err", err)
		}
	}

	var feats analytics.Features
	if o.deps.Analyzer != nil {
		feats = o.deps.Analyzer.Ingest(r)
	}
	derived := derivedFields(feats)
	if o.deps.Points != nil && len(derived) > 0 {
		o.deps.Points.Enqueue(tsdb.DerivedPoint(r.SensorID, r.Timestamp, derived))
	}

	if o.deps.Drift != nil {
		for _, ev := range o.deps.Drift.Observe(r) {
			o.notifyDrift(ctx, ev, r)
		}
	}

	var triggered []rules.Triggered
	if o.deps.Engine != nil {
		values := make(map[string]float64, len(r.Fields)+len(derived))
		for k, v := range r.Fields {
			values[k] = v
		}
		for k, v := range derived {
			values[k] = v
		}
		ec := rules.EvalContext{
			SensorID: r.SensorID,
			Time:     r.Timestamp,
			Values:   values,
			Snapshot: r.Fields,
		}
		if o.deps.Overlay != nil {
			ec.Overlay = o.deps.Overlay.RulesFor(r.SensorID)
		}
		triggered = o.deps.Engine.Evaluate(ctx, ec)
	}

	o.notifyAnomalies(ctx, feats, r)

	return Result{Reading: r, Triggered: triggered}
}

// derivedFields flattens features into the flat map that feeds both the
// derived TSDB point and the rule value space: vpd, DLI accumulation and the
// per-field moving averages and trend slopes.
func derivedFields(f analytics.Features) map[string]float64 {
	out := make(map[string]float64, 3+4*len(f.Fields))
	if f.VPD != nil {
		out["vpd"] = f.VPD.VPD
	}
	if f.DLI != nil {
		out["dli_accum"] = f.DLI.Accumulated
		out["dli_projected"] = f.DLI.Projected
	}
	for name, ff := range f.Fields {
		out[name+"_ma10"] = ff.MA10
		out[name+"_ma30"] = ff.MA30
		out[name+"_ma60"] = ff.MA60
		out[name+"_trend"] = ff.Trend.Slope
	}
	return out
}

func (o *Orchestrator) notifyDrift(ctx context.Context, ev drift.Event, r sensor.Reading) {
	if o.deps.Notifier == nil {
		return
	}
	o.deps.Notifier.Notify(ctx, notify.Request{
		RuleID:   "drift_" + ev.Field,
		Severity: notify.SeverityWarning,
		Message: fmt.Sprintf("Redundant %s probes on %s diverge by %.1f%% (allowed %.1f%% for a %s sensor)",
			ev.Field, ev.SensorID, ev.MeanDelta*100, ev.Threshold*100, ev.Class),
		RecommendedAction: fmt.Sprintf("Recalibrate or replace the %s probes on %s", ev.Field, ev.SensorID),
		Field:             ev.Field,
		Value:             ev.MeanDelta,
		Threshold:         ev.Threshold,
		Snapshot:          r.Fields,
	})
}

func (o *Orchestrator) notifyAnomalies(ctx context.Context, feats analytics.Features, r sensor.Reading) {
	if o.deps.Notifier == nil {
		return
	}
	names := make([]string, 0, len(feats.Fields))
	for name := range feats.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, a := range feats.Fields[name].Anomalies {
			sev := notify.SeverityWarning
			if a.High {
				sev = notify.SeverityCritical
			}
			o.deps.Notifier.Notify(ctx, notify.Request{
				RuleID:            fmt.Sprintf("anomaly_%s_%s", a.Type, a.Field),
				Severity:          sev,
				Message:           anomalyMessage(a),
				RecommendedAction: fmt.Sprintf("Inspect the %s probe on %s and its recent readings", a.Field, r.SensorID),
				Field:             a.Field,
				Value:             a.Score,
				Snapshot:          r.Fields,
			})
		}
	}
}

func anomalyMessage(a analytics.Anomaly) string {
	switch a.Type {
	case analytics.AnomalySpike:
		return fmt.Sprintf("%s spiked %.1f standard deviations from its recent mean", a.Field, a.Score)
	case analytics.AnomalyFlatline:
		return fmt.Sprintf("%s has repeated the same value for %.0f consecutive samples", a.Field, a.Score)
	case analytics.AnomalySuddenJump:
		return fmt.Sprintf("%s moved %.0f%% between consecutive samples", a.Field, a.Score*100)
	default:
		return fmt.Sprintf("%s anomaly detected on %s", a.Type, a.Field)
	}
}
