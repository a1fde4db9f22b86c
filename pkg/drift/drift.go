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

// Package drift scores the divergence between a base field and its redundant
// secondary probe. Each observed pair keeps a ring of relative deltas; a pair
// whose running mean or 95th percentile leaves its hardware class's band
// raises a drift event, rate-limited per pair.
package drift

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

// Class is the accuracy grade of the probes backing a pair.
type Class string

const (
	ClassGood   Class = "good"
	ClassMedium Class = "medium"
	ClassCheap  Class = "cheap"
)

// Threshold is the relative divergence a class tolerates.
func (c Class) Threshold() float64 {
	switch c {
	case ClassGood:
		return 0.01
	case ClassMedium:
		return 0.02
	case ClassCheap:
		return 0.03
	}
	return ClassMedium.Threshold()
}

// DefaultClasses grades each base field by the probes typically installed
// for it. Fields without an entry count as medium.
var DefaultClasses = map[string]Class{
	sensor.FieldTemperature: ClassGood,
	sensor.FieldWaterTemp:   ClassGood,
	sensor.FieldHumidity:    ClassMedium,
	sensor.FieldPH:          ClassMedium,
	sensor.FieldEC:          ClassMedium,
	sensor.FieldWaterLevel:  ClassCheap,
	sensor.FieldLightLevel:  ClassCheap,
}

const (
	// DefaultWindow is the delta ring capacity per pair.
	DefaultWindow = 300
	// DefaultCooldown spaces out repeat alerts for the same pair.
	DefaultCooldown = 6 * time.Hour

	// minSamples is the least history a pair needs before its statistics
	// count.
	minSamples = 10

	// Health deducts these many points per percent of mean divergence and
	// of delta spread.
	healthMeanWeight   = 10
	healthStddevWeight = 5
)

// Event reports a pair that left its class band.
type Event struct {
	SensorID  string
	Field     string
	Class     Class
	Threshold float64
	MeanDelta float64
	Stddev    float64
	P95       float64
	Health    float64
	Samples   int
}

// PairReport is the queryable state of one observed pair.
type PairReport struct {
	SensorID  string     `json:"sensor_id"`
	Field     string     `json:"field"`
	Class     Class      `json:"class"`
	Threshold float64    `json:"threshold"`
	MeanDelta float64    `json:"mean_delta"`
	Stddev    float64    `json:"stddev"`
	P95       float64    `json:"p95"`
	Health    float64    `json:"health"`
	Samples   int        `json:"samples"`
	LastDelta float64    `json:"last_delta"`
	Drifting  bool       `json:"drifting"`
	LastAlert *time.Time `json:"last_alert,omitempty"`
}

// Opts configures the detector.
type Opts struct {
	// Window is the delta ring capacity. Defaults to DefaultWindow.
	Window int
	// Cooldown between events of the same pair. Defaults to DefaultCooldown.
	Cooldown time.Duration
	// Classes overrides the per-field grade table.
	Classes map[string]Class
}

type pairKey struct {
	sensorID string
	field    string
}

type pairState struct {
	deltas    []float64
	next      int
	filled    bool
	lastDelta float64
	lastAlert time.Time
}

func (st *pairState) push(d float64) {
	st.deltas[st.next] = d
	st.next = (st.next + 1) % len(st.deltas)
	if st.next == 0 {
		st.filled = true
	}
	st.lastDelta = d
}

func (st *pairState) size() int {
	if st.filled {
		return len(st.deltas)
	}
	return st.next
}

func (st *pairState) stats() (mean, stddev float64) {
	n := st.size()
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += st.deltas[i]
	}
	mean = sum / float64(n)

	var sq float64
	for i := 0; i < n; i++ {
		d := st.deltas[i] - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(n))
}

// p95 is the 95th percentile of absolute deltas.
func (st *pairState) p95() float64 {
	n := st.size()
	if n == 0 {
		return 0
	}
	abs := make([]float64, n)
	for i := 0; i < n; i++ {
		abs[i] = math.Abs(st.deltas[i])
	}
	sort.Float64s(abs)

	rank := int(math.Ceil(0.95*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}
	return abs[rank]
}

// Detector tracks per-pair divergence state.
type Detector struct {
	logger log.Logger
	opts   Opts
	now    func() time.Time

	mtx   sync.Mutex
	pairs map[pairKey]*pairState

	alertsTotal *prometheus.CounterVec
	healthGauge *prometheus.GaugeVec
}

func New(logger log.Logger, reg prometheus.Registerer, opts Opts) *Detector {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Classes == nil {
		opts.Classes = DefaultClasses
	}
	d := &Detector{
		logger: logger,
		opts:   opts,
		now:    time.Now,
		pairs:  map[pairKey]*pairState{},
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_drift_alerts_total",
			Help: "Number of raised sensor drift alerts by field.",
		}, []string{"field"}),
		healthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_drift_pair_health",
			Help: "Health score of a redundant sensor pair (100 is perfect agreement).",
		}, []string{"sensor_id", "field"}),
	}
	if reg != nil {
		reg.MustRegister(d.alertsTotal, d.healthGauge)
	}
	return d
}

func (d *Detector) classFor(field string) Class {
	if c, ok := d.opts.Classes[field]; ok {
		return c
	}
	return ClassMedium
}

// relativeDelta scales the divergence by the pair's magnitude so class
// thresholds can be percentages. A near-zero pair reads as no divergence.
func relativeDelta(primary, secondary float64) float64 {
	ref := (math.Abs(primary) + math.Abs(secondary)) / 2
	if ref < 1e-9 {
		return 0
	}
	return (primary - secondary) / ref
}

func healthScore(mean, stddev float64) float64 {
	h := 100 - healthMeanWeight*math.Abs(mean)*100 - healthStddevWeight*stddev*100
	if h < 0 {
		return 0
	}
	if h > 100 {
		return 100
	}
	return h
}

// Observe feeds every complete primary/secondary pair of the reading into
// the detector and returns the pairs that newly left their class band.
func (d *Detector) Observe(r sensor.Reading) []Event {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	var events []Event
	for _, field := range sensor.BaseFields {
		primary, okP := r.Fields[field]
		secondary, okS := r.Fields[field+sensor.SecondarySuffix]
		if !okP || !okS {
			continue
		}
		key := pairKey{sensorID: r.SensorID, field: field}
		st, ok := d.pairs[key]
		if !ok {
			st = &pairState{deltas: make([]float64, d.opts.Window)}
			d.pairs[key] = st
		}
		st.push(relativeDelta(primary, secondary))

		mean, stddev := st.stats()
		p95 := st.p95()
		health := healthScore(mean, stddev)
		d.healthGauge.WithLabelValues(r.SensorID, field).Set(health)

		if st.size() < minSamples {
			continue
		}
		class := d.classFor(field)
		threshold := class.Threshold()
		if math.Abs(mean) <= threshold && p95 <= threshold {
			continue
		}
		now := d.now()
		if !st.lastAlert.IsZero() && now.Sub(st.lastAlert) < d.opts.Cooldown {
			continue
		}
		st.lastAlert = now
		d.alertsTotal.WithLabelValues(field).Inc()
		_ = level.Warn(d.logger).Log(
			"msg", "sensor pair drifting",
			"sensor_id", r.SensorID,
			"field", field,
			"mean_delta", mean,
			"p95", p95,
			"threshold", threshold,
			"health", health,
		)
		events = append(events, Event{
			SensorID:  r.SensorID,
			Field:     field,
			Class:     class,
			Threshold: threshold,
			MeanDelta: mean,
			Stddev:    stddev,
			P95:       p95,
			Health:    health,
			Samples:   st.size(),
		})
	}
	return events
}

// Report snapshots every observed pair, ordered by sensor then field.
func (d *Detector) Report() []PairReport {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	reports := make([]PairReport, 0, len(d.pairs))
	for key, st := range d.pairs {
		mean, stddev := st.stats()
		p95 := st.p95()
		class := d.classFor(key.field)
		threshold := class.Threshold()

		rep := PairReport{
			SensorID:  key.sensorID,
			Field:     key.field,
			Class:     class,
			Threshold: threshold,
			MeanDelta: mean,
			Stddev:    stddev,
			P95:       p95,
			Health:    healthScore(mean, stddev),
			Samples:   st.size(),
			LastDelta: st.lastDelta,
			Drifting:  st.size() >= minSamples && (math.Abs(mean) > threshold || p95 > threshold),
		}
		if !st.lastAlert.IsZero() {
			t := st.lastAlert
			rep.LastAlert = &t
		}
		reports = append(reports, rep)
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].SensorID != reports[j].SensorID {
			return reports[i].SensorID < reports[j].SensorID
		}
		return reports[i].Field < reports[j].Field
	})
	return reports
}
