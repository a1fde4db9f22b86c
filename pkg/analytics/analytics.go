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

// Package analytics derives per-sensor features from raw readings: vapor
// pressure deficit, daily light integral, moving averages, trends and
// anomaly flags. All state lives in fixed-capacity rings per sensor and
// field; unknown fields pass through ingest untouched but are not analyzed.
package analytics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

// Anomaly types.
const (
	AnomalySpike      = "spike"
	AnomalyFlatline   = "flatline"
	AnomalySuddenJump = "sudden_jump"
)

// Trend directions.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendStable  = "stable"
)

// Anomaly flags one suspicious sample of a field.
type Anomaly struct {
	Type  string `json:"type"`
	Field string `json:"field"`
	// Score is the z-score for spikes, the relative step for jumps and the
	// run length for flatlines.
	Score float64 `json:"score"`
	// High marks spikes far outside the usual range.
	High bool `json:"high,omitempty"`
}

// Trend summarizes the recent direction of a field.
type Trend struct {
	Direction string  `json:"direction"`
	Slope     float64 `json:"slope"`
	Relative  float64 `json:"relative"`
}

// FieldFeatures are the derived values of one field at one ingest.
type FieldFeatures struct {
	Value     float64   `json:"value"`
	MA10      float64   `json:"ma_10"`
	MA30      float64   `json:"ma_30"`
	MA60      float64   `json:"ma_60"`
	Samples   int       `json:"samples"`
	Trend     Trend     `json:"trend"`
	Anomalies []Anomaly `json:"anomalies,omitempty"`
}

// VPDResult is the vapor pressure deficit of a reading.
type VPDResult struct {
	SVP      float64 `json:"svp_kpa"`
	VPD      float64 `json:"vpd_kpa"`
	Status   string  `json:"status"`
	BandLow  float64 `json:"band_low"`
	BandHigh float64 `json:"band_high"`
}

// DLIResult is the state of the daily light integral after a reading.
type DLIResult struct {
	PPFD        float64 `json:"ppfd"`
	Accumulated float64 `json:"accumulated_mol"`
	Projected   float64 `json:"projected_mol"`
	Target      float64 `json:"target_mol,omitempty"`
	// SupplementalAdvised is set when the projection undershoots the
	// variety's target, suggesting the grow lights should run longer.
	SupplementalAdvised bool   `json:"supplemental_advised"`
	Day                 string `json:"day"`
}

// Features is the full derived snapshot of one ingest. It is detached from
// engine state; callers may retain and mutate it freely.
type Features struct {
	SensorID  string                   `json:"sensor_id"`
	Timestamp time.Time                `json:"timestamp"`
	VPD       *VPDResult               `json:"vpd,omitempty"`
	DLI       *DLIResult               `json:"dli,omitempty"`
	Fields    map[string]FieldFeatures `json:"fields"`
}

func (f Features) clone() Features {
	cp := f
	cp.Fields = make(map[string]FieldFeatures, len(f.Fields))
	for k, v := range f.Fields {
		v.Anomalies = append([]Anomaly(nil), v.Anomalies...)
		cp.Fields[k] = v
	}
	if f.VPD != nil {
		v := *f.VPD
		cp.VPD = &v
	}
	if f.DLI != nil {
		d := *f.DLI
		cp.DLI = &d
	}
	return cp
}

type fieldState struct {
	ring    *ring
	lastV   float64
	hasLast bool
	run     int
}

type dliState struct {
	day      string
	firstT   time.Time
	lastT    time.Time
	lastPPFD float64
	has      bool
	accum    float64
}

func (d *dliState) update(ts time.Time, loc *time.Location, lux float64, p Profile) *DLIResult {
	day := ts.In(loc).Format("2006-01-02")
	ppfd := lux * p.LuxToPPFD

	// Local midnight resets the accumulator.
	if d.day != day {
		d.day = day
		d.accum = 0
		d.firstT = ts
		d.has = false
	}
	if d.has {
		if dt := ts.Sub(d.lastT).Seconds(); dt > 0 {
			// Trapezoidal integration, µmol to mol.
			d.accum += (ppfd + d.lastPPFD) / 2 * dt / 1e6
		}
	}
	d.lastT = ts
	d.lastPPFD = ppfd
	d.has = true

	photoSeconds := p.PhotoperiodHours * 3600
	projected := ppfd * photoSeconds / 1e6
	if elapsed := ts.Sub(d.firstT).Seconds(); elapsed > 0 {
		// Extrapolate today's average photon flux over the photoperiod.
		projected = d.accum * photoSeconds / elapsed
	}
	return &DLIResult{
		PPFD:                ppfd,
		Accumulated:         d.accum,
		Projected:           projected,
		Target:              p.DLITarget,
		SupplementalAdvised: p.DLITarget > 0 && projected < p.DLITarget,
		Day:                 day,
	}
}

type sensorState struct {
	fields map[string]*fieldState
	dli    dliState
	last   Features
	hasRun bool
}

func (st *sensorState) field(name string, bufferSize int) *fieldState {
	fs, ok := st.fields[name]
	if !ok {
		fs = &fieldState{ring: newRing(bufferSize)}
		st.fields[name] = fs
	}
	return fs
}

// Opts configures the engine.
type Opts struct {
	// Ring capacity per (sensor, field). Defaults to BufferMaxSize.
	BufferSize int
	// Location of the site, used for the local-midnight DLI reset.
	Location *time.Location
	// ProfileFor resolves the variety profile of a sensor's zone. May be nil.
	ProfileFor func(sensorID string) Profile
}

// Engine computes features over per-sensor ring buffers.
type Engine struct {
	logger log.Logger
	opts   Opts

	mtx   sync.Mutex
	state map[string]*sensorState

	anomaliesTotal *prometheus.CounterVec
}

func New(logger log.Logger, reg prometheus.Registerer, opts Opts) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = BufferMaxSize
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	e := &Engine{
		logger: logger,
		opts:   opts,
		state:  map[string]*sensorState{},
		anomaliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_analytics_anomalies_total",
			Help: "Number of detected anomalies by type and field.",
		}, []string{"type", "field"}),
	}
	if reg != nil {
		reg.MustRegister(e.anomaliesTotal)
	}
	return e
}

func (e *Engine) profileFor(sensorID string) Profile {
	if e.opts.ProfileFor == nil {
		return DefaultProfile()
	}
	return e.opts.ProfileFor(sensorID).withDefaults()
}

// Ingest feeds one reading into the engine and returns the derived features.
// Only known vocabulary fields are analyzed.
func (e *Engine) Ingest(r sensor.Reading) Features {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	st, ok := e.state[r.SensorID]
	if !ok {
		st = &sensorState{fields: map[string]*fieldState{}}
		e.state[r.SensorID] = st
	}
	profile := e.profileFor(r.SensorID)

	feats := Features{
		SensorID:  r.SensorID,
		Timestamp: r.Timestamp,
		Fields:    map[string]FieldFeatures{},
	}

	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		if sensor.Known(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		v := r.Fields[name]
		fs := st.field(name, e.opts.BufferSize)
		cfg := configFor(name)

		var anomalies []Anomaly

		// Spike: z-score of the new value against the ring before it joins.
		if fs.ring.length() >= minSpikeSamples {
			mean, std := fs.ring.stats()
			if std > 0 {
				if z := (v - mean) / std; math.Abs(z) >= cfg.SpikeZ {
					anomalies = append(anomalies, Anomaly{
						Type: AnomalySpike, Field: name, Score: z,
						High: math.Abs(z) >= HighSpikeZ,
					})
				}
			}
		}
		// Sudden jump relative to the previous sample.
		if fs.hasLast && math.Abs(fs.lastV) > 1e-9 {
			if pct := math.Abs(v-fs.lastV) / math.Abs(fs.lastV); pct >= cfg.JumpPct {
				anomalies = append(anomalies, Anomaly{Type: AnomalySuddenJump, Field: name, Score: pct})
			}
		}

		fs.ring.append(sample{t: r.Timestamp, v: v})
		if fs.hasLast && v == fs.lastV {
			fs.run++
		} else {
			fs.run = 1
		}
		fs.lastV, fs.hasLast = v, true

		if fs.run >= cfg.FlatlineN {
			anomalies = append(anomalies, Anomaly{Type: AnomalyFlatline, Field: name, Score: float64(fs.run)})
		}
		for _, a := range anomalies {
			e.anomaliesTotal.WithLabelValues(a.Type, a.Field).Inc()
		}

		ff := FieldFeatures{
			Value:     v,
			MA10:      fs.ring.tailMean(10),
			MA30:      fs.ring.tailMean(30),
			MA60:      fs.ring.tailMean(60),
			Samples:   fs.ring.length(),
			Anomalies: anomalies,
			Trend:     Trend{Direction: TrendStable},
		}
		if fs.ring.length() >= minTrendSamples {
			slope := fs.ring.tailSlope(trendWindow)
			base := math.Abs(fs.ring.tailMean(trendWindow))
			if base < 1e-9 {
				base = 1e-9
			}
			rel := slope / base
			dir := TrendStable
			switch {
			case rel > cfg.TrendThreshold:
				dir = TrendRising
			case rel < -cfg.TrendThreshold:
				dir = TrendFalling
			}
			ff.Trend = Trend{Direction: dir, Slope: slope, Relative: rel}
		}
		feats.Fields[name] = ff
	}

	if t, ok := r.Fields[sensor.FieldTemperature]; ok {
		if rh, ok := r.Fields[sensor.FieldHumidity]; ok {
			feats.VPD = computeVPD(t, rh, profile)
		}
	}
	if lux, ok := r.Fields[sensor.FieldLightLevel]; ok {
		feats.DLI = st.dli.update(r.Timestamp, e.opts.Location, lux, profile)
	}

	st.last = feats.clone()
	st.hasRun = true
	return feats
}

// VPD status values.
const (
	VPDLow     = "low"
	VPDOptimal = "optimal"
	VPDHigh    = "high"
)

func computeVPD(tempC, rh float64, p Profile) *VPDResult {
	svp := 0.6108 * math.Exp(17.27*tempC/(tempC+237.3))
	vpd := svp * (1 - rh/100)

	status := VPDOptimal
	switch {
	case vpd < p.VPDLow:
		status = VPDLow
	case vpd > p.VPDHigh:
		status = VPDHigh
	}
	return &VPDResult{SVP: svp, VPD: vpd, Status: status, BandLow: p.VPDLow, BandHigh: p.VPDHigh}
}

// Report returns the features computed at the sensor's most recent ingest.
func (e *Engine) Report(sensorID string) (Features, bool) {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	st, ok := e.state[sensorID]
	if !ok || !st.hasRun {
		return Features{}, false
	}
	return st.last.clone(), true
}

// Sensors lists the sensors the engine has seen.
func (e *Engine) Sensors() []string {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	ids := make([]string, 0, len(e.state))
	for id := range e.state {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BufferLen returns how many samples the sensor's field ring currently holds.
func (e *Engine) BufferLen(sensorID, field string) int {
	e.mtx.Lock()
	defer e.mtx.Unlock()

	st, ok := e.state[sensorID]
	if !ok {
		return 0
	}
	fs, ok := st.fields[field]
	if !ok {
		return 0
	}
	return fs.ring.length()
}
