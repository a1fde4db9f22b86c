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

package external

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/t0118430/technological-foods-sub000/pkg/tsdb"
)

// Refresh cadences per source. They double as the freshness window of the
// published entries, so one missed refresh makes a source's context stale.
const (
	FreshnessWeather     = 15 * time.Minute
	FreshnessForecast    = time.Hour
	FreshnessSolar       = 6 * time.Hour
	FreshnessElectricity = time.Hour
	FreshnessMarket      = 24 * time.Hour
	FreshnessTourism     = 24 * time.Hour
)

const fetchTimeout = 30 * time.Second

// Source is a single harvestable context provider.
type Source struct {
	Name string
	// Source label the published entries carry. Defaults to Name. The
	// forecast harvester labels its fields "weather" so rules address them
	// as weather.forecast_max_temp.
	Label string
	// Measurement the harvested values are stored under in the TSDB.
	Measurement string
	// How often to fetch, and how long fetched values stay fresh.
	Interval time.Duration
	// Fetch retrieves the current values. Field names are the part after the
	// source prefix in rule gate keys.
	Fetch func(ctx context.Context) (map[string]float64, error)
}

func (s Source) label() string {
	if s.Label != "" {
		return s.Label
	}
	return s.Name
}

// PointEnqueuer queues points for the time-series backend.
type PointEnqueuer interface {
	Enqueue(points ...tsdb.Point)
}

// Harvester runs one refresh loop per source and publishes results into the
// store. A failing source backs off exponentially up to an hour while its
// previous values remain served until they expire.
type Harvester struct {
	logger  log.Logger
	store   *Store
	points  PointEnqueuer
	sources []Source
	now     func() time.Time

	fetches       *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	lastSuccess   *prometheus.GaugeVec
}

// NewHarvester builds a harvester for the given sources. points may be nil
// when no time-series backend is configured.
func NewHarvester(logger log.Logger, reg prometheus.Registerer, store *Store, points PointEnqueuer, sources []Source) *Harvester {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	h := &Harvester{
		logger:  logger,
		store:   store,
		points:  points,
		sources: sources,
		now:     time.Now,
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_external_fetches_total",
			Help: "Number of completed context fetches per source.",
		}, []string{"source"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_external_fetch_failures_total",
			Help: "Number of failed context fetches per source.",
		}, []string{"source"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_external_last_success_timestamp_seconds",
			Help: "Unix time of the last successful fetch per source.",
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(h.fetches, h.fetchFailures, h.lastSuccess)
	}
	return h
}

// Run fetches all sources until ctx is canceled. Each source runs its own
// loop so a slow provider never delays the others.
func (h *Harvester) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, src := range h.sources {
		g.Go(func() error {
			h.runSource(ctx, src)
			return nil
		})
	}
	return g.Wait()
}

// runSource fetches the source immediately and then on its interval. The
// loop is strictly sequential, keeping at most one fetch in flight.
func (h *Harvester) runSource(ctx context.Context, src Source) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 30 * time.Second
	bo.MaxInterval = time.Hour
	bo.MaxElapsedTime = 0

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := h.fetchOnce(ctx, src); err != nil {
			h.fetchFailures.WithLabelValues(src.Name).Inc()
			retryIn := bo.NextBackOff()
			_ = level.Warn(h.logger).Log("msg", "context fetch failed",
				"source", src.Name, "retry_in", retryIn, "err", err)
			timer.Reset(retryIn)
			continue
		}
		bo.Reset()
		timer.Reset(src.Interval)
	}
}

func (h *Harvester) fetchOnce(ctx context.Context, src Source) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	values, err := src.Fetch(ctx)
	if err != nil {
		return err
	}
	now := h.now()

	entries := make([]Entry, 0, len(values))
	fields := make(map[string]any, len(values))
	for field, value := range values {
		entries = append(entries, Entry{
			Source:     src.label(),
			Field:      field,
			Value:      value,
			FetchedAt:  now,
			ValidUntil: now.Add(src.Interval),
		})
		fields[field] = value
	}
	h.store.Publish(src.Name, entries)

	if h.points != nil && len(fields) > 0 && src.Measurement != "" {
		h.points.Enqueue(tsdb.Point{
			Measurement: src.Measurement,
			Tags:        map[string]string{"source": src.Name},
			Fields:      fields,
			Timestamp:   now,
		})
	}
	h.fetches.WithLabelValues(src.Name).Inc()
	h.lastSuccess.WithLabelValues(src.Name).Set(float64(now.Unix()))
	_ = level.Debug(h.logger).Log("msg", "context refreshed", "source", src.Name, "fields", len(values))
	return nil
}
