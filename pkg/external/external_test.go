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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/t0118430/technological-foods-sub000/pkg/tsdb"
)

func entry(source, field string, value float64, validUntil time.Time) Entry {
	return Entry{
		Source:     source,
		Field:      field,
		Value:      value,
		FetchedAt:  validUntil.Add(-time.Hour),
		ValidUntil: validUntil,
	}
}

func TestStorePublishAndLookup(t *testing.T) {
	s := NewStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	until := now.Add(15 * time.Minute)
	s.Publish("weather", []Entry{
		entry("weather", "temperature", 24.5, until),
		entry("weather", "humidity", 60, until),
	})

	if _, ok := s.Lookup("weather.wind_speed"); ok {
		t.Errorf("expected miss for unpublished field")
	}
	got, ok := s.Lookup("weather.temperature")
	if !ok {
		t.Fatalf("expected published entry to be found")
	}
	if got.Value != 24.5 {
		t.Errorf("expected value 24.5, got %v", got.Value)
	}
	if v, ok := s.FreshValue("weather.temperature"); !ok || v != 24.5 {
		t.Errorf("expected fresh value 24.5, got %v ok=%v", v, ok)
	}
}

func TestStoreStaleEntriesNotServedFresh(t *testing.T) {
	s := NewStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Publish("weather", []Entry{entry("weather", "temperature", 24.5, now.Add(time.Minute))})

	now = now.Add(2 * time.Minute)
	if _, ok := s.FreshValue("weather.temperature"); ok {
		t.Errorf("expected expired entry to be treated as absent")
	}
	// The raw entry remains visible for the context endpoint.
	if _, ok := s.Lookup("weather.temperature"); !ok {
		t.Errorf("expected expired entry to remain visible to Lookup")
	}
}

func TestStorePublishReplacesOnlyOwnEntries(t *testing.T) {
	s := NewStore()
	until := time.Unix(1000, 0).Add(time.Hour)

	// Weather and forecast share the "weather" source label but are
	// published by independent harvesters.
	s.Publish("weather", []Entry{entry("weather", "temperature", 24.5, until)})
	s.Publish("forecast", []Entry{entry("weather", "forecast_max_temp", 36, until)})

	// A weather refresh must not clobber the forecast fields.
	s.Publish("weather", []Entry{entry("weather", "temperature", 25.0, until)})

	if got, ok := s.Lookup("weather.forecast_max_temp"); !ok || got.Value != 36 {
		t.Errorf("expected forecast entry to survive weather refresh, got %+v ok=%v", got, ok)
	}
	if got, ok := s.Lookup("weather.temperature"); !ok || got.Value != 25.0 {
		t.Errorf("expected refreshed temperature 25.0, got %+v ok=%v", got, ok)
	}

	// A harvester that stops publishing a field retracts it.
	s.Publish("weather", []Entry{entry("weather", "humidity", 55, until)})
	if _, ok := s.Lookup("weather.temperature"); ok {
		t.Errorf("expected dropped field to disappear")
	}
}

func TestStoreSnapshotIsACopy(t *testing.T) {
	s := NewStore()
	until := time.Unix(1000, 0).Add(time.Hour)
	s.Publish("solar", []Entry{entry("solar", "radiation_sum", 22.9, until)})

	snap := s.Snapshot()
	delete(snap, "solar.radiation_sum")

	if _, ok := s.Lookup("solar.radiation_sum"); !ok {
		t.Errorf("mutating a snapshot must not affect the store")
	}
}

type captureEnqueuer struct {
	points []tsdb.Point
}

func (c *captureEnqueuer) Enqueue(points ...tsdb.Point) {
	c.points = append(c.points, points...)
}

func TestHarvesterFetchOnce(t *testing.T) {
	store := NewStore()
	points := &captureEnqueuer{}
	h := NewHarvester(nil, nil, store, points, nil)

	now := time.Unix(5000, 0).UTC()
	h.now = func() time.Time { return now }
	store.now = h.now

	src := Source{
		Name:        "forecast",
		Label:       "weather",
		Measurement: "weather_external",
		Interval:    time.Hour,
		Fetch: func(context.Context) (map[string]float64, error) {
			return map[string]float64{"forecast_max_temp": 36.5}, nil
		},
	}
	if err := h.fetchOnce(context.Background(), src); err != nil {
		t.Fatalf("fetch once: %s", err)
	}

	want := Entry{
		Source:     "weather",
		Field:      "forecast_max_temp",
		Value:      36.5,
		FetchedAt:  now,
		ValidUntil: now.Add(time.Hour),
	}
	got, ok := store.Lookup("weather.forecast_max_temp")
	if !ok {
		t.Fatalf("expected entry to be published")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected entry (-want, +got): %s", diff)
	}

	if len(points.points) != 1 {
		t.Fatalf("expected 1 point enqueued, got %d", len(points.points))
	}
	p := points.points[0]
	if p.Measurement != "weather_external" || p.Tags["source"] != "forecast" {
		t.Errorf("unexpected point identity: %+v", p)
	}
	if p.Fields["forecast_max_temp"] != 36.5 {
		t.Errorf("unexpected point fields: %+v", p.Fields)
	}
}

func TestHarvesterFetchOnceKeepsStoreOnError(t *testing.T) {
	store := NewStore()
	h := NewHarvester(nil, nil, store, nil, nil)

	until := time.Unix(9000, 0)
	store.Publish("weather", []Entry{entry("weather", "temperature", 20, until)})

	src := Source{
		Name:     "weather",
		Interval: time.Minute,
		Fetch: func(context.Context) (map[string]float64, error) {
			return nil, context.DeadlineExceeded
		},
	}
	if err := h.fetchOnce(context.Background(), src); err == nil {
		t.Fatalf("expected fetch error to propagate")
	}
	if _, ok := store.Lookup("weather.temperature"); !ok {
		t.Errorf("expected previous values to survive a failed fetch")
	}
}
