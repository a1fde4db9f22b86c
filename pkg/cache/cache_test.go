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

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

func reading(id string, ts int64, temp float64) sensor.Reading {
	return sensor.Reading{
		SensorID:  id,
		Timestamp: time.Unix(ts, 0).UTC(),
		Fields:    map[string]float64{sensor.FieldTemperature: temp},
	}
}

func TestMemoryPutGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	if _, ok, err := m.Get(ctx, "zone1"); err != nil || ok {
		t.Fatalf("expected miss on empty cache, got ok=%v err=%v", ok, err)
	}

	r := reading("zone1", 100, 21.5)
	if err := m.Put(ctx, r); err != nil {
		t.Fatalf("put: %s", err)
	}
	got, ok, err := m.Get(ctx, "zone1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("unexpected reading (-want, +got): %s", diff)
	}
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	if err := m.Put(ctx, reading("zone1", 100, 21.5)); err != nil {
		t.Fatalf("put: %s", err)
	}
	now = now.Add(30 * time.Second)
	if _, ok, _ := m.Get(ctx, "zone1"); !ok {
		t.Fatalf("expected entry to still be served before TTL")
	}
	now = now.Add(31 * time.Second)
	if _, ok, _ := m.Get(ctx, "zone1"); ok {
		t.Fatalf("expected entry to expire after TTL")
	}
	if all, err := m.All(ctx); err != nil || len(all) != 0 {
		t.Fatalf("expected expired entries excluded from All, got %d err=%v", len(all), err)
	}
}

func TestMemoryNewestAndAll(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	readings := []sensor.Reading{
		reading("zone2", 200, 22.0),
		reading("zone1", 300, 21.0),
		reading("zone3", 100, 23.0),
	}
	for _, r := range readings {
		if err := m.Put(ctx, r); err != nil {
			t.Fatalf("put: %s", err)
		}
	}

	newest, ok, err := m.Newest(ctx)
	if err != nil || !ok {
		t.Fatalf("expected newest, got ok=%v err=%v", ok, err)
	}
	if newest.SensorID != "zone1" {
		t.Errorf("expected zone1 as newest, got %q", newest.SensorID)
	}

	all, err := m.All(ctx)
	if err != nil {
		t.Fatalf("all: %s", err)
	}
	var ids []string
	for _, r := range all {
		ids = append(ids, r.SensorID)
	}
	if diff := cmp.Diff([]string{"zone1", "zone2", "zone3"}, ids); diff != "" {
		t.Errorf("unexpected sensor order (-want, +got): %s", diff)
	}
}

func TestMemoryPutOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)

	if err := m.Put(ctx, reading("zone1", 100, 21.5)); err != nil {
		t.Fatalf("put: %s", err)
	}
	if err := m.Put(ctx, reading("zone1", 101, 22.5)); err != nil {
		t.Fatalf("put: %s", err)
	}
	got, ok, _ := m.Get(ctx, "zone1")
	if !ok {
		t.Fatalf("expected hit")
	}
	if got.Fields[sensor.FieldTemperature] != 22.5 {
		t.Errorf("expected latest value 22.5, got %v", got.Fields[sensor.FieldTemperature])
	}
}
