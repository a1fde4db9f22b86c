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

// Package cache keeps the most recent reading per sensor for fast lookups by
// the HTTP API and the rule engine. Entries expire so a sensor that went
// silent eventually disappears instead of serving stale data forever.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

// DefaultTTL is how long a latest reading stays served without updates.
const DefaultTTL = 5 * time.Minute

// Latest stores the most recent reading per sensor.
type Latest interface {
	// Put stores r as the latest reading of its sensor.
	Put(ctx context.Context, r sensor.Reading) error
	// Get returns the latest reading of the sensor, if any.
	Get(ctx context.Context, sensorID string) (sensor.Reading, bool, error)
	// Newest returns the reading with the most recent timestamp across all sensors.
	Newest(ctx context.Context) (sensor.Reading, bool, error)
	// All returns the latest reading of every known sensor, ordered by sensor ID.
	All(ctx context.Context) ([]sensor.Reading, error)
}

// Memory is an in-process Latest implementation. It is the default backend
// when no Redis endpoint is configured.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mtx     sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	reading  sensor.Reading
	storedAt time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]memoryEntry{},
	}
}

func (m *Memory) Put(_ context.Context, r sensor.Reading) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.entries[r.SensorID] = memoryEntry{reading: r, storedAt: m.now()}
	return nil
}

func (m *Memory) Get(_ context.Context, sensorID string) (sensor.Reading, bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	e, ok := m.entries[sensorID]
	if !ok || m.expired(e) {
		return sensor.Reading{}, false, nil
	}
	return e.reading, true, nil
}

func (m *Memory) Newest(_ context.Context) (sensor.Reading, bool, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	var (
		newest sensor.Reading
		found  bool
	)
	for _, e := range m.entries {
		if m.expired(e) {
			continue
		}
		if !found || e.reading.Timestamp.After(newest.Timestamp) {
			newest = e.reading
			found = true
		}
	}
	return newest, found, nil
}

func (m *Memory) All(_ context.Context) ([]sensor.Reading, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	res := make([]sensor.Reading, 0, len(m.entries))
	for _, e := range m.entries {
		if m.expired(e) {
			continue
		}
		res = append(res, e.reading)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SensorID < res[j].SensorID })
	return res, nil
}

func (m *Memory) expired(e memoryEntry) bool {
	return m.now().Sub(e.storedAt) > m.ttl
}

// Run evicts expired entries in the background until ctx is canceled. Reads
// already skip expired entries, the janitor only bounds memory growth.
func (m *Memory) Run(ctx context.Context) error {
	tick := time.NewTicker(m.ttl / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			m.mtx.Lock()
			for id, e := range m.entries {
				if m.expired(e) {
					delete(m.entries, id)
				}
			}
			m.mtx.Unlock()
		}
	}
}
