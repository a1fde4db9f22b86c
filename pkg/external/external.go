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

// Package external maintains context gathered from outside the greenhouse:
// weather, forecasts, solar radiation, energy prices and similar signals the
// rule engine can gate on. Harvesters refresh each source on its own cadence
// and publish immutable snapshots, so readers never block on a fetch.
package external

import (
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one harvested value. It stays valid until ValidUntil; consumers
// must treat expired entries like absent ones.
type Entry struct {
	Source     string    `json:"source"`
	Field      string    `json:"field"`
	Value      float64   `json:"value"`
	FetchedAt  time.Time `json:"fetched_at"`
	ValidUntil time.Time `json:"valid_until"`
}

// Key returns the lookup key rules reference, e.g. "weather.temperature".
func (e Entry) Key() string {
	return e.Source + "." + e.Field
}

// Fresh reports whether the entry is still valid at the given time.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ValidUntil)
}

// Store holds the current context snapshot. Readers load an immutable map
// through an atomic pointer; writers build a new map and swap it in whole.
type Store struct {
	now func() time.Time

	writeMtx sync.Mutex
	// Keys owned per harvester, so a publish replaces exactly the entries of
	// its harvester. Several harvesters may share an entry source label: the
	// forecast harvester files its fields under "weather".
	owners   map[string]map[string]struct{}
	snapshot atomic.Pointer[map[string]Entry]
}

func NewStore() *Store {
	s := &Store{now: time.Now, owners: map[string]map[string]struct{}{}}
	empty := map[string]Entry{}
	s.snapshot.Store(&empty)
	return s
}

// Lookup returns the entry under the given key regardless of freshness.
func (s *Store) Lookup(key string) (Entry, bool) {
	e, ok := (*s.snapshot.Load())[key]
	return e, ok
}

// FreshValue returns the value under the given key if it exists and has not
// expired. Stale and missing entries are indistinguishable to the caller.
func (s *Store) FreshValue(key string) (float64, bool) {
	e, ok := (*s.snapshot.Load())[key]
	if !ok || !e.Fresh(s.now()) {
		return 0, false
	}
	return e.Value, true
}

// Snapshot returns a copy of the current context for serving over the API.
func (s *Store) Snapshot() map[string]Entry {
	cur := *s.snapshot.Load()
	cp := make(map[string]Entry, len(cur))
	for k, v := range cur {
		cp[k] = v
	}
	return cp
}

// Publish replaces the entries owned by the given harvester with the passed
// ones. Entries of other harvesters are carried over untouched, so a failing
// source keeps serving its previous values until they expire.
func (s *Store) Publish(harvester string, entries []Entry) {
	s.writeMtx.Lock()
	defer s.writeMtx.Unlock()

	owned := s.owners[harvester]
	cur := *s.snapshot.Load()
	next := make(map[string]Entry, len(cur)+len(entries))
	for k, v := range cur {
		if _, ok := owned[k]; !ok {
			next[k] = v
		}
	}
	newOwned := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		next[e.Key()] = e
		newOwned[e.Key()] = struct{}{}
	}
	s.owners[harvester] = newOwned
	s.snapshot.Store(&next)
}
