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

package tsdb

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// seriesCache tracks the last accepted timestamp per series so that exact
// resubmissions of a point never overwrite what is already stored. Entries
// that have not been updated for a while are garbage collected.
type seriesCache struct {
	logger log.Logger
	now    func() time.Time

	mtx     sync.Mutex
	entries map[uint64]*seriesCacheEntry
}

type seriesCacheEntry struct {
	// Timestamp of the last point accepted for the series.
	lastTimestamp time.Time
	// Last time the entry was used.
	lastUsed time.Time
}

const seriesCacheMaxAge = 10 * time.Minute

func newSeriesCache(logger log.Logger) *seriesCache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &seriesCache{
		logger:  logger,
		now:     time.Now,
		entries: map[uint64]*seriesCacheEntry{},
	}
}

// run background processing of the cache until the context is canceled.
func (c *seriesCache) run(ctx context.Context) {
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := c.garbageCollect(seriesCacheMaxAge); err != nil {
				_ = level.Error(c.logger).Log("msg", "garbage collection failed", "err", err)
			}
		}
	}
}

// garbageCollect drops all series entries that were not used within maxAge.
func (c *seriesCache) garbageCollect(maxAge time.Duration) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	start := c.now()
	before := len(c.entries)

	for hash, e := range c.entries {
		if start.Sub(e.lastUsed) > maxAge {
			delete(c.entries, hash)
		}
	}
	_ = level.Info(c.logger).Log("msg", "garbage collection completed",
		"took", time.Since(start), "seriesBefore", before, "seriesAfter", len(c.entries))

	return nil
}

// accept reports whether a point with the given timestamp should be written
// for the series and records it as the latest accepted point if so. A point
// carrying exactly the last accepted timestamp is a duplicate and rejected.
// Points with older timestamps still pass; they fill gaps rather than
// rewriting existing data.
func (c *seriesCache) accept(hash uint64, ts time.Time) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	e, ok := c.entries[hash]
	if !ok {
		e = &seriesCacheEntry{}
		c.entries[hash] = e
	}
	e.lastUsed = c.now()

	if ok && ts.Equal(e.lastTimestamp) {
		return false
	}
	if ts.After(e.lastTimestamp) {
		e.lastTimestamp = ts
	}
	return true
}
