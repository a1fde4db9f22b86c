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
	"fmt"
	"sync"
)

// shard holds a queue of points for a subset of series.
type shard struct {
	mtx     sync.Mutex
	queue   *queue
	pending bool

	// Series hashes already added to the batch by fill. Kept on the struct to
	// avoid re-allocating per call.
	seen map[uint64]struct{}
}

func newShard(queueSize int) *shard {
	return &shard{
		queue: newQueue(queueSize),
		seen:  map[uint64]struct{}{},
	}
}

// enqueue adds the point, evicting the oldest queued point when the shard is
// saturated. Returns true if an eviction happened.
func (s *shard) enqueue(hash uint64, p Point) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.queue.add(queueEntry{hash: hash, point: p})
}

// fill moves points into the batch until its capacity is reached or the shard
// has no more points for series that are not in the batch yet. At most one
// point per series may be in flight so stored order follows enqueue order.
func (s *shard) fill(batch *[]Point) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.pending {
		return 0
	}
	n := 0
	for len(*batch) < cap(*batch) {
		e, ok := s.queue.peek()
		if !ok {
			break
		}
		if _, ok := s.seen[e.hash]; ok {
			break
		}
		s.queue.remove()

		*batch = append(*batch, e.point)
		s.seen[e.hash] = struct{}{}
		n++
	}
	if n > 0 {
		s.setPending(true)
	}
	// Clear the seen cache. The shard is pending now, so fill cannot add more
	// data to a batch until the in-flight send completes.
	for k := range s.seen {
		delete(s.seen, k)
	}
	return n
}

func (s *shard) setPending(b bool) {
	// This must never happen in our usage of shards unless there is a bug.
	if s.pending == b {
		panic(fmt.Sprintf("pending set to %v while it already was", b))
	}
	s.pending = b
}

func (s *shard) notifyBatchDone() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.setPending(false)
}

func (s *shard) length() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.queue.length()
}

// queue is a fixed-capacity ring of pending points.
type queue struct {
	buf        []queueEntry
	head, tail int
	len        int
}

type queueEntry struct {
	hash  uint64
	point Point
}

func newQueue(size int) *queue {
	return &queue{buf: make([]queueEntry, size)}
}

func (q *queue) length() int {
	return q.len
}

// add appends e. When the ring is full the oldest entry is evicted so fresh
// data always wins; the return value reports whether that happened.
func (q *queue) add(e queueEntry) (evicted bool) {
	if q.len == len(q.buf) {
		q.remove()
		evicted = true
	}
	q.buf[q.tail] = e
	q.tail = (q.tail + 1) % len(q.buf)
	q.len++
	return evicted
}

func (q *queue) peek() (queueEntry, bool) {
	if q.len < 1 {
		return queueEntry{}, false
	}
	return q.buf[q.head], true
}

func (q *queue) remove() bool {
	if q.len < 1 {
		return false
	}
	q.buf[q.head] = queueEntry{} // resetting makes debugging easier
	q.head = (q.head + 1) % len(q.buf)
	q.len--
	return true
}
