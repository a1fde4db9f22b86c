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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testPoint(series string, ts int64) Point {
	return Point{
		Measurement: MeasurementReading,
		Tags:        map[string]string{TagSensorID: series},
		Fields:      map[string]any{"temperature": 21.5},
		Timestamp:   time.Unix(ts, 0).UTC(),
	}
}

type captureSender struct {
	mtx      sync.Mutex
	batches  [][]Point
	failures int
	gotc     chan int
}

func (s *captureSender) WriteBatch(_ context.Context, points []Point) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.failures > 0 {
		s.failures--
		return errors.New("backend unavailable")
	}
	cp := make([]Point, len(points))
	copy(cp, points)
	s.batches = append(s.batches, cp)
	if s.gotc != nil {
		select {
		case s.gotc <- len(cp):
		default:
		}
	}
	return nil
}

func (s *captureSender) total() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	var n int
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func TestQueue(t *testing.T) {
	q := newQueue(3)

	if evicted := q.add(queueEntry{hash: 1}); evicted {
		t.Fatalf("unexpected eviction on add to empty queue")
	}
	q.add(queueEntry{hash: 2})
	q.add(queueEntry{hash: 3})

	// The queue is full now, adding must evict the oldest entry.
	if evicted := q.add(queueEntry{hash: 4}); !evicted {
		t.Fatalf("expected eviction on add to full queue")
	}
	var got []uint64
	for {
		e, ok := q.peek()
		if !ok {
			break
		}
		got = append(got, e.hash)
		q.remove()
	}
	if diff := cmp.Diff([]uint64{2, 3, 4}, got); diff != "" {
		t.Errorf("unexpected queue contents (-want, +got): %s", diff)
	}
}

func TestShardFill(t *testing.T) {
	s := newShard(8)
	s.enqueue(1, testPoint("a", 1))
	s.enqueue(2, testPoint("b", 1))
	// A second point of an already queued series must not join the same batch.
	s.enqueue(1, testPoint("a", 2))

	batch := make([]Point, 0, 10)
	if n := s.fill(&batch); n != 2 {
		t.Fatalf("expected fill to take 2 points, got %d", n)
	}
	// The shard has a batch in flight and must not hand out more points.
	if n := s.fill(&batch); n != 0 {
		t.Fatalf("expected no points while pending, got %d", n)
	}
	s.notifyBatchDone()
	if n := s.fill(&batch); n != 1 {
		t.Fatalf("expected remaining point after batch done, got %d", n)
	}
	want := []Point{testPoint("a", 1), testPoint("b", 1), testPoint("a", 2)}
	if diff := cmp.Diff(want, batch); diff != "" {
		t.Errorf("unexpected batch contents (-want, +got): %s", diff)
	}
}

func TestHashSeriesIgnoresTagOrder(t *testing.T) {
	a := Point{Measurement: "m", Tags: map[string]string{"x": "1", "y": "2"}}
	b := Point{Measurement: "m", Tags: map[string]string{"y": "2", "x": "1"}}
	c := Point{Measurement: "m", Tags: map[string]string{"x": "1", "y": "3"}}

	if hashSeries(a) != hashSeries(b) {
		t.Errorf("hash depends on tag order")
	}
	if hashSeries(a) == hashSeries(c) {
		t.Errorf("different tag values must hash differently")
	}
}

func runWriter(t *testing.T, w *Writer) (cancel func()) {
	t.Helper()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	return func() {
		stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("writer did not shut down in time")
		}
	}
}

func TestWriterSendsFullBatch(t *testing.T) {
	sender := &captureSender{gotc: make(chan int, 10)}
	w := NewWriter(nil, nil, sender, Opts{ShardCount: 4, ShardBufferSize: 16, BatchSize: 3, BatchDelay: time.Hour})

	stop := runWriter(t, w)
	defer stop()

	w.Enqueue(testPoint("a", 1), testPoint("b", 1), testPoint("c", 1))

	select {
	case n := <-sender.gotc:
		if n != 3 {
			t.Fatalf("expected batch of 3 points, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for full batch to be sent")
	}
}

func TestWriterFlushesPartialBatchOnDelay(t *testing.T) {
	sender := &captureSender{gotc: make(chan int, 10)}
	w := NewWriter(nil, nil, sender, Opts{ShardCount: 4, ShardBufferSize: 16, BatchSize: 100, BatchDelay: 50 * time.Millisecond})

	stop := runWriter(t, w)
	defer stop()

	w.Enqueue(testPoint("a", 1), testPoint("b", 1))

	select {
	case n := <-sender.gotc:
		if n != 2 {
			t.Fatalf("expected partial batch of 2 points, got %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delayed flush")
	}
}

func TestWriterDrainsOnShutdown(t *testing.T) {
	sender := &captureSender{}
	w := NewWriter(nil, nil, sender, Opts{ShardCount: 4, ShardBufferSize: 16, BatchSize: 100, BatchDelay: time.Hour})

	stop := runWriter(t, w)

	w.Enqueue(
		testPoint("a", 1), testPoint("b", 1), testPoint("c", 1),
		testPoint("d", 1), testPoint("e", 1),
	)
	stop()

	if got := sender.total(); got != 5 {
		t.Fatalf("expected all 5 points flushed on shutdown, got %d", got)
	}
	if got := w.Queued(); got != 0 {
		t.Fatalf("expected empty buffers after drain, got %d queued", got)
	}
}

func TestWriterSuppressesDuplicates(t *testing.T) {
	w := NewWriter(nil, nil, NopSender{}, Opts{ShardCount: 4, ShardBufferSize: 16})

	p := testPoint("a", 100)
	w.Enqueue(p)
	w.Enqueue(p)
	if got := w.Queued(); got != 1 {
		t.Fatalf("expected duplicate point to be suppressed, got %d queued", got)
	}
	// A new timestamp for the same series is accepted.
	w.Enqueue(testPoint("a", 101))
	if got := w.Queued(); got != 2 {
		t.Fatalf("expected 2 queued points, got %d", got)
	}
}

func TestWriterEvictsOldestWhenSaturated(t *testing.T) {
	w := NewWriter(nil, nil, NopSender{}, Opts{ShardCount: 1, ShardBufferSize: 2, BatchDelay: time.Hour})

	w.Enqueue(testPoint("a", 1))
	w.Enqueue(testPoint("b", 1))
	w.Enqueue(testPoint("c", 1))

	if got := w.Queued(); got != 2 {
		t.Fatalf("expected 2 queued points after eviction, got %d", got)
	}
	batch := w.newBatch()
	w.fill(batch)
	want := []Point{testPoint("b", 1), testPoint("c", 1)}
	if diff := cmp.Diff(want, batch.points); diff != "" {
		t.Errorf("unexpected surviving points (-want, +got): %s", diff)
	}
}

func TestSendBatchGivesUpWhenContextDone(t *testing.T) {
	sender := &captureSender{failures: 1}
	w := NewWriter(nil, nil, sender, Opts{ShardCount: 1, ShardBufferSize: 16})

	w.Enqueue(testPoint("a", 1))
	batch := w.newBatch()
	w.fill(batch)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.sendBatch(ctx, batch)

	if got := sender.total(); got != 0 {
		t.Fatalf("expected no delivered points, got %d", got)
	}
	// The contributing shard must be released for the next batch.
	w.Enqueue(testPoint("a", 2))
	next := w.newBatch()
	w.fill(next)
	if len(next.points) != 1 {
		t.Fatalf("expected shard to accept new work after failed batch, got %d points", len(next.points))
	}
}
