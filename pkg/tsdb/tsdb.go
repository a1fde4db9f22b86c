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

// Package tsdb buffers measurement points and writes them to a time-series
// backend in batches. Points are spread over shards keyed by series hash,
// each shard keeping at most one batch in flight so that stored order per
// series follows enqueue order.
package tsdb

import (
	"context"
	"hash/fnv"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

// Measurement and tag names of the storage schema.
const (
	MeasurementReading = "sensor_reading"
	MeasurementDerived = "sensor_derived"

	TagSensorID = "sensor_id"
)

// Point is a single timestamped entry of a series, identified by measurement
// name and tag set.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]any
	Timestamp   time.Time
}

// ReadingPoint converts a sensor reading into its stored form.
func ReadingPoint(r sensor.Reading) Point {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Point{
		Measurement: MeasurementReading,
		Tags:        map[string]string{TagSensorID: r.SensorID},
		Fields:      fields,
		Timestamp:   r.Timestamp,
	}
}

// DerivedPoint builds a point for computed per-sensor features such as moving
// averages or vapor pressure deficit. They are stored under a dedicated
// measurement so raw readings stay unmixed with derived data.
func DerivedPoint(sensorID string, ts time.Time, fields map[string]float64) Point {
	fs := make(map[string]any, len(fields))
	for k, v := range fields {
		fs[k] = v
	}
	return Point{
		Measurement: MeasurementDerived,
		Tags:        map[string]string{TagSensorID: sensorID},
		Fields:      fs,
		Timestamp:   ts,
	}
}

// hashSeries identifies the series of a point. Tags are folded in sorted
// order so the hash is independent of map iteration.
func hashSeries(p Point) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.Measurement))
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte{'\xff'})
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'\xff'})
		_, _ = h.Write([]byte(p.Tags[k]))
	}
	return h.Sum64()
}

// Sender writes a batch of points to the storage backend.
type Sender interface {
	WriteBatch(ctx context.Context, points []Point) error
}

// Default tuning of the write pipeline.
const (
	DefaultShardCount      = 64
	DefaultShardBufferSize = 1024
	DefaultBatchSize       = 500
	DefaultBatchDelay      = 5 * time.Second
	DefaultDrainTimeout    = 30 * time.Second

	sendRetryDelay = 2 * time.Second
)

// Opts tunes buffering and batching of the writer.
type Opts struct {
	// Number of shards the queued points are spread over.
	ShardCount int
	// Maximum number of points queued per shard before the oldest is evicted.
	ShardBufferSize int
	// Maximum number of points per write request.
	BatchSize int
	// Time after which a batch is sent regardless of its size.
	BatchDelay time.Duration
	// How long a final flush may take when the writer shuts down.
	DrainTimeout time.Duration
}

func (o *Opts) defaults() {
	if o.ShardCount <= 0 {
		o.ShardCount = DefaultShardCount
	}
	if o.ShardBufferSize <= 0 {
		o.ShardBufferSize = DefaultShardBufferSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
}

// Writer accumulates points and sends them to the backend in batches.
type Writer struct {
	logger log.Logger
	opts   Opts
	sender Sender

	shards      []*shard
	shardOffset int
	seriesCache *seriesCache

	// Channel for signaling that there may be more work to do in the main
	// send loop.
	nextc chan struct{}

	pointsEnqueued      prometheus.Counter
	pointsEvicted       prometheus.Counter
	duplicateSuppressed prometheus.Counter
	pointsSent          prometheus.Counter
	pointsFailed        prometheus.Counter
	sendFailures        prometheus.Counter
	sendIterations      prometheus.Counter
}

// NewWriter returns a writer that hands full or timed-out batches to sender.
// It does nothing until Run is called.
func NewWriter(logger log.Logger, reg prometheus.Registerer, sender Sender, opts Opts) *Writer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.defaults()

	w := &Writer{
		logger:      logger,
		opts:        opts,
		sender:      sender,
		seriesCache: newSeriesCache(logger),
		nextc:       make(chan struct{}, 1),
		pointsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_points_enqueued_total",
			Help: "Number of points accepted into the write buffers.",
		}),
		pointsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_points_evicted_total",
			Help: "Number of queued points evicted because shard buffers were saturated.",
		}),
		duplicateSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_duplicate_points_suppressed_total",
			Help: "Number of points skipped because the series already stored that timestamp.",
		}),
		pointsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_points_sent_total",
			Help: "Number of points successfully written to the backend.",
		}),
		pointsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_points_failed_total",
			Help: "Number of points dropped after send retries were exhausted.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_send_failures_total",
			Help: "Number of failed write requests to the backend.",
		}),
		sendIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_tsdb_send_iterations_total",
			Help: "Number of processing iterations of the send loop.",
		}),
	}
	for i := 0; i < opts.ShardCount; i++ {
		w.shards = append(w.shards, newShard(opts.ShardBufferSize))
	}
	if reg != nil {
		reg.MustRegister(
			w.pointsEnqueued, w.pointsEvicted, w.duplicateSuppressed,
			w.pointsSent, w.pointsFailed, w.sendFailures, w.sendIterations,
		)
	}
	return w
}

// Enqueue queues points for writing. It never blocks; when a shard is
// saturated its oldest queued point is evicted. Exact duplicates of already
// accepted points are suppressed so stored data is never rewritten.
func (w *Writer) Enqueue(points ...Point) {
	var enqueued, evictions, duplicates int
	for _, p := range points {
		if len(p.Fields) == 0 {
			continue
		}
		hash := hashSeries(p)
		if !w.seriesCache.accept(hash, p.Timestamp) {
			duplicates++
			continue
		}
		if w.shards[hash%uint64(len(w.shards))].enqueue(hash, p) {
			evictions++
		}
		enqueued++
	}
	w.pointsEnqueued.Add(float64(enqueued))
	if duplicates > 0 {
		w.duplicateSuppressed.Add(float64(duplicates))
	}
	if evictions > 0 {
		w.pointsEvicted.Add(float64(evictions))
		_ = level.Warn(w.logger).Log("msg", "write buffers saturated, evicted oldest points", "count", evictions)
	}
	if enqueued > 0 {
		w.triggerNext()
	}
}

// Queued returns the number of points currently buffered.
func (w *Writer) Queued() int {
	var n int
	for _, s := range w.shards {
		n += s.length()
	}
	return n
}

// triggerNext notifies the send loop that further data might be available.
func (w *Writer) triggerNext() {
	select {
	case w.nextc <- struct{}{}:
	default:
	}
}

// batch collects points for one write request along with the shards that
// contributed to it, which stay blocked until the request finished.
type batch struct {
	points []Point
	shards []*shard
}

func (w *Writer) newBatch() *batch {
	return &batch{points: make([]Point, 0, w.opts.BatchSize)}
}

func (b *batch) full() bool  { return len(b.points) == cap(b.points) }
func (b *batch) empty() bool { return len(b.points) == 0 }

// fill pulls points from the shards into the batch. Shards are visited in
// rotating order so no shard starves under sustained load.
func (w *Writer) fill(b *batch) {
	for i := 0; i < len(w.shards) && !b.full(); i++ {
		s := w.shards[(w.shardOffset+i)%len(w.shards)]
		if s.fill(&b.points) > 0 {
			b.shards = append(b.shards, s)
		}
	}
	w.shardOffset = (w.shardOffset + 1) % len(w.shards)
}

// sendBatch writes the batch and releases the contributing shards afterwards.
// A failed request is retried once before the points are given up on.
func (w *Writer) sendBatch(ctx context.Context, b *batch) {
	defer func() {
		for _, s := range b.shards {
			s.notifyBatchDone()
		}
		w.triggerNext()
	}()

	if b.empty() {
		return
	}
	err := w.sender.WriteBatch(ctx, b.points)
	if err == nil {
		w.pointsSent.Add(float64(len(b.points)))
		return
	}
	w.sendFailures.Inc()
	_ = level.Warn(w.logger).Log("msg", "batch write failed, retrying once", "points", len(b.points), "err", err)

	select {
	case <-ctx.Done():
	case <-time.After(sendRetryDelay):
		if err := w.sender.WriteBatch(ctx, b.points); err == nil {
			w.pointsSent.Add(float64(len(b.points)))
			return
		}
		w.sendFailures.Inc()
	}
	w.pointsFailed.Add(float64(len(b.points)))
	_ = level.Error(w.logger).Log("msg", "dropping batch after failed retry", "points", len(b.points), "err", err)
}

// Run processes the queued points until ctx is canceled, then drains what
// remains within the configured drain timeout.
func (w *Writer) Run(ctx context.Context) error {
	go w.seriesCache.run(ctx)

	timer := time.NewTimer(w.opts.BatchDelay)
	stopTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	curBatch := w.newBatch()

	// Send the currently accumulated batch asynchronously. Shards that
	// contributed stay blocked until the request completed, keeping at most
	// one batch per shard in flight.
	send := func() {
		go w.sendBatch(ctx, curBatch)
		curBatch = w.newBatch()
	}

	for {
		select {
		case <-ctx.Done():
			w.drain(curBatch)
			return nil
		case <-w.nextc:
			w.sendIterations.Inc()

			w.fill(curBatch)
			if curBatch.full() {
				stopTimer()
				send()
				timer.Reset(w.opts.BatchDelay)
			}
		case <-timer.C:
			w.sendIterations.Inc()

			if !curBatch.empty() {
				send()
			}
			timer.Reset(w.opts.BatchDelay)
		}
	}
}

// drain synchronously flushes all buffered points, bounded by the drain
// timeout. In-flight batches from the regular loop are waited on so their
// shards release remaining points.
func (w *Writer) drain(cur *batch) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.DrainTimeout)
	defer cancel()

	for ctx.Err() == nil {
		w.fill(cur)
		if cur.empty() {
			if w.Queued() == 0 {
				return
			}
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		w.sendBatch(ctx, cur)
		cur = w.newBatch()
	}
	if n := w.Queued(); n > 0 {
		_ = level.Warn(w.logger).Log("msg", "drain timeout reached, unflushed points remain", "points", n)
	}
}
