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

package notify

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultAsyncWorkers is the size of the send pool.
	DefaultAsyncWorkers = 4
	// DefaultAsyncQueue bounds the pending send queue.
	DefaultAsyncQueue = 256
	// DefaultSendTimeout bounds a single dispatch, all channels included.
	DefaultSendTimeout = 30 * time.Second
	// DefaultDrainTimeout bounds the shutdown drain of queued alerts.
	DefaultDrainTimeout = 30 * time.Second
)

// Async decouples alert dispatch from its callers. Notify enqueues without
// blocking and a fixed worker pool performs the channel sends, so ingest
// workers never wait on provider I/O. On shutdown the pool drains what is
// queued, up to DefaultDrainTimeout.
type Async struct {
	logger  log.Logger
	d       *Dispatcher
	queue   chan Request
	workers int

	sendTimeout  time.Duration
	drainTimeout time.Duration

	droppedTotal prometheus.Counter
}

// NewAsync builds a send pool in front of the dispatcher. workers and
// queueSize fall back to their defaults when zero.
func NewAsync(logger log.Logger, reg prometheus.Registerer, d *Dispatcher, workers, queueSize int) *Async {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if workers <= 0 {
		workers = DefaultAsyncWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultAsyncQueue
	}
	a := &Async{
		logger:       logger,
		d:            d,
		queue:        make(chan Request, queueSize),
		workers:      workers,
		sendTimeout:  DefaultSendTimeout,
		drainTimeout: DefaultDrainTimeout,
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_notify_dropped_total",
			Help: "Alerts dropped because the send queue was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(a.droppedTotal)
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "gateway_notify_queue_depth",
			Help: "Alerts waiting for a send worker.",
		}, func() float64 { return float64(len(a.queue)) }))
	}
	return a
}

// Notify enqueues the request for the send pool. The returned flag reports
// acceptance, not delivery; cooldown suppression happens later on the worker.
// A full queue drops the request.
func (a *Async) Notify(_ context.Context, req Request) (Alert, bool) {
	select {
	case a.queue <- req:
		return Alert{}, true
	default:
		a.droppedTotal.Inc()
		_ = level.Warn(a.logger).Log("msg", "notify queue full, alert dropped", "rule", req.RuleID)
		return Alert{}, false
	}
}

// Run operates the send pool until ctx is canceled, then drains the queue.
func (a *Async) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < a.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					a.drain()
					return
				case req := <-a.queue:
					a.send(req)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// send runs detached from the canceled run context so a shutdown still
// delivers what is already queued.
func (a *Async) send(req Request) {
	ctx, cancel := context.WithTimeout(context.Background(), a.sendTimeout)
	defer cancel()
	a.d.Notify(ctx, req)
}

func (a *Async) drain() {
	deadline := time.Now().Add(a.drainTimeout)
	for {
		select {
		case req := <-a.queue:
			if time.Now().After(deadline) {
				a.droppedTotal.Inc()
				continue
			}
			a.send(req)
		default:
			return
		}
	}
}
