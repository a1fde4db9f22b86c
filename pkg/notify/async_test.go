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
	"testing"
	"time"
)

func TestAsyncDeliversThroughPool(t *testing.T) {
	ch := &fakeChannel{name: "console", available: true}
	d := NewDispatcher(nil, nil, []Channel{ch}, time.Minute, 10)
	a := NewAsync(nil, nil, d, 2, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()

	if _, ok := a.Notify(context.Background(), Request{
		RuleID:   "r1",
		Severity: SeverityInfo,
		Message:  "hello",
	}); !ok {
		t.Fatal("enqueue rejected")
	}

	deadline := time.After(2 * time.Second)
	for ch.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("alert never reached the channel")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done

	if got := ch.last(); got.Subject == "" {
		t.Fatalf("channel got empty message: %+v", got)
	}
	if len(d.History()) != 1 {
		t.Fatalf("history size = %d, want 1", len(d.History()))
	}
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, time.Minute, 10)
	a := NewAsync(nil, nil, d, 1, 1)
	// No Run: the single queue slot fills and stays full.

	if _, ok := a.Notify(context.Background(), Request{RuleID: "r1"}); !ok {
		t.Fatal("first enqueue rejected")
	}
	if _, ok := a.Notify(context.Background(), Request{RuleID: "r2"}); ok {
		t.Fatal("second enqueue accepted despite full queue")
	}
}

func TestAsyncDrainsQueueOnShutdown(t *testing.T) {
	ch := &fakeChannel{name: "console", available: true}
	d := NewDispatcher(nil, nil, []Channel{ch}, time.Minute, 10)
	a := NewAsync(nil, nil, d, 1, 16)

	// Queue before the pool starts, then run with a canceled context: the
	// worker must still flush both alerts on its way out.
	a.Notify(context.Background(), Request{RuleID: "r1", Severity: SeverityInfo, Message: "one"})
	a.Notify(context.Background(), Request{RuleID: "r2", Severity: SeverityInfo, Message: "two"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatalf("run: %s", err)
	}

	if got := ch.count(); got != 2 {
		t.Fatalf("delivered %d alerts during drain, want 2", got)
	}
}
