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

package analytics

import (
	"math"
	"time"
)

type sample struct {
	t time.Time
	v float64
}

// ring is a fixed-capacity sample buffer. Appending beyond capacity evicts
// the oldest sample; the backing array never reallocates.
type ring struct {
	buf  []sample
	head int
	len  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]sample, capacity)}
}

func (r *ring) length() int { return r.len }

func (r *ring) append(s sample) {
	tail := (r.head + r.len) % len(r.buf)
	r.buf[tail] = s
	if r.len == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.len++
	}
}

// at returns the i-th sample counted from the oldest.
func (r *ring) at(i int) sample {
	return r.buf[(r.head+i)%len(r.buf)]
}

// values returns the retained values oldest first.
func (r *ring) values() []float64 {
	res := make([]float64, r.len)
	for i := 0; i < r.len; i++ {
		res[i] = r.at(i).v
	}
	return res
}

// tailMean averages the most recent n values, or all of them when fewer are
// retained.
func (r *ring) tailMean(n int) float64 {
	if n > r.len {
		n = r.len
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := r.len - n; i < r.len; i++ {
		sum += r.at(i).v
	}
	return sum / float64(n)
}

// stats returns mean and standard deviation over all retained values.
func (r *ring) stats() (mean, stddev float64) {
	if r.len == 0 {
		return 0, 0
	}
	var sum float64
	for i := 0; i < r.len; i++ {
		sum += r.at(i).v
	}
	mean = sum / float64(r.len)

	var sq float64
	for i := 0; i < r.len; i++ {
		d := r.at(i).v - mean
		sq += d * d
	}
	stddev = math.Sqrt(sq / float64(r.len))
	return mean, stddev
}

// tailSlope fits a least-squares line through the most recent n values with
// the sample index as x and returns its slope per sample.
func (r *ring) tailSlope(n int) float64 {
	if n > r.len {
		n = r.len
	}
	if n < 2 {
		return 0
	}
	// x = 0..n-1, so sum(x) and sum(x²) have closed forms.
	fn := float64(n)
	sumX := fn * (fn - 1) / 2
	sumXX := fn * (fn - 1) * (2*fn - 1) / 6

	var sumY, sumXY float64
	for i := 0; i < n; i++ {
		y := r.at(r.len - n + i).v
		sumY += y
		sumXY += float64(i) * y
	}
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}
