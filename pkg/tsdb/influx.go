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

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// InfluxSender writes batches to an InfluxDB 2.x bucket.
type InfluxSender struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// NewInfluxSender connects to the given InfluxDB instance. The connection is
// lazy; failures surface on the first write or ping.
func NewInfluxSender(url, token, org, bucket string) *InfluxSender {
	opts := influxdb2.DefaultOptions().SetHTTPClient(cleanhttp.DefaultPooledClient())
	client := influxdb2.NewClientWithOptions(url, token, opts)
	return &InfluxSender{
		client: client,
		write:  client.WriteAPIBlocking(org, bucket),
	}
}

func (s *InfluxSender) WriteBatch(ctx context.Context, points []Point) error {
	pts := make([]*write.Point, 0, len(points))
	for _, p := range points {
		pts = append(pts, influxdb2.NewPoint(p.Measurement, p.Tags, p.Fields, p.Timestamp))
	}
	return s.write.WritePoint(ctx, pts...)
}

// Ping probes whether the backend is reachable.
func (s *InfluxSender) Ping(ctx context.Context) (bool, error) {
	return s.client.Ping(ctx)
}

func (s *InfluxSender) Close() {
	s.client.Close()
}

// NopSender discards all batches. It stands in when no time-series backend
// is configured, keeping the rest of the pipeline oblivious.
type NopSender struct{}

func (NopSender) WriteBatch(context.Context, []Point) error { return nil }
