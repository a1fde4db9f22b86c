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

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

const redisKeyPrefix = "hydro:latest:"

// Redis is a Latest implementation backed by a Redis instance, letting
// multiple gateway replicas share the latest-reading view.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis wraps an existing client. The caller owns the client lifecycle.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// NewRedisFromURL connects to the instance named by a redis:// URL.
func NewRedisFromURL(url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return NewRedis(redis.NewClient(opts), ttl), nil
}

// Ping probes the connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Put(ctx context.Context, reading sensor.Reading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	return r.client.Set(ctx, redisKeyPrefix+reading.SensorID, payload, r.ttl).Err()
}

func (r *Redis) Get(ctx context.Context, sensorID string) (sensor.Reading, bool, error) {
	payload, err := r.client.Get(ctx, redisKeyPrefix+sensorID).Bytes()
	if errors.Is(err, redis.Nil) {
		return sensor.Reading{}, false, nil
	}
	if err != nil {
		return sensor.Reading{}, false, err
	}
	var reading sensor.Reading
	if err := json.Unmarshal(payload, &reading); err != nil {
		return sensor.Reading{}, false, fmt.Errorf("decode reading: %w", err)
	}
	return reading, true, nil
}

func (r *Redis) Newest(ctx context.Context) (sensor.Reading, bool, error) {
	all, err := r.All(ctx)
	if err != nil || len(all) == 0 {
		return sensor.Reading{}, false, err
	}
	newest := all[0]
	for _, reading := range all[1:] {
		if reading.Timestamp.After(newest.Timestamp) {
			newest = reading
		}
	}
	return newest, true, nil
}

func (r *Redis) All(ctx context.Context) ([]sensor.Reading, error) {
	var res []sensor.Reading

	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		payload, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, err
		}
		var reading sensor.Reading
		if err := json.Unmarshal(payload, &reading); err != nil {
			return nil, fmt.Errorf("decode reading at %q: %w", iter.Val(), err)
		}
		res = append(res, reading)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Slice(res, func(i, j int) bool { return res[i].SensorID < res[j].SensorID })
	return res, nil
}
