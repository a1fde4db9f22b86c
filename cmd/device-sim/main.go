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

// The device-sim binary impersonates a field device: it posts synthetic
// sensor readings against a running gateway and polls the command queue the
// way the firmware would. Values follow a diurnal sine cycle with noise, a
// slightly offset secondary probe pair, and occasional injected spikes so
// that drift detection, anomaly flags and rule firings all get exercised.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/oklog/run"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

type simOptions struct {
	GatewayURL  string
	APIKey      string
	SensorIDs   []string
	Interval    time.Duration
	SpikeChance float64
	ProbeOffset float64
	Seed        int64
}

func (opts *simOptions) setupFlags(a *kingpin.Application) {
	a.Flag("gateway.url", "Base URL of the gateway.").
		Default(opts.GatewayURL).Envar("GATEWAY_URL").
		StringVar(&opts.GatewayURL)

	a.Flag("gateway.api-key", "API key sent in the X-API-Key header.").
		Envar("API_KEY").
		StringVar(&opts.APIKey)

	a.Flag("sensor.id", "Sensor id to report as. Repeatable.").
		Default(sensor.DefaultSensorID).
		StringsVar(&opts.SensorIDs)

	a.Flag("interval", "Time between readings per sensor.").
		Default(opts.Interval.String()).
		DurationVar(&opts.Interval)

	a.Flag("spike.chance", "Probability per reading of an injected temperature spike.").
		Default(fmt.Sprintf("%g", opts.SpikeChance)).
		Float64Var(&opts.SpikeChance)

	a.Flag("probe.offset", "Constant bias of the secondary temperature/humidity probes.").
		Default(fmt.Sprintf("%g", opts.ProbeOffset)).
		Float64Var(&opts.ProbeOffset)

	a.Flag("seed", "Random seed. Zero derives one from the clock.").
		Default("0").
		Int64Var(&opts.Seed)
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("device-sim", "Synthetic hydroponics field device")

	a.HelpFlag.Short('h')

	opts := simOptions{
		GatewayURL:  "http://localhost:8000",
		Interval:    10 * time.Second,
		SpikeChance: 0.02,
		ProbeOffset: 0.4,
	}
	opts.setupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	sim := &simulator{
		logger: logger,
		client: cleanhttp.DefaultPooledClient(),
		rnd:    rand.New(rand.NewSource(seed)),
		opts:   opts,
	}

	var g run.Group
	{
		// Termination handler.
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)
		g.Add(
			func() error {
				select {
				case <-term:
					_ = level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	{
		// Reading emitter.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return sim.emit(ctx)
		}, func(error) {
			cancel()
		})
	}
	{
		// Command poller.
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return sim.poll(ctx)
		}, func(error) {
			cancel()
		})
	}
	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "Running device-sim failed", "err", err)
		os.Exit(1)
	}
}

type simulator struct {
	logger log.Logger
	client *http.Client
	rnd    *rand.Rand
	opts   simOptions
}

// emit posts one reading per sensor per interval.
func (s *simulator) emit(ctx context.Context) error {
	tick := time.NewTicker(s.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			for i, id := range s.opts.SensorIDs {
				r := s.reading(id, now, float64(i))
				if err := s.post(ctx, r); err != nil {
					_ = level.Warn(s.logger).Log("msg", "posting reading failed", "sensor", id, "err", err)
				}
			}
		}
	}
}

// reading synthesizes one measurement. Values ride a 24 h sine wave whose
// phase puts the temperature peak mid-afternoon; the per-sensor shift keeps
// multiple simulated sensors from reporting identical curves.
func (s *simulator) reading(sensorID string, now time.Time, shift float64) sensor.Reading {
	day := float64(now.Hour()*3600+now.Minute()*60+now.Second()) / 86400
	phase := 2*math.Pi*day - 2*math.Pi/3 + shift/10

	temp := 22.5 + 4.5*math.Sin(phase) + s.rnd.NormFloat64()*0.3
	if s.rnd.Float64() < s.opts.SpikeChance {
		temp += 8 + s.rnd.Float64()*4
		_ = level.Info(s.logger).Log("msg", "injecting temperature spike", "sensor", sensorID)
	}
	hum := 62 - 10*math.Sin(phase) + s.rnd.NormFloat64()*1.5

	// Lights on 06:00-22:00, tapering at the edges.
	var light float64
	if h := float64(now.Hour()) + float64(now.Minute())/60; h > 6 && h < 22 {
		light = 38000 * math.Sin(math.Pi*(h-6)/16)
	}

	r := sensor.New(sensorID)
	r.Timestamp = now.UTC()
	r.Fields["temperature"] = round1(temp)
	r.Fields["humidity"] = round1(clamp(hum, 20, 95))
	r.Fields["temperature2"] = round1(temp + s.opts.ProbeOffset + s.rnd.NormFloat64()*0.1)
	r.Fields["humidity2"] = round1(clamp(hum-s.opts.ProbeOffset, 20, 95))
	r.Fields["ph"] = round2(6.1 + 0.15*math.Sin(2*phase) + s.rnd.NormFloat64()*0.03)
	r.Fields["ec"] = round2(1.8 + 0.2*math.Sin(phase/2) + s.rnd.NormFloat64()*0.02)
	r.Fields["water_level"] = round1(clamp(95-55*day+s.rnd.NormFloat64(), 5, 100))
	r.Fields["light"] = math.Round(clamp(light+s.rnd.NormFloat64()*500, 0, 45000))
	r.Fields["co2"] = math.Round(450 + 60*math.Sin(phase) + s.rnd.NormFloat64()*10)
	return r
}

func (s *simulator) post(ctx context.Context, r sensor.Reading) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.GatewayURL+"/api/data", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.APIKey != "" {
		req.Header.Set("X-API-Key", s.opts.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var out struct {
		Triggered []string `json:"triggered_rules"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if len(out.Triggered) > 0 {
		_ = level.Info(s.logger).Log("msg", "reading triggered rules", "sensor", r.SensorID, "rules", strings.Join(out.Triggered, ","))
	}
	return nil
}

// poll drains the command queue per sensor the way device firmware does and
// logs anything the gateway wants the device to do.
func (s *simulator) poll(ctx context.Context) error {
	tick := time.NewTicker(s.opts.Interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			for _, id := range s.opts.SensorIDs {
				cmds, err := s.fetchCommands(ctx, id)
				if err != nil {
					_ = level.Warn(s.logger).Log("msg", "polling commands failed", "sensor", id, "err", err)
					continue
				}
				for _, name := range sortedKeys(cmds) {
					if name == "led" && cmds[name] == "off" {
						continue
					}
					_ = level.Info(s.logger).Log("msg", "acquired command", "sensor", id, "command", name, "value", cmds[name])
				}
			}
		}
	}
}

func (s *simulator) fetchCommands(ctx context.Context, sensorID string) (map[string]string, error) {
	u := s.opts.GatewayURL + "/api/commands?sensor_id=" + url.QueryEscape(sensorID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if s.opts.APIKey != "" {
		req.Header.Set("X-API-Key", s.opts.APIKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	var out struct {
		Commands map[string]string `json:"commands"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
