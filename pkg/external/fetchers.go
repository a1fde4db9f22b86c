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

package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
)

// DefaultOpenMeteoURL is the public Open-Meteo API endpoint.
const DefaultOpenMeteoURL = "https://api.open-meteo.com"

const maxResponseBytes = 1 << 20

// Config selects and parameterizes the harvested sources.
type Config struct {
	Latitude  float64
	Longitude float64
	// Base URL of the Open-Meteo API, overridable for tests.
	OpenMeteoURL string
	// Optional JSON endpoints. A source without a URL stays disabled.
	ElectricityURL string
	MarketURL      string
	TourismURL     string
}

// Sources assembles the harvestable sources for the given config. Weather,
// forecast and solar radiation come from Open-Meteo; electricity prices,
// market prices and tourism stats from deployment-specific JSON endpoints.
func Sources(cfg Config) []Source {
	client := cleanhttp.DefaultPooledClient()

	om := &openMeteo{base: cfg.OpenMeteoURL, lat: cfg.Latitude, lon: cfg.Longitude, client: client}
	if om.base == "" {
		om.base = DefaultOpenMeteoURL
	}
	srcs := []Source{
		{Name: "weather", Measurement: "weather_external", Interval: FreshnessWeather, Fetch: om.currentWeather},
		{Name: "forecast", Label: "weather", Measurement: "weather_external", Interval: FreshnessForecast, Fetch: om.dailyForecast},
		{Name: "solar", Measurement: "solar_times", Interval: FreshnessSolar, Fetch: om.solarRadiation},
	}
	for _, opt := range []struct {
		name        string
		url         string
		measurement string
		interval    time.Duration
	}{
		{"electricity", cfg.ElectricityURL, "electricity_price", FreshnessElectricity},
		{"market", cfg.MarketURL, "market_price", FreshnessMarket},
		{"tourism", cfg.TourismURL, "tourism_index", FreshnessTourism},
	} {
		if opt.url == "" {
			continue
		}
		srcs = append(srcs, Source{Name: opt.name, Measurement: opt.measurement, Interval: opt.interval, Fetch: fetchNumericJSON(client, opt.url)})
	}
	return srcs
}

type openMeteo struct {
	base     string
	lat, lon float64
	client   *http.Client
}

func (om *openMeteo) currentWeather(ctx context.Context) (map[string]float64, error) {
	u := fmt.Sprintf("%s/v1/forecast?latitude=%.4f&longitude=%.4f&current=temperature_2m,relative_humidity_2m,cloud_cover,wind_speed_10m",
		om.base, om.lat, om.lon)

	var resp struct {
		Current map[string]any `json:"current"`
	}
	if err := getJSON(ctx, om.client, u, &resp); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	for api, field := range map[string]string{
		"temperature_2m":       "temperature",
		"relative_humidity_2m": "humidity",
		"cloud_cover":          "cloud_cover",
		"wind_speed_10m":       "wind_speed",
	} {
		if v, ok := resp.Current[api].(float64); ok {
			out[field] = v
		}
	}
	if len(out) == 0 {
		return nil, errors.New("response carried no current weather values")
	}
	return out, nil
}

func (om *openMeteo) dailyForecast(ctx context.Context) (map[string]float64, error) {
	u := fmt.Sprintf("%s/v1/forecast?latitude=%.4f&longitude=%.4f&daily=temperature_2m_max,temperature_2m_min,precipitation_sum&forecast_days=1&timezone=auto",
		om.base, om.lat, om.lon)

	var resp struct {
		Daily struct {
			TempMax []float64 `json:"temperature_2m_max"`
			TempMin []float64 `json:"temperature_2m_min"`
			Precip  []float64 `json:"precipitation_sum"`
		} `json:"daily"`
	}
	if err := getJSON(ctx, om.client, u, &resp); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	if len(resp.Daily.TempMax) > 0 {
		out["forecast_max_temp"] = resp.Daily.TempMax[0]
	}
	if len(resp.Daily.TempMin) > 0 {
		out["forecast_min_temp"] = resp.Daily.TempMin[0]
	}
	if len(resp.Daily.Precip) > 0 {
		out["forecast_precipitation"] = resp.Daily.Precip[0]
	}
	if len(out) == 0 {
		return nil, errors.New("response carried no forecast values")
	}
	return out, nil
}

func (om *openMeteo) solarRadiation(ctx context.Context) (map[string]float64, error) {
	u := fmt.Sprintf("%s/v1/forecast?latitude=%.4f&longitude=%.4f&daily=shortwave_radiation_sum,sunshine_duration&forecast_days=1&timezone=auto",
		om.base, om.lat, om.lon)

	var resp struct {
		Daily struct {
			Radiation []float64 `json:"shortwave_radiation_sum"`
			Sunshine  []float64 `json:"sunshine_duration"`
		} `json:"daily"`
	}
	if err := getJSON(ctx, om.client, u, &resp); err != nil {
		return nil, err
	}
	out := map[string]float64{}
	if len(resp.Daily.Radiation) > 0 {
		out["radiation_sum"] = resp.Daily.Radiation[0]
	}
	if len(resp.Daily.Sunshine) > 0 {
		out["sunshine_duration"] = resp.Daily.Sunshine[0]
	}
	if len(out) == 0 {
		return nil, errors.New("response carried no solar values")
	}
	return out, nil
}

// fetchNumericJSON builds a fetcher that pulls a flat JSON object from url
// and keeps its finite numeric members.
func fetchNumericJSON(client *http.Client, url string) func(context.Context) (map[string]float64, error) {
	return func(ctx context.Context) (map[string]float64, error) {
		var payload map[string]any
		if err := getJSON(ctx, client, url, &payload); err != nil {
			return nil, err
		}
		out := map[string]float64{}
		for k, v := range payload {
			f, ok := v.(float64)
			if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			out[k] = f
		}
		if len(out) == 0 {
			return nil, errors.New("response carried no numeric values")
		}
		return out, nil
	}
}

func getJSON(ctx context.Context, client *http.Client, url string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected response status %q", resp.Status)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(into)
}
