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

import "github.com/t0118430/technological-foods-sub000/pkg/sensor"

// BufferMaxSize caps every per-field sample ring. At the usual few-second
// ingest cadence this covers roughly the last half hour to an hour.
const BufferMaxSize = 900

// HighSpikeZ marks a spike as high severity.
const HighSpikeZ = 3.5

// minSpikeSamples is how many samples a ring needs before z-scores carry
// meaning.
const minSpikeSamples = 10

// minTrendSamples is the least history a trend is computed from.
const minTrendSamples = 5

// trendWindow is how many recent samples the trend regression covers.
const trendWindow = 30

// FieldConfig tunes anomaly detection and trend classification per field.
type FieldConfig struct {
	// SpikeZ is the z-score magnitude that flags a spike.
	SpikeZ float64
	// FlatlineN consecutive identical values flag a stuck sensor.
	FlatlineN int
	// JumpPct is the relative step between consecutive samples that flags a
	// sudden jump.
	JumpPct float64
	// TrendThreshold is the relative per-sample slope above which a trend
	// counts as rising or falling.
	TrendThreshold float64
}

var defaultFieldConfig = FieldConfig{SpikeZ: 2.5, FlatlineN: 60, JumpPct: 0.10, TrendThreshold: 0.002}

var fieldConfigs = map[string]FieldConfig{
	sensor.FieldTemperature: {SpikeZ: 2.5, FlatlineN: 60, JumpPct: 0.10, TrendThreshold: 0.002},
	sensor.FieldHumidity:    {SpikeZ: 2.5, FlatlineN: 60, JumpPct: 0.15, TrendThreshold: 0.002},
	sensor.FieldPH:          {SpikeZ: 2.0, FlatlineN: 120, JumpPct: 0.03, TrendThreshold: 0.001},
	sensor.FieldEC:          {SpikeZ: 2.5, FlatlineN: 120, JumpPct: 0.08, TrendThreshold: 0.002},
	sensor.FieldWaterLevel:  {SpikeZ: 2.5, FlatlineN: 300, JumpPct: 0.20, TrendThreshold: 0.002},
	sensor.FieldLightLevel:  {SpikeZ: 3.0, FlatlineN: 60, JumpPct: 0.50, TrendThreshold: 0.01},
}

// configFor resolves the tuning of a field. Secondary fields share their
// base field's config; known fields without an entry use the default.
func configFor(field string) FieldConfig {
	if c, ok := fieldConfigs[sensor.Base(field)]; ok {
		return c
	}
	return defaultFieldConfig
}

// DefaultLuxToPPFD converts illuminance to photon flux for typical
// greenhouse LED spectra.
const DefaultLuxToPPFD = 0.0185

// DefaultPhotoperiodHours is the assumed daily light window when no variety
// specifies one.
const DefaultPhotoperiodHours = 14

// Profile carries the variety-specific parameters of a sensor's zone.
type Profile struct {
	// VPD band in kPa.
	VPDLow  float64
	VPDHigh float64
	// Daily light window in hours.
	PhotoperiodHours float64
	// DLI target in mol/m²/day. Zero disables the supplemental-lighting
	// advisory.
	DLITarget float64
	// Lux to µmol/m²/s conversion factor of the installed light source.
	LuxToPPFD float64
}

// DefaultProfile is the fallback when no crop is bound to a sensor: the
// lettuce VPD band with the unified photoperiod and no DLI target.
func DefaultProfile() Profile {
	return Profile{
		VPDLow:           0.8,
		VPDHigh:          1.2,
		PhotoperiodHours: DefaultPhotoperiodHours,
		LuxToPPFD:        DefaultLuxToPPFD,
	}
}

func (p Profile) withDefaults() Profile {
	d := DefaultProfile()
	if p.VPDLow == 0 && p.VPDHigh == 0 {
		p.VPDLow, p.VPDHigh = d.VPDLow, d.VPDHigh
	}
	if p.PhotoperiodHours <= 0 {
		p.PhotoperiodHours = d.PhotoperiodHours
	}
	if p.LuxToPPFD <= 0 {
		p.LuxToPPFD = d.LuxToPPFD
	}
	return p
}
