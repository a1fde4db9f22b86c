// Copyright 2025 Google LLC
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

// Package sensor defines the wire and in-memory model of a field-device
// reading: a timestamped map of numeric fields keyed by a fixed vocabulary,
// tagged with a sensor id.
package sensor

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Known field names. Each base field may have a "_secondary" twin reported by
// a redundant probe on the same device.
const (
	FieldTemperature = "temperature"
	FieldHumidity    = "humidity"
	FieldPH          = "ph"
	FieldEC          = "ec"
	FieldWaterLevel  = "water_level"
	FieldWaterTemp   = "water_temp"
	FieldLightLevel  = "light_level"

	// SecondarySuffix marks the redundant twin of a base field.
	SecondarySuffix = "_secondary"
)

// DefaultSensorID is used when a reading does not carry a sensor id.
const DefaultSensorID = "default"

// BaseFields lists the primary field vocabulary in a stable order.
var BaseFields = []string{
	FieldTemperature,
	FieldHumidity,
	FieldPH,
	FieldEC,
	FieldWaterLevel,
	FieldWaterTemp,
	FieldLightLevel,
}

var knownFields = func() map[string]bool {
	m := make(map[string]bool, 2*len(BaseFields))
	for _, f := range BaseFields {
		m[f] = true
		m[f+SecondarySuffix] = true
	}
	return m
}()

// Known reports whether name belongs to the declared field vocabulary.
// Unknown fields are retained through ingest but ignored by analytics.
func Known(name string) bool {
	return knownFields[name]
}

// IsSecondary reports whether name is the redundant twin of a base field.
func IsSecondary(name string) bool {
	return strings.HasSuffix(name, SecondarySuffix)
}

// Base strips the secondary suffix, if any.
func Base(name string) string {
	return strings.TrimSuffix(name, SecondarySuffix)
}

// Secondary returns the twin name for a base field.
func Secondary(name string) string {
	return name + SecondarySuffix
}

// Reading is one measurement report from a device. Fields holds every numeric
// value from the request body; SensorID and Timestamp are pulled out of the
// flat JSON object.
type Reading struct {
	SensorID  string
	Timestamp time.Time
	Fields    map[string]float64
}

// New returns a reading with an initialized field map.
func New(sensorID string) Reading {
	return Reading{SensorID: sensorID, Fields: map[string]float64{}}
}

// Value returns the named field and whether it is present.
func (r Reading) Value(name string) (float64, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// Clone returns a deep copy so callers can hold a reading beyond the
// ingest call without aliasing the field map.
func (r Reading) Clone() Reading {
	out := Reading{SensorID: r.SensorID, Timestamp: r.Timestamp, Fields: make(map[string]float64, len(r.Fields))}
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// FieldNames returns the present field names sorted for deterministic output.
func (r Reading) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Normalize drops non-finite field values and returns the names that were
// dropped. Dropping an optional field is a warning condition, not an error.
func (r *Reading) Normalize() []string {
	var dropped []string
	for k, v := range r.Fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			dropped = append(dropped, k)
			delete(r.Fields, k)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// ValidationError describes a malformed reading or request payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

// Validate checks the ingest preconditions: temperature and humidity must be
// present and finite. Call after Normalize so non-finite values read as absent.
func (r Reading) Validate() error {
	for _, f := range []string{FieldTemperature, FieldHumidity} {
		if _, ok := r.Fields[f]; !ok {
			return &ValidationError{Field: f, Reason: "required and must be finite"}
		}
	}
	return nil
}

// reservedKeys are JSON keys that do not land in the field map.
const (
	keySensorID  = "sensor_id"
	keyTimestamp = "timestamp"
)

// UnmarshalJSON decodes the flat request object: "sensor_id" and "timestamp"
// are pulled out, every other numeric member becomes a field. Non-numeric
// extras are ignored rather than rejected.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.SensorID = ""
	r.Timestamp = time.Time{}
	r.Fields = make(map[string]float64, len(raw))

	for k, v := range raw {
		switch k {
		case keySensorID:
			if err := json.Unmarshal(v, &r.SensorID); err != nil {
				return &ValidationError{Field: keySensorID, Reason: "must be a string"}
			}
		case keyTimestamp:
			if err := r.unmarshalTimestamp(v); err != nil {
				return err
			}
		default:
			var f float64
			if err := json.Unmarshal(v, &f); err != nil {
				// Non-numeric member: not part of the reading.
				continue
			}
			r.Fields[k] = f
		}
	}
	if r.SensorID == "" {
		r.SensorID = DefaultSensorID
	}
	return nil
}

// unmarshalTimestamp accepts RFC 3339 strings and Unix-second numbers
// (fractions allowed).
func (r *Reading) unmarshalTimestamp(v json.RawMessage) error {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return &ValidationError{Field: keyTimestamp, Reason: "must be RFC 3339 or Unix seconds"}
		}
		r.Timestamp = ts
		return nil
	}
	var sec float64
	if err := json.Unmarshal(v, &sec); err != nil {
		return &ValidationError{Field: keyTimestamp, Reason: "must be RFC 3339 or Unix seconds"}
	}
	s1, frac := math.Modf(sec)
	r.Timestamp = time.Unix(int64(s1), int64(frac*1e9))
	return nil
}

// MarshalJSON re-flattens the reading into the wire shape.
func (r Reading) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[keySensorID] = r.SensorID
	if !r.Timestamp.IsZero() {
		out[keyTimestamp] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Pairs returns the base fields for which both the primary and the secondary
// value are present, sorted.
func (r Reading) Pairs() []string {
	var pairs []string
	for _, f := range BaseFields {
		if _, ok := r.Fields[f]; !ok {
			continue
		}
		if _, ok := r.Fields[Secondary(f)]; ok {
			pairs = append(pairs, f)
		}
	}
	return pairs
}
