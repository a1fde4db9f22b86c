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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
)

// Calibration intervals per field. Probes drift at very different speeds:
// pH glass electrodes need frequent recalibration, EC probes are stabler.
var calibrationIntervals = map[string]time.Duration{
	sensor.FieldPH: 14 * 24 * time.Hour,
	sensor.FieldEC: 30 * 24 * time.Hour,
}

// DefaultCalibrationInterval applies to fields without a dedicated entry.
const DefaultCalibrationInterval = 30 * 24 * time.Hour

// CalibrationInterval returns how long a calibration of the given field
// remains valid.
func CalibrationInterval(field string) time.Duration {
	if iv, ok := calibrationIntervals[field]; ok {
		return iv
	}
	return DefaultCalibrationInterval
}

// Calibration is one recorded probe calibration.
type Calibration struct {
	SensorID     string    `db:"sensor_id" json:"sensor_id"`
	Field        string    `db:"field" json:"field"`
	CalibratedAt time.Time `db:"calibrated_at" json:"calibrated_at"`
	Notes        string    `db:"notes" json:"notes,omitempty"`
}

// CalibrationDue names a probe whose last calibration has expired.
type CalibrationDue struct {
	SensorID       string    `db:"sensor_id" json:"sensor_id"`
	Field          string    `db:"field" json:"field"`
	LastCalibrated time.Time `db:"last_calibrated" json:"last_calibrated"`
	DueAt          time.Time `db:"-" json:"due_at"`
}

// RecordCalibration appends a calibration for a (sensor, field) pair.
func (s *Store) RecordCalibration(ctx context.Context, c Calibration) error {
	if s == nil || s.db == nil {
		return nil
	}
	const q = `
		INSERT INTO calibrations (sensor_id, field, calibrated_at, notes)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, q, c.SensorID, c.Field, c.CalibratedAt, c.Notes); err != nil {
		return fmt.Errorf("record calibration %s/%s: %w", c.SensorID, c.Field, err)
	}
	return nil
}

// CalibrationsDue lists every (sensor, field) pair whose newest calibration
// is older than the field's interval at the given instant.
func (s *Store) CalibrationsDue(ctx context.Context, now time.Time) ([]CalibrationDue, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	const q = `
		SELECT sensor_id, field, MAX(calibrated_at) AS last_calibrated
		FROM calibrations
		GROUP BY sensor_id, field
		ORDER BY sensor_id, field`
	var latest []CalibrationDue
	if err := s.db.SelectContext(ctx, &latest, q); err != nil {
		return nil, fmt.Errorf("query calibrations: %w", err)
	}
	var due []CalibrationDue
	for _, c := range latest {
		c.DueAt = c.LastCalibrated.Add(CalibrationInterval(c.Field))
		if !now.Before(c.DueAt) {
			due = append(due, c)
		}
	}
	return due, nil
}

// AlertRecord is the persisted form of a dispatched alert.
type AlertRecord struct {
	ID                string    `db:"id" json:"id"`
	At                time.Time `db:"occurred_at" json:"timestamp"`
	RuleID            string    `db:"rule_id" json:"rule_id"`
	Severity          string    `db:"severity" json:"severity"`
	Message           string    `db:"message" json:"message"`
	RecommendedAction string    `db:"recommended_action" json:"recommended_action,omitempty"`
	Snapshot          []byte    `db:"snapshot" json:"-"`
}

// AppendAlert persists one dispatched alert.
func (s *Store) AppendAlert(ctx context.Context, a AlertRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	const q = `
		INSERT INTO alerts (id, occurred_at, rule_id, severity, message, recommended_action, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (id) DO NOTHING`
	snapshot := string(a.Snapshot)
	if snapshot == "" {
		snapshot = "null"
	}
	if _, err := s.db.ExecContext(ctx, q, a.ID, a.At, a.RuleID, a.Severity, a.Message, a.RecommendedAction, snapshot); err != nil {
		return fmt.Errorf("append alert %s: %w", a.ID, err)
	}
	return nil
}

// RecentAlerts returns the newest persisted alerts, newest first.
func (s *Store) RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	const q = `
		SELECT id, occurred_at, rule_id, severity, message, recommended_action, snapshot
		FROM alerts
		ORDER BY occurred_at DESC
		LIMIT $1`
	var alerts []AlertRecord
	if err := s.db.SelectContext(ctx, &alerts, q, limit); err != nil {
		return nil, fmt.Errorf("query recent alerts: %w", err)
	}
	return alerts, nil
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
