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

// Package store persists the gateway's lifecycle data in a relational
// database: crops and their stage transitions, harvests, probe calibrations,
// dispatched alerts and audit events. The schema is managed through embedded
// migrations applied on startup.
//
// All methods are nil-safe: calling them on a nil *Store records nothing and
// reports no data, so deployments without a database skip persistence without
// touching the ingest path.
package store

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/t0118430/technological-foods-sub000/pkg/crop"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps the relational database connection.
type Store struct {
	logger log.Logger
	db     *sqlx.DB
}

// Open connects to the database named by a postgres:// URL and brings the
// schema up to date.
func Open(ctx context.Context, logger log.Logger, url string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", url)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	s := New(logger, db)
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection without touching the schema. Tests use it
// with a mock connection.
func New(logger log.Logger, db *sqlx.DB) *Store {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{logger: logger, db: db}
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, s.db.DB)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	_ = level.Info(s.logger).Log("msg", "database schema up to date", "version", version)
	return nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveCrop inserts the crop or, when its id already exists, updates the
// mutable lifecycle columns.
func (s *Store) SaveCrop(ctx context.Context, c crop.Crop) error {
	if s == nil || s.db == nil {
		return nil
	}
	const q = `
		INSERT INTO crops (id, variety, zone, plant_date, status, current_stage, stage_started)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			stage_started = EXCLUDED.stage_started,
			updated_at    = now()`
	if _, err := s.db.ExecContext(ctx, q,
		c.ID, c.Variety, c.Zone, c.PlantDate, c.Status, c.CurrentStage, c.StageStarted); err != nil {
		return fmt.Errorf("save crop %s: %w", c.ID, err)
	}
	return nil
}

// ActiveCrops returns every crop that has not been harvested, ordered by id.
func (s *Store) ActiveCrops(ctx context.Context) ([]crop.Crop, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	const q = `
		SELECT id, variety, zone, plant_date, status, current_stage, stage_started
		FROM crops
		WHERE status = $1
		ORDER BY id`
	var crops []crop.Crop
	if err := s.db.SelectContext(ctx, &crops, q, crop.StatusActive); err != nil {
		return nil, fmt.Errorf("list active crops: %w", err)
	}
	return crops, nil
}

// RecordStageEvent appends one stage transition of a crop.
func (s *Store) RecordStageEvent(ctx context.Context, ev crop.StageEvent) error {
	if s == nil || s.db == nil {
		return nil
	}
	const q = `
		INSERT INTO crop_stage_events (crop_id, from_stage, to_stage, auto, occurred_at)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, q, ev.CropID, ev.FromStage, ev.ToStage, ev.Auto, ev.At); err != nil {
		return fmt.Errorf("record stage event for crop %s: %w", ev.CropID, err)
	}
	return nil
}

// RecordHarvest appends the harvest record of a crop.
func (s *Store) RecordHarvest(ctx context.Context, h crop.Harvest) error {
	if s == nil || s.db == nil {
		return nil
	}
	const q = `
		INSERT INTO harvests (crop_id, harvested_at, yield_grams, notes)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.db.ExecContext(ctx, q, h.CropID, h.At, h.YieldGrams, h.Notes); err != nil {
		return fmt.Errorf("record harvest for crop %s: %w", h.CropID, err)
	}
	return nil
}

// AppendAudit records an auditable event such as an operator editing rules or
// crop state through the API. detail lands in a jsonb column and may be nil.
func (s *Store) AppendAudit(ctx context.Context, kind string, detail map[string]any) error {
	if s == nil || s.db == nil {
		return nil
	}
	payload, err := encodeJSON(detail)
	if err != nil {
		return fmt.Errorf("encode audit detail: %w", err)
	}
	const q = `INSERT INTO audit_events (occurred_at, kind, detail) VALUES ($1, $2, $3::jsonb)`
	if _, err := s.db.ExecContext(ctx, q, time.Now().UTC(), kind, payload); err != nil {
		return fmt.Errorf("append audit event %q: %w", kind, err)
	}
	return nil
}
