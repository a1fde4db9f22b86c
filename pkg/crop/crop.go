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

package crop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Crop statuses.
const (
	StatusActive    = "active"
	StatusHarvested = "harvested"
)

// DefaultSweepInterval spaces the automatic stage-advance sweeps.
const DefaultSweepInterval = time.Hour

var (
	ErrNotFound       = errors.New("crop not found")
	ErrUnknownVariety = errors.New("unknown variety")
	ErrZoneOccupied   = errors.New("zone already has an active crop")
	ErrFinalStage     = errors.New("crop is in its final stage")
	ErrHarvested      = errors.New("crop already harvested")
)

// Crop is one tracked planting. Zone names the sensor covering it, which is
// how readings, analytics profiles and threshold overlays find their crop.
type Crop struct {
	ID           string    `json:"id" db:"id"`
	Variety      string    `json:"variety" db:"variety"`
	Zone         string    `json:"zone" db:"zone"`
	PlantDate    time.Time `json:"plant_date" db:"plant_date"`
	Status       string    `json:"status" db:"status"`
	CurrentStage string    `json:"current_stage" db:"current_stage"`
	StageStarted time.Time `json:"stage_started" db:"stage_started"`
}

// StageEvent records one stage transition.
type StageEvent struct {
	CropID    string    `json:"crop_id" db:"crop_id"`
	FromStage string    `json:"from_stage" db:"from_stage"`
	ToStage   string    `json:"to_stage" db:"to_stage"`
	Auto      bool      `json:"auto" db:"auto"`
	At        time.Time `json:"occurred_at" db:"occurred_at"`
}

// Harvest records the yield taken from a crop.
type Harvest struct {
	CropID     string    `json:"crop_id" db:"crop_id"`
	At         time.Time `json:"harvested_at" db:"harvested_at"`
	YieldGrams float64   `json:"yield_grams" db:"yield_grams"`
	Notes      string    `json:"notes" db:"notes"`
}

// Recorder persists lifecycle changes. A nil Recorder disables persistence;
// the in-memory state stays authoritative either way and persistence errors
// only log.
type Recorder interface {
	SaveCrop(ctx context.Context, c Crop) error
	RecordStageEvent(ctx context.Context, ev StageEvent) error
	RecordHarvest(ctx context.Context, h Harvest) error
	ActiveCrops(ctx context.Context) ([]Crop, error)
}

// CreateRequest is the payload for registering a crop.
type CreateRequest struct {
	Variety string `json:"variety" validate:"required"`
	Zone    string `json:"zone" validate:"required"`
	// PlantDate defaults to now.
	PlantDate time.Time `json:"plant_date,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Service tracks crops in memory and mirrors lifecycle changes into the
// Recorder. One active crop per zone.
type Service struct {
	logger log.Logger
	cfg    Config
	rec    Recorder
	now    func() time.Time

	sweepInterval time.Duration

	mtx   sync.RWMutex
	crops map[string]*Crop

	activeCrops   prometheus.Gauge
	transitions   *prometheus.CounterVec
	harvestsTotal prometheus.Counter
}

// NewService returns a crop service over the given variety catalog. rec may
// be nil.
func NewService(logger log.Logger, reg prometheus.Registerer, cfg Config, rec Recorder) *Service {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	s := &Service{
		logger:        logger,
		cfg:           cfg,
		rec:           rec,
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		crops:         map[string]*Crop{},
		activeCrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_crops_active",
			Help: "Number of crops currently tracked as active.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_crop_stage_transitions_total",
			Help: "Stage transitions, by trigger mode.",
		}, []string{"mode"}),
		harvestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_crop_harvests_total",
			Help: "Crops marked as harvested.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.activeCrops, s.transitions, s.harvestsTotal)
	}
	return s
}

// Config returns the variety catalog the service runs on.
func (s *Service) Config() Config { return s.cfg }

// Restore loads active crops from the recorder, typically once at startup.
func (s *Service) Restore(ctx context.Context) error {
	if s.rec == nil {
		return nil
	}
	crops, err := s.rec.ActiveCrops(ctx)
	if err != nil {
		return fmt.Errorf("restore crops: %w", err)
	}
	s.mtx.Lock()
	for i := range crops {
		c := crops[i]
		if _, ok := s.cfg.Variety(c.Variety); !ok {
			_ = level.Warn(s.logger).Log("msg", "restored crop references unknown variety", "crop", c.ID, "variety", c.Variety)
		}
		s.crops[c.ID] = &c
	}
	s.mtx.Unlock()
	s.activeCrops.Set(float64(len(s.List())))
	if len(crops) > 0 {
		_ = level.Info(s.logger).Log("msg", "restored crops from database", "count", len(crops))
	}
	return nil
}

// Create registers a crop in its variety's first stage.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Crop, error) {
	if err := validate.Struct(req); err != nil {
		return Crop{}, fmt.Errorf("invalid crop: %w", err)
	}
	v, ok := s.cfg.Variety(req.Variety)
	if !ok {
		return Crop{}, fmt.Errorf("%w: %q (have %v)", ErrUnknownVariety, req.Variety, s.cfg.Names())
	}
	now := s.now()
	plant := req.PlantDate
	if plant.IsZero() {
		plant = now
	}
	c := Crop{
		ID:           uuid.NewString(),
		Variety:      req.Variety,
		Zone:         req.Zone,
		PlantDate:    plant,
		Status:       StatusActive,
		CurrentStage: v.Stages[0].Name,
		StageStarted: plant,
	}

	s.mtx.Lock()
	for _, existing := range s.crops {
		if existing.Status == StatusActive && existing.Zone == c.Zone {
			s.mtx.Unlock()
			return Crop{}, fmt.Errorf("%w: %q", ErrZoneOccupied, c.Zone)
		}
	}
	s.crops[c.ID] = &c
	s.mtx.Unlock()

	s.activeCrops.Inc()
	_ = level.Info(s.logger).Log("msg", "crop created", "crop", c.ID, "variety", c.Variety, "zone", c.Zone, "stage", c.CurrentStage)
	s.persist("save crop", func() error { return s.rec.SaveCrop(ctx, c) })
	return c, nil
}

// Get returns the crop with the given id.
func (s *Service) Get(id string) (Crop, bool) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	c, ok := s.crops[id]
	if !ok {
		return Crop{}, false
	}
	return *c, true
}

// List returns all tracked crops, oldest planting first.
func (s *Service) List() []Crop {
	s.mtx.RLock()
	out := make([]Crop, 0, len(s.crops))
	for _, c := range s.crops {
		out = append(out, *c)
	}
	s.mtx.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PlantDate.Equal(out[j].PlantDate) {
			return out[i].PlantDate.Before(out[j].PlantDate)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// StageConditions reports what the crop's current stage expects from its
// environment.
type StageConditions struct {
	CropID       string           `json:"crop_id"`
	Variety      string           `json:"variety"`
	Stage        string           `json:"stage"`
	DaysInStage  float64          `json:"days_in_stage"`
	ExpectedDays float64          `json:"expected_days"`
	Ranges       map[string]Range `json:"ranges"`
	Photoperiod  float64          `json:"photoperiod_hours"`
	DLITarget    float64          `json:"dli_target"`
	VPDBand      VPDBand          `json:"vpd_band"`
}

// Conditions returns the current stage expectations of a crop.
func (s *Service) Conditions(id string) (StageConditions, error) {
	c, ok := s.Get(id)
	if !ok {
		return StageConditions{}, ErrNotFound
	}
	v, ok := s.cfg.Variety(c.Variety)
	if !ok {
		return StageConditions{}, fmt.Errorf("%w: %q", ErrUnknownVariety, c.Variety)
	}
	st, ok := v.Stage(c.CurrentStage)
	if !ok {
		return StageConditions{}, fmt.Errorf("variety %q has no stage %q", c.Variety, c.CurrentStage)
	}
	return StageConditions{
		CropID:       c.ID,
		Variety:      c.Variety,
		Stage:        st.Name,
		DaysInStage:  s.now().Sub(c.StageStarted).Hours() / 24,
		ExpectedDays: time.Duration(st.Expected).Hours() / 24,
		Ranges:       st.Ranges,
		Photoperiod:  v.PhotoperiodHours,
		DLITarget:    v.DLITarget,
		VPDBand:      v.VPDBand,
	}, nil
}

// Advance moves a crop into its next stage and records the transition. auto
// marks sweep-driven advances.
func (s *Service) Advance(ctx context.Context, id string, auto bool) (Crop, error) {
	s.mtx.Lock()
	c, ok := s.crops[id]
	if !ok {
		s.mtx.Unlock()
		return Crop{}, ErrNotFound
	}
	if c.Status != StatusActive {
		s.mtx.Unlock()
		return Crop{}, ErrHarvested
	}
	v, ok := s.cfg.Variety(c.Variety)
	if !ok {
		s.mtx.Unlock()
		return Crop{}, fmt.Errorf("%w: %q", ErrUnknownVariety, c.Variety)
	}
	next, ok := v.NextStage(c.CurrentStage)
	if !ok {
		s.mtx.Unlock()
		return Crop{}, ErrFinalStage
	}
	from := c.CurrentStage
	now := s.now()
	c.CurrentStage = next.Name
	c.StageStarted = now
	updated := *c
	s.mtx.Unlock()

	mode := "manual"
	if auto {
		mode = "auto"
	}
	s.transitions.WithLabelValues(mode).Inc()
	_ = level.Info(s.logger).Log("msg", "crop advanced", "crop", updated.ID, "from", from, "to", updated.CurrentStage, "mode", mode)
	s.persist("save crop", func() error { return s.rec.SaveCrop(ctx, updated) })
	s.persist("record stage event", func() error {
		return s.rec.RecordStageEvent(ctx, StageEvent{
			CropID:    updated.ID,
			FromStage: from,
			ToStage:   updated.CurrentStage,
			Auto:      auto,
			At:        now,
		})
	})
	return updated, nil
}

// Harvest closes out a crop and records its yield.
func (s *Service) Harvest(ctx context.Context, id string, yieldGrams float64, notes string) (Crop, error) {
	s.mtx.Lock()
	c, ok := s.crops[id]
	if !ok {
		s.mtx.Unlock()
		return Crop{}, ErrNotFound
	}
	if c.Status != StatusActive {
		s.mtx.Unlock()
		return Crop{}, ErrHarvested
	}
	now := s.now()
	c.Status = StatusHarvested
	updated := *c
	s.mtx.Unlock()

	s.activeCrops.Dec()
	s.harvestsTotal.Inc()
	_ = level.Info(s.logger).Log("msg", "crop harvested", "crop", updated.ID, "variety", updated.Variety, "yield_grams", yieldGrams)
	s.persist("save crop", func() error { return s.rec.SaveCrop(ctx, updated) })
	s.persist("record harvest", func() error {
		return s.rec.RecordHarvest(ctx, Harvest{
			CropID:     updated.ID,
			At:         now,
			YieldGrams: yieldGrams,
			Notes:      notes,
		})
	})
	return updated, nil
}

// AutoAdvance advances every active crop whose current stage has run its
// expected duration at the given instant. It returns the number of crops
// advanced. A crop advances at most one stage per sweep.
func (s *Service) AutoAdvance(ctx context.Context, now time.Time) int {
	var due []string
	s.mtx.RLock()
	for id, c := range s.crops {
		if c.Status != StatusActive {
			continue
		}
		v, ok := s.cfg.Variety(c.Variety)
		if !ok {
			continue
		}
		st, ok := v.Stage(c.CurrentStage)
		if !ok {
			continue
		}
		if _, ok := v.NextStage(c.CurrentStage); !ok {
			continue
		}
		expected := time.Duration(st.Expected)
		if expected <= 0 {
			continue
		}
		if now.Sub(c.StageStarted) >= expected {
			due = append(due, id)
		}
	}
	s.mtx.RUnlock()

	advanced := 0
	for _, id := range due {
		if _, err := s.Advance(ctx, id, true); err != nil {
			_ = level.Warn(s.logger).Log("msg", "automatic stage advance failed", "crop", id, "err", err)
			continue
		}
		advanced++
	}
	return advanced
}

// Run sweeps for due stage advances until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.AutoAdvance(ctx, s.now()); n > 0 {
				_ = level.Info(s.logger).Log("msg", "advanced crops past their stage window", "count", n)
			}
		}
	}
}

func (s *Service) persist(op string, fn func() error) {
	if s.rec == nil {
		return
	}
	if err := fn(); err != nil {
		_ = level.Warn(s.logger).Log("msg", "lifecycle persistence failed", "op", op, "err", err)
	}
}
