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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"

	"github.com/t0118430/technological-foods-sub000/pkg/rules"
)

type fakeRecorder struct {
	mtx      sync.Mutex
	saved    []Crop
	events   []StageEvent
	harvests []Harvest
	active   []Crop
}

func (f *fakeRecorder) SaveCrop(_ context.Context, c Crop) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.saved = append(f.saved, c)
	return nil
}

func (f *fakeRecorder) RecordStageEvent(_ context.Context, ev StageEvent) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeRecorder) RecordHarvest(_ context.Context, h Harvest) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.harvests = append(f.harvests, h)
	return nil
}

func (f *fakeRecorder) ActiveCrops(context.Context) ([]Crop, error) {
	return f.active, nil
}

func testConfig() Config {
	return Config{Varieties: map[string]Variety{
		"lettuce": {
			PhotoperiodHours: 14,
			DLITarget:        14,
			VPDBand:          VPDBand{Low: 0.8, High: 1.2},
			Stages: []Stage{
				{
					Name:     StageGermination,
					Expected: model.Duration(7 * 24 * time.Hour),
					Ranges: map[string]Range{
						"temperature": {OptimalMin: 20, OptimalMax: 24, CriticalMin: 15, CriticalMax: 28},
						"humidity":    {OptimalMin: 70, OptimalMax: 90, CriticalMin: 50, CriticalMax: 95},
					},
				},
				{Name: StageSeedling, Expected: model.Duration(14 * 24 * time.Hour)},
				{Name: StageHarvestReady},
			},
		},
	}}
}

func testService(t *testing.T, rec Recorder) (*Service, time.Time) {
	t.Helper()
	s := NewService(nil, nil, testConfig(), rec)
	now := time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s, now
}

func TestLoadConfigBuiltinCatalog(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load built-in catalog: %s", err)
	}
	want := []string{"basil", "lettuce", "tomato"}
	if diff := cmp.Diff(want, cfg.Names()); diff != "" {
		t.Fatalf("unexpected varieties (-want +got): %s", diff)
	}
	lettuce, _ := cfg.Variety("lettuce")
	if got := lettuce.Stages[0].Name; got != StageGermination {
		t.Fatalf("lettuce first stage = %q, want %q", got, StageGermination)
	}
	if got := time.Duration(lettuce.Stages[0].Expected); got != 7*24*time.Hour {
		t.Fatalf("lettuce germination expected = %s, want 168h", got)
	}
	if last := lettuce.Stages[len(lettuce.Stages)-1]; last.Name != StageHarvestReady {
		t.Fatalf("lettuce final stage = %q, want %q", last.Name, StageHarvestReady)
	}
}

func TestLoadConfigRejectsBadCatalog(t *testing.T) {
	for _, c := range []struct {
		doc  string
		yaml string
	}{
		{
			doc:  "no varieties",
			yaml: "varieties: {}",
		},
		{
			doc: "empty critical band",
			yaml: `
varieties:
  lettuce:
    stages:
      - name: germination
        expected: 7d
        ranges:
          temperature: {optimal_min: 20, optimal_max: 24, critical_min: 28, critical_max: 28}`,
		},
		{
			doc: "optimal outside critical",
			yaml: `
varieties:
  lettuce:
    stages:
      - name: germination
        expected: 7d
        ranges:
          temperature: {optimal_min: 10, optimal_max: 24, critical_min: 15, critical_max: 28}`,
		},
		{
			doc: "duplicate stage",
			yaml: `
varieties:
  lettuce:
    stages:
      - {name: germination, expected: 7d}
      - {name: germination, expected: 7d}`,
		},
		{
			doc: "unknown key",
			yaml: `
varieties:
  lettuce:
    photo_period: 14
    stages:
      - {name: germination, expected: 7d}`,
		},
	} {
		t.Run(c.doc, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "varieties.yaml")
			require.NoError(t, os.WriteFile(path, []byte(c.yaml), 0o644))
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("%s: expected error", c.doc)
			}
		})
	}
}

func TestCreate(t *testing.T) {
	rec := &fakeRecorder{}
	s, now := testService(t, rec)

	c, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"})
	require.NoError(t, err)

	if c.CurrentStage != StageGermination {
		t.Fatalf("new crop stage = %q, want %q", c.CurrentStage, StageGermination)
	}
	if !c.PlantDate.Equal(now) {
		t.Fatalf("plant date = %s, want stamped %s", c.PlantDate, now)
	}
	if c.Status != StatusActive {
		t.Fatalf("status = %q, want %q", c.Status, StatusActive)
	}
	if len(rec.saved) != 1 {
		t.Fatalf("expected one persisted crop, got %d", len(rec.saved))
	}

	if _, err := s.Create(context.Background(), CreateRequest{Variety: "cucumber", Zone: "zone2"}); !errors.Is(err, ErrUnknownVariety) {
		t.Fatalf("unknown variety: got %v", err)
	}
	if _, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"}); !errors.Is(err, ErrZoneOccupied) {
		t.Fatalf("occupied zone: got %v", err)
	}
	if _, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce"}); err == nil {
		t.Fatal("expected validation error without zone")
	}
}

func TestAdvanceRecordsTransition(t *testing.T) {
	rec := &fakeRecorder{}
	s, now := testService(t, rec)

	c, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"})
	require.NoError(t, err)

	got, err := s.Advance(context.Background(), c.ID, false)
	require.NoError(t, err)
	if got.CurrentStage != StageSeedling {
		t.Fatalf("stage after advance = %q, want %q", got.CurrentStage, StageSeedling)
	}
	if !got.StageStarted.Equal(now) {
		t.Fatalf("stage started = %s, want %s", got.StageStarted, now)
	}

	want := []StageEvent{{
		CropID:    c.ID,
		FromStage: StageGermination,
		ToStage:   StageSeedling,
		Auto:      false,
		At:        now,
	}}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Fatalf("unexpected stage events (-want +got): %s", diff)
	}

	// harvest_ready is terminal.
	_, err = s.Advance(context.Background(), c.ID, false)
	require.NoError(t, err)
	if _, err := s.Advance(context.Background(), c.ID, false); !errors.Is(err, ErrFinalStage) {
		t.Fatalf("advance past final stage: got %v", err)
	}

	if _, err := s.Advance(context.Background(), "nope", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("advance unknown crop: got %v", err)
	}
}

func TestAutoAdvanceAtExpectedBoundary(t *testing.T) {
	rec := &fakeRecorder{}
	s, now := testService(t, rec)

	c, err := s.Create(context.Background(), CreateRequest{
		Variety:   "lettuce",
		Zone:      "zone1",
		PlantDate: now.Add(-7 * 24 * time.Hour),
	})
	require.NoError(t, err)

	// One second short of the window: nothing moves.
	if n := s.AutoAdvance(context.Background(), now.Add(-time.Second)); n != 0 {
		t.Fatalf("early sweep advanced %d crops", n)
	}
	// Exactly at the boundary the sweep advances, and only once.
	if n := s.AutoAdvance(context.Background(), now); n != 1 {
		t.Fatalf("boundary sweep advanced %d crops, want 1", n)
	}
	if n := s.AutoAdvance(context.Background(), now); n != 0 {
		t.Fatalf("repeat sweep advanced %d crops, want 0", n)
	}

	got, _ := s.Get(c.ID)
	if got.CurrentStage != StageSeedling {
		t.Fatalf("stage after sweep = %q, want %q", got.CurrentStage, StageSeedling)
	}
	if len(rec.events) != 1 || !rec.events[0].Auto {
		t.Fatalf("expected exactly one auto stage event, got %+v", rec.events)
	}
}

func TestAutoAdvanceSkipsPinnedFinalStage(t *testing.T) {
	s, now := testService(t, nil)

	c, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"})
	require.NoError(t, err)
	_, err = s.Advance(context.Background(), c.ID, false)
	require.NoError(t, err)
	_, err = s.Advance(context.Background(), c.ID, false)
	require.NoError(t, err)

	if n := s.AutoAdvance(context.Background(), now.Add(365*24*time.Hour)); n != 0 {
		t.Fatalf("sweep advanced a crop out of harvest_ready, n=%d", n)
	}
}

func TestHarvest(t *testing.T) {
	rec := &fakeRecorder{}
	s, now := testService(t, rec)

	c, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"})
	require.NoError(t, err)

	got, err := s.Harvest(context.Background(), c.ID, 420, "first tray")
	require.NoError(t, err)
	if got.Status != StatusHarvested {
		t.Fatalf("status = %q, want %q", got.Status, StatusHarvested)
	}

	want := []Harvest{{CropID: c.ID, At: now, YieldGrams: 420, Notes: "first tray"}}
	if diff := cmp.Diff(want, rec.harvests); diff != "" {
		t.Fatalf("unexpected harvest records (-want +got): %s", diff)
	}

	if _, err := s.Harvest(context.Background(), c.ID, 1, ""); !errors.Is(err, ErrHarvested) {
		t.Fatalf("second harvest: got %v", err)
	}
	// A harvested crop frees its zone.
	if _, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"}); err != nil {
		t.Fatalf("replant freed zone: %s", err)
	}
}

func TestConditions(t *testing.T) {
	s, now := testService(t, nil)

	c, err := s.Create(context.Background(), CreateRequest{
		Variety:   "lettuce",
		Zone:      "zone1",
		PlantDate: now.Add(-3 * 24 * time.Hour),
	})
	require.NoError(t, err)

	cond, err := s.Conditions(c.ID)
	require.NoError(t, err)
	if cond.Stage != StageGermination || cond.DaysInStage != 3 || cond.ExpectedDays != 7 {
		t.Fatalf("conditions = %+v", cond)
	}
	if _, ok := cond.Ranges["temperature"]; !ok {
		t.Fatal("conditions missing temperature range")
	}

	if _, err := s.Conditions("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conditions for unknown crop: got %v", err)
	}
}

func TestRulesForSynthesizesStageOverlay(t *testing.T) {
	s, _ := testService(t, nil)

	c, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"})
	require.NoError(t, err)

	overlay := s.RulesFor("zone1")
	if len(overlay) != 4 {
		t.Fatalf("overlay size = %d, want 4 (two fields, two bounds)", len(overlay))
	}

	byID := map[string]rules.Rule{}
	for _, r := range overlay {
		byID[r.ID] = r
	}
	tempMax, ok := byID["stage:"+c.ID+":temperature:max"]
	if !ok {
		t.Fatalf("missing temperature max rule, have %v", keys(byID))
	}
	if tempMax.Condition != rules.ConditionAbove || tempMax.Threshold != 28 || tempMax.WarningMargin != 4 {
		t.Fatalf("temperature max rule = %+v", tempMax)
	}
	if tempMax.Action.Type != rules.ActionNotify {
		t.Fatalf("overlay action type = %q, want notify", tempMax.Action.Type)
	}
	tempMin := byID["stage:"+c.ID+":temperature:min"]
	if tempMin.Condition != rules.ConditionBelow || tempMin.Threshold != 15 || tempMin.WarningMargin != 5 {
		t.Fatalf("temperature min rule = %+v", tempMin)
	}

	if got := s.RulesFor("zone2"); got != nil {
		t.Fatalf("overlay for empty zone = %v, want nil", got)
	}

	// Stages without ranges produce no overlay.
	_, err = s.Advance(context.Background(), c.ID, false)
	require.NoError(t, err)
	if got := s.RulesFor("zone1"); len(got) != 0 {
		t.Fatalf("overlay for rangeless stage = %v", got)
	}
}

func TestProfileFollowsActiveCrop(t *testing.T) {
	s, _ := testService(t, nil)

	if got := s.Profile("zone1"); got.DLITarget != 0 {
		t.Fatalf("profile without crop = %+v, want zero", got)
	}

	_, err := s.Create(context.Background(), CreateRequest{Variety: "lettuce", Zone: "zone1"})
	require.NoError(t, err)

	got := s.Profile("zone1")
	if got.VPDLow != 0.8 || got.VPDHigh != 1.2 || got.PhotoperiodHours != 14 || got.DLITarget != 14 {
		t.Fatalf("profile = %+v", got)
	}
}

func TestRestore(t *testing.T) {
	rec := &fakeRecorder{active: []Crop{
		{ID: "c1", Variety: "lettuce", Zone: "zone1", Status: StatusActive, CurrentStage: StageSeedling},
	}}
	s, _ := testService(t, rec)

	require.NoError(t, s.Restore(context.Background()))

	got, ok := s.Get("c1")
	if !ok || got.CurrentStage != StageSeedling {
		t.Fatalf("restored crop = %+v ok=%v", got, ok)
	}
	if overlay := s.RulesFor("zone1"); overlay != nil {
		// Seedling in the test config has no ranges.
		t.Fatalf("overlay = %v, want nil", overlay)
	}
}

func keys(m map[string]rules.Rule) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
