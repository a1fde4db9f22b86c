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

package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-kit/log/level"

	"github.com/t0118430/technological-foods-sub000/pkg/crop"
	"github.com/t0118430/technological-foods-sub000/pkg/drift"
	"github.com/t0118430/technological-foods-sub000/pkg/external"
	"github.com/t0118430/technological-foods-sub000/pkg/hvac"
	"github.com/t0118430/technological-foods-sub000/pkg/notify"
	"github.com/t0118430/technological-foods-sub000/pkg/rules"
	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
	"github.com/t0118430/technological-foods-sub000/pkg/store"
)

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   h.now().UTC(),
	})
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var reading sensor.Reading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.deps.Ingest.Ingest(r.Context(), reading)
	if err != nil {
		var verr *sensor.ValidationError
		if errors.As(err, &verr) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.writeJSON(w, http.StatusOK, struct {
		Status    string   `json:"status"`
		Triggered []string `json:"triggered_rules"`
	}{"saved", res.TriggeredIDs()})
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	if h.deps.Latest == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("reading cache not configured"))
		return
	}

	var (
		reading sensor.Reading
		ok      bool
		err     error
	)
	if sensorID := r.URL.Query().Get("sensor_id"); sensorID != "" {
		reading, ok, err = h.deps.Latest.Get(r.Context(), sensorID)
	} else {
		reading, ok, err = h.deps.Latest.Newest(r.Context())
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, errors.New("no readings yet"))
		return
	}
	h.writeJSON(w, http.StatusOK, reading)
}

func (h *Handler) handleCommands(w http.ResponseWriter, r *http.Request) {
	sensorID := r.URL.Query().Get("sensor_id")
	if sensorID == "" {
		sensorID = sensor.DefaultSensorID
	}
	cmds := h.deps.Commands.AcquirePending(sensorID)
	if cmds == nil {
		cmds = map[string]string{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

func (h *Handler) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rs := h.deps.Rules.List()
	if rs == nil {
		rs = []rules.Rule{}
	}
	h.writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Rules.Add(rule); err != nil {
		h.writeError(w, ruleErrorStatus(err), err)
		return
	}
	h.audit(r.Context(), "rule_created", map[string]any{"rule_id": rule.ID})
	h.writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := h.deps.Rules.Get(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, rules.ErrNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.Rules.Update(chi.URLParam(r, "id"), rule); err != nil {
		h.writeError(w, ruleErrorStatus(err), err)
		return
	}
	h.audit(r.Context(), "rule_updated", map[string]any{"rule_id": chi.URLParam(r, "id")})
	h.writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Rules.Delete(chi.URLParam(r, "id")); err != nil {
		h.writeError(w, ruleErrorStatus(err), err)
		return
	}
	h.audit(r.Context(), "rule_deleted", map[string]any{"rule_id": chi.URLParam(r, "id")})
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func ruleErrorStatus(err error) int {
	switch {
	case errors.Is(err, rules.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rules.ErrExists):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request) {
	d := h.deps.Dispatcher
	channels := d.ChannelStates()
	if channels == nil {
		channels = []notify.ChannelState{}
	}
	recent := d.History()
	if recent == nil {
		recent = []notify.Alert{}
	}
	h.writeJSON(w, http.StatusOK, struct {
		Channels        []notify.ChannelState `json:"channels"`
		CooldownSeconds float64               `json:"cooldown_seconds"`
		RecentAlerts    []notify.Alert        `json:"recent_alerts"`
	}{channels, d.Cooldown().Seconds(), recent})
}

func (h *Handler) handleNotificationTest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Message == "" {
		body.Message = "Test notification from the hydroponics gateway"
	}

	// Test sends bypass the cooldown and run synchronously so the caller
	// sees the real per-channel outcome.
	alert, ok := h.deps.Dispatcher.Notify(r.Context(), notify.Request{
		RuleID:   "notification_test",
		Severity: notify.SeverityInfo,
		Message:  body.Message,
		Force:    true,
	})
	if !ok {
		h.writeError(w, http.StatusBadGateway, errors.New("test notification was not dispatched"))
		return
	}
	channels := alert.Channels
	if channels == nil {
		channels = map[string]bool{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "sent", "channels": channels})
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RuleID string `json:"rule_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.RuleID == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("rule_id is required"))
		return
	}
	if h.deps.Escalator == nil || !h.deps.Escalator.Acknowledge(body.RuleID) {
		h.writeError(w, http.StatusNotFound, errors.New("no open escalation for rule"))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Records == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("persistence not configured"))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, http.StatusBadRequest, errors.New("limit must be an integer between 1 and 500"))
			return
		}
		limit = n
	}
	alerts, err := h.deps.Records.RecentAlerts(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []store.AlertRecord{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *Handler) handleACState(w http.ResponseWriter, _ *http.Request) {
	if h.deps.HVAC == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("ac control not configured"))
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.HVAC.State())
}

func (h *Handler) handleACApply(w http.ResponseWriter, r *http.Request) {
	if h.deps.HVAC == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("ac control not configured"))
		return
	}
	var body struct {
		Mode       string   `json:"mode"`
		TargetTemp *float64 `json:"target_temp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.deps.HVAC.Apply(r.Context(), body.Mode, body.TargetTemp); err != nil {
		if errors.Is(err, hvac.ErrUnknownMode) {
			h.writeError(w, http.StatusBadRequest, err)
			return
		}
		h.writeError(w, http.StatusBadGateway, err)
		return
	}
	h.audit(r.Context(), "ac_applied", map[string]any{"mode": body.Mode})
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "applied", "state": h.deps.HVAC.State()})
}

func (h *Handler) handleListCrops(w http.ResponseWriter, _ *http.Request) {
	crops := h.deps.Crops.List()
	if crops == nil {
		crops = []crop.Crop{}
	}
	h.writeJSON(w, http.StatusOK, crops)
}

func (h *Handler) handleCreateCrop(w http.ResponseWriter, r *http.Request) {
	var req crop.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := h.deps.Crops.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, cropErrorStatus(err), err)
		return
	}
	h.audit(r.Context(), "crop_created", map[string]any{"crop_id": c.ID, "zone": c.Zone})
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) handleGetCrop(w http.ResponseWriter, r *http.Request) {
	c, ok := h.deps.Crops.Get(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, crop.ErrNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleCropConditions(w http.ResponseWriter, r *http.Request) {
	cond, err := h.deps.Crops.Conditions(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, cropErrorStatus(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, cond)
}

func (h *Handler) handleCropRules(w http.ResponseWriter, r *http.Request) {
	c, ok := h.deps.Crops.Get(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, crop.ErrNotFound)
		return
	}
	overlay := h.deps.Crops.RulesFor(c.Zone)
	if overlay == nil {
		overlay = []rules.Rule{}
	}
	h.writeJSON(w, http.StatusOK, overlay)
}

func (h *Handler) handleCropAdvance(w http.ResponseWriter, r *http.Request) {
	c, err := h.deps.Crops.Advance(r.Context(), chi.URLParam(r, "id"), false)
	if err != nil {
		h.writeError(w, cropErrorStatus(err), err)
		return
	}
	h.audit(r.Context(), "crop_advanced", map[string]any{"crop_id": c.ID, "stage": c.CurrentStage})
	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) handleCropHarvest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		YieldGrams float64 `json:"yield_grams"`
		Notes      string  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	c, err := h.deps.Crops.Harvest(r.Context(), chi.URLParam(r, "id"), body.YieldGrams, body.Notes)
	if err != nil {
		h.writeError(w, cropErrorStatus(err), err)
		return
	}
	h.audit(r.Context(), "crop_harvested", map[string]any{"crop_id": c.ID, "yield_grams": body.YieldGrams})
	h.writeJSON(w, http.StatusOK, c)
}

func cropErrorStatus(err error) int {
	switch {
	case errors.Is(err, crop.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crop.ErrZoneOccupied),
		errors.Is(err, crop.ErrFinalStage),
		errors.Is(err, crop.ErrHarvested):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) handleCalibrationsDue(w http.ResponseWriter, r *http.Request) {
	if h.deps.Records == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("persistence not configured"))
		return
	}
	due, err := h.deps.Records.CalibrationsDue(r.Context(), h.now())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if due == nil {
		due = []store.CalibrationDue{}
	}
	h.writeJSON(w, http.StatusOK, due)
}

func (h *Handler) handleRecordCalibration(w http.ResponseWriter, r *http.Request) {
	if h.deps.Records == nil {
		h.writeError(w, http.StatusServiceUnavailable, errors.New("persistence not configured"))
		return
	}
	var body struct {
		SensorID string `json:"sensor_id"`
		Field    string `json:"field"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Field == "" {
		h.writeError(w, http.StatusBadRequest, errors.New("field is required"))
		return
	}
	if body.SensorID == "" {
		body.SensorID = sensor.DefaultSensorID
	}
	err := h.deps.Records.RecordCalibration(r.Context(), store.Calibration{
		SensorID:     body.SensorID,
		Field:        body.Field,
		CalibratedAt: h.now().UTC(),
		Notes:        body.Notes,
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	feats, ok := h.deps.Analytics.Report(chi.URLParam(r, "sensorID"))
	if !ok {
		h.writeError(w, http.StatusNotFound, errors.New("no analytics for sensor"))
		return
	}
	h.writeJSON(w, http.StatusOK, feats)
}

func (h *Handler) handleDrift(w http.ResponseWriter, _ *http.Request) {
	pairs := h.deps.Drift.Report()
	if pairs == nil {
		pairs = []drift.PairReport{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"pairs": pairs})
}

func (h *Handler) handleExternal(w http.ResponseWriter, _ *http.Request) {
	snap := h.deps.External.Snapshot()
	if snap == nil {
		snap = map[string]external.Entry{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"entries": snap})
}

// audit records an operator action in the audit trail. Best effort: audit
// failures are logged but never fail the request, and without a configured
// store the call is a no-op.
func (h *Handler) audit(ctx context.Context, kind string, detail map[string]any) {
	if err := h.deps.Records.AppendAudit(ctx, kind, detail); err != nil {
		_ = level.Warn(h.logger).Log("msg", "appending audit entry failed", "kind", kind, "err", err)
	}
}
