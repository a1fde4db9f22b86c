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

// Package web is the HTTP surface of the gateway. Devices post readings and
// poll for commands, operators manage rules, crops and notifications, and
// dashboards read analytics, drift and external context. Everything under
// /api except health and the docs requires the X-API-Key header; /metrics
// and the docs endpoints stay open but the latter are rate limited.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/t0118430/technological-foods-sub000/pkg/analytics"
	"github.com/t0118430/technological-foods-sub000/pkg/cache"
	"github.com/t0118430/technological-foods-sub000/pkg/command"
	"github.com/t0118430/technological-foods-sub000/pkg/crop"
	"github.com/t0118430/technological-foods-sub000/pkg/drift"
	"github.com/t0118430/technological-foods-sub000/pkg/external"
	"github.com/t0118430/technological-foods-sub000/pkg/hvac"
	"github.com/t0118430/technological-foods-sub000/pkg/ingest"
	"github.com/t0118430/technological-foods-sub000/pkg/notify"
	"github.com/t0118430/technological-foods-sub000/pkg/rules"
	"github.com/t0118430/technological-foods-sub000/pkg/sensor"
	"github.com/t0118430/technological-foods-sub000/pkg/store"
)

// Defaults for the public endpoint rate limiter.
const (
	DefaultPublicRate  = 10
	DefaultPublicBurst = 20
)

// Ingestor accepts one reading and runs it through the pipeline.
type Ingestor interface {
	Ingest(ctx context.Context, r sensor.Reading) (ingest.Result, error)
}

// Deps are the components the handlers serve. Records and HVAC may be nil;
// the endpoints backed by them answer 503 in that case.
type Deps struct {
	Ingest     Ingestor
	Latest     cache.Latest
	Commands   *command.Queue
	Rules      *rules.Store
	Dispatcher *notify.Dispatcher
	Escalator  *notify.Escalator
	Crops      *crop.Service
	Records    *store.Store
	Analytics  *analytics.Engine
	Drift      *drift.Detector
	External   *external.Store
	HVAC       *hvac.Driver
}

// Opts configure the surface.
type Opts struct {
	// APIKey guards the /api endpoints. Empty disables authentication.
	APIKey string
	// CORSOrigins defaults to allowing any origin.
	CORSOrigins []string
	// PublicRate and PublicBurst bound unauthenticated requests per second.
	PublicRate  float64
	PublicBurst int
}

// Handler is the assembled router.
type Handler struct {
	logger log.Logger
	deps   Deps
	opts   Opts
	router chi.Router
	public *rate.Limiter
	now    func() time.Time

	requestsTotal  *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

// New assembles the router. The registry serves /metrics and receives the
// request metrics.
func New(logger log.Logger, registry *prometheus.Registry, deps Deps, opts Opts) *Handler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.PublicRate <= 0 {
		opts.PublicRate = DefaultPublicRate
	}
	if opts.PublicBurst <= 0 {
		opts.PublicBurst = DefaultPublicBurst
	}

	h := &Handler{
		logger: logger,
		deps:   deps,
		opts:   opts,
		public: rate.NewLimiter(rate.Limit(opts.PublicRate), opts.PublicBurst),
		now:    time.Now,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests served, by route pattern and status code.",
		}, []string{"method", "path", "code"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency, by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
	}
	if registry != nil {
		registry.MustRegister(h.requestsTotal, h.requestSeconds)
	}
	if opts.APIKey == "" {
		_ = level.Warn(logger).Log("msg", "no API key configured, /api endpoints are unauthenticated")
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(h.instrument)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(h.limitPublic)
		r.Get("/api/health", h.handleHealth)
		r.Get("/api/docs", h.handleDocs)
		r.Get("/api/openapi.json", h.handleOpenAPI)
	})

	r.Group(func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(h.requireAPIKey)
		}
		r.Post("/api/data", h.handleIngest)
		r.Get("/api/data/latest", h.handleLatest)
		r.Get("/api/commands", h.handleCommands)

		r.Route("/api/rules", func(r chi.Router) {
			r.Get("/", h.handleListRules)
			r.Post("/", h.handleCreateRule)
			r.Get("/{id}", h.handleGetRule)
			r.Put("/{id}", h.handleUpdateRule)
			r.Delete("/{id}", h.handleDeleteRule)
		})

		r.Get("/api/notifications", h.handleNotifications)
		r.Post("/api/notifications/test", h.handleNotificationTest)
		r.Post("/api/notifications/ack", h.handleAcknowledge)
		r.Get("/api/alerts", h.handleAlerts)

		r.Get("/api/ac", h.handleACState)
		r.Post("/api/ac", h.handleACApply)

		r.Route("/api/crops", func(r chi.Router) {
			r.Get("/", h.handleListCrops)
			r.Post("/", h.handleCreateCrop)
			r.Get("/{id}", h.handleGetCrop)
			r.Get("/{id}/conditions", h.handleCropConditions)
			r.Get("/{id}/rules", h.handleCropRules)
			r.Post("/{id}/advance", h.handleCropAdvance)
			r.Post("/{id}/harvest", h.handleCropHarvest)
		})

		r.Get("/api/calibrations/due", h.handleCalibrationsDue)
		r.Post("/api/calibrations", h.handleRecordCalibration)

		r.Get("/api/analytics/{sensorID}", h.handleAnalytics)
		r.Get("/api/drift", h.handleDrift)
		r.Get("/api/external", h.handleExternal)
	})

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// instrument records per-route request metrics and a debug log line. It runs
// outside the router's matching, so the chi route pattern is read after the
// inner handler finishes.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.requestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
		h.requestSeconds.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		_ = level.Debug(h.logger).Log("msg", "request served", "method", r.Method,
			"path", r.URL.Path, "status", status, "duration", time.Since(start))
	})
}

func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.opts.APIKey)) != 1 {
			h.writeError(w, http.StatusUnauthorized, errors.New("missing or invalid API key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) limitPublic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.public.Allow() {
			h.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		_ = level.Warn(h.logger).Log("msg", "response encode failed", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, err error) {
	h.writeJSON(w, code, map[string]string{"status": "error", "error": err.Error()})
}
