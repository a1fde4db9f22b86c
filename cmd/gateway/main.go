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

// The gateway binary wires the full ingest-to-action pipeline: readings come
// in over HTTP, flow through the time-series writer, cache, analytics, drift
// detection and the rule engine, and fan out as notifications, queued device
// commands and HVAC calls.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

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
	"github.com/t0118430/technological-foods-sub000/pkg/store"
	"github.com/t0118430/technological-foods-sub000/pkg/tsdb"
	"github.com/t0118430/technological-foods-sub000/pkg/web"
)

type gatewayOptions struct {
	ListenAddress string
	APIKey        string
	CORSOrigins   []string

	RulesFile  string
	CropConfig string
	Timezone   string

	CooldownSeconds    int
	EscalationInterval time.Duration

	TSDBURL    string
	TSDBToken  string
	TSDBOrg    string
	TSDBBucket string

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	NtfyURL   string
	NtfyTopic string

	SMTPHost string
	SMTPUser string
	SMTPPass string
	EmailTo  string

	TwilioSID          string
	TwilioToken        string
	TwilioFromSMS      string
	TwilioFromWhatsApp string
	TwilioTo           string

	SlackWebhookURL string

	HVACBaseURL  string
	HVACEmail    string
	HVACPassword string

	Latitude       float64
	Longitude      float64
	OpenMeteoURL   string
	ElectricityURL string
	MarketURL      string
	TourismURL     string

	IngestWorkers int
}

func (opts *gatewayOptions) setupFlags(a *kingpin.Application) {
	a.Flag("web.listen-address", "The address to listen on for HTTP requests.").
		Default(opts.ListenAddress).Envar("LISTEN_ADDRESS").
		StringVar(&opts.ListenAddress)

	a.Flag("web.api-key", "Shared secret required in the X-API-Key header. Empty disables authentication.").
		Envar("API_KEY").
		StringVar(&opts.APIKey)

	a.Flag("web.cors-origin", "Allowed CORS origin. Repeatable; defaults to any origin.").
		StringsVar(&opts.CORSOrigins)

	a.Flag("rules.file", "Path of the JSON rules file. Created with the default rule set when missing.").
		Default(opts.RulesFile).Envar("RULES_FILE").
		StringVar(&opts.RulesFile)

	a.Flag("crops.config", "YAML file with variety and stage definitions. Empty uses the embedded defaults.").
		PlaceHolder("<FILE>").Envar("CROPS_CONFIG").
		StringVar(&opts.CropConfig)

	a.Flag("analytics.timezone", "IANA time zone for the daily-light-integral midnight reset. Empty uses the host zone.").
		PlaceHolder("<ZONE>").Envar("ANALYTICS_TIMEZONE").
		StringVar(&opts.Timezone)

	a.Flag("notify.cooldown", "Seconds between repeated alerts of the same rule.").
		Default(strconv.Itoa(opts.CooldownSeconds)).Envar("NOTIFICATION_COOLDOWN").
		IntVar(&opts.CooldownSeconds)

	a.Flag("notify.escalation-interval", "How often unacknowledged alerts are checked for escalation.").
		Default(opts.EscalationInterval.String()).
		DurationVar(&opts.EscalationInterval)

	a.Flag("tsdb.url", "Base URL of the InfluxDB instance. Empty discards time-series points.").
		PlaceHolder("<URL>").Envar("TSDB_URL").
		StringVar(&opts.TSDBURL)
	a.Flag("tsdb.token", "InfluxDB API token.").
		Envar("TSDB_TOKEN").
		StringVar(&opts.TSDBToken)
	a.Flag("tsdb.org", "InfluxDB organization.").
		Envar("TSDB_ORG").
		StringVar(&opts.TSDBOrg)
	a.Flag("tsdb.bucket", "InfluxDB bucket for readings and derived features.").
		Envar("TSDB_BUCKET").
		StringVar(&opts.TSDBBucket)

	a.Flag("db.url", "Postgres connection URL for lifecycle records. Empty runs without relational persistence.").
		PlaceHolder("<URL>").Envar("DB_URL").
		StringVar(&opts.DatabaseURL)

	a.Flag("redis.url", "Redis URL for the latest-reading cache. Empty uses the in-memory cache.").
		PlaceHolder("<URL>").Envar("REDIS_URL").
		StringVar(&opts.RedisURL)

	a.Flag("cache.ttl", "How long a latest reading stays served without updates.").
		Default(opts.CacheTTL.String()).
		DurationVar(&opts.CacheTTL)

	a.Flag("ntfy.url", "Base URL of the ntfy push service. Empty uses the public instance.").
		PlaceHolder("<URL>").Envar("NTFY_URL").
		StringVar(&opts.NtfyURL)
	a.Flag("ntfy.topic", "ntfy topic alerts are pushed to.").
		Envar("NTFY_TOPIC").
		StringVar(&opts.NtfyTopic)

	a.Flag("smtp.host", "SMTP host, optionally host:port, for email alerts.").
		Envar("SMTP_HOST").
		StringVar(&opts.SMTPHost)
	a.Flag("smtp.user", "SMTP user name.").
		Envar("SMTP_USER").
		StringVar(&opts.SMTPUser)
	a.Flag("smtp.pass", "SMTP password.").
		Envar("SMTP_PASS").
		StringVar(&opts.SMTPPass)
	a.Flag("email.to", "Recipient address for email alerts.").
		Envar("ALERT_EMAIL_TO").
		StringVar(&opts.EmailTo)

	a.Flag("twilio.sid", "Twilio account SID.").
		Envar("TWILIO_SID").
		StringVar(&opts.TwilioSID)
	a.Flag("twilio.token", "Twilio auth token.").
		Envar("TWILIO_TOKEN").
		StringVar(&opts.TwilioToken)
	a.Flag("twilio.from-sms", "Sender number for SMS alerts.").
		Envar("TWILIO_FROM_SMS").
		StringVar(&opts.TwilioFromSMS)
	a.Flag("twilio.from-whatsapp", "Sender number for WhatsApp alerts.").
		Envar("TWILIO_FROM_WHATSAPP").
		StringVar(&opts.TwilioFromWhatsApp)
	a.Flag("twilio.to", "Recipient number for SMS and WhatsApp alerts.").
		Envar("TWILIO_TO").
		StringVar(&opts.TwilioTo)

	a.Flag("slack.webhook-url", "Slack incoming-webhook URL.").
		PlaceHolder("<URL>").Envar("SLACK_WEBHOOK_URL").
		StringVar(&opts.SlackWebhookURL)

	a.Flag("hvac.base-url", "Base URL of the HVAC vendor cloud. Empty uses the vendor default.").
		PlaceHolder("<URL>").
		StringVar(&opts.HVACBaseURL)
	a.Flag("hvac.email", "HVAC vendor account email.").
		Envar("HON_EMAIL").
		StringVar(&opts.HVACEmail)
	a.Flag("hvac.password", "HVAC vendor account password.").
		Envar("HON_PASSWORD").
		StringVar(&opts.HVACPassword)

	a.Flag("external.latitude", "Site latitude for weather and solar harvests.").
		Default(fmt.Sprintf("%g", opts.Latitude)).Envar("LATITUDE").
		Float64Var(&opts.Latitude)
	a.Flag("external.longitude", "Site longitude for weather and solar harvests.").
		Default(fmt.Sprintf("%g", opts.Longitude)).Envar("LONGITUDE").
		Float64Var(&opts.Longitude)
	a.Flag("external.open-meteo-url", "Base URL of the Open-Meteo API. Empty uses the public instance.").
		PlaceHolder("<URL>").
		StringVar(&opts.OpenMeteoURL)
	a.Flag("external.electricity-url", "JSON endpoint for electricity prices. Empty disables the source.").
		PlaceHolder("<URL>").Envar("ELECTRICITY_URL").
		StringVar(&opts.ElectricityURL)
	a.Flag("external.market-url", "JSON endpoint for produce market prices. Empty disables the source.").
		PlaceHolder("<URL>").Envar("MARKET_URL").
		StringVar(&opts.MarketURL)
	a.Flag("external.tourism-url", "JSON endpoint for tourism stats. Empty disables the source.").
		PlaceHolder("<URL>").Envar("TOURISM_URL").
		StringVar(&opts.TourismURL)

	a.Flag("ingest.workers", "Number of pipeline workers. Zero uses the built-in default.").
		Default(strconv.Itoa(opts.IngestWorkers)).
		IntVar(&opts.IngestWorkers)
}

func (opts *gatewayOptions) validate() error {
	if opts.CooldownSeconds < 0 {
		return errors.New("--notify.cooldown must not be negative")
	}
	if opts.Latitude < -90 || opts.Latitude > 90 {
		return errors.New("--external.latitude must be within [-90, 90]")
	}
	if opts.Longitude < -180 || opts.Longitude > 180 {
		return errors.New("--external.longitude must be within [-180, 180]")
	}
	return nil
}

func main() {
	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	a := kingpin.New("gateway", "The hydroponics telemetry gateway")

	a.HelpFlag.Short('h')

	opts := gatewayOptions{
		ListenAddress:      ":8000",
		RulesFile:          "data/rules.json",
		CooldownSeconds:    int(notify.DefaultCooldown / time.Second),
		EscalationInterval: notify.DefaultEscalationInterval,
		CacheTTL:           cache.DefaultTTL,
	}
	opts.setupFlags(a)

	if _, err := a.Parse(os.Args[1:]); err != nil {
		_ = level.Error(logger).Log("msg", "Error parsing commandline arguments", "err", err)
		a.Usage(os.Args[1:])
		os.Exit(2)
	}
	if err := opts.validate(); err != nil {
		_ = level.Error(logger).Log("msg", "invalid command line argument", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	ctx := context.Background()

	// Time-series backend. Without a configured TSDB the writer still runs so
	// the rest of the pipeline behaves identically; batches are discarded.
	var sender tsdb.Sender = tsdb.NopSender{}
	if opts.TSDBURL != "" {
		sender = tsdb.NewInfluxSender(opts.TSDBURL, opts.TSDBToken, opts.TSDBOrg, opts.TSDBBucket)
	} else {
		_ = level.Warn(logger).Log("msg", "no TSDB configured, time-series points will be discarded")
	}
	writer := tsdb.NewWriter(log.With(logger, "component", "tsdb"), reg, sender, tsdb.Opts{})

	var (
		latest   cache.Latest
		memCache *cache.Memory
	)
	if opts.RedisURL != "" {
		redisCache, err := cache.NewRedisFromURL(opts.RedisURL, opts.CacheTTL)
		if err != nil {
			_ = level.Error(logger).Log("msg", "connecting to Redis failed", "err", err)
			os.Exit(1)
		}
		latest = redisCache
	} else {
		memCache = cache.NewMemory(opts.CacheTTL)
		latest = memCache
	}

	// The relational store is optional: a gateway without Postgres keeps full
	// ingest/alerting behavior and only loses durable lifecycle records.
	var records *store.Store
	if opts.DatabaseURL != "" {
		var err error
		records, err = store.Open(ctx, log.With(logger, "component", "store"), opts.DatabaseURL)
		if err != nil {
			_ = level.Warn(logger).Log("msg", "opening relational store failed, continuing without persistence", "err", err)
			records = nil
		}
	} else {
		_ = level.Warn(logger).Log("msg", "no database configured, lifecycle records are kept in memory only")
	}

	cropCfg, err := crop.LoadConfig(opts.CropConfig)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading crop config failed", "err", err)
		os.Exit(1)
	}
	crops := crop.NewService(log.With(logger, "component", "crop"), reg, cropCfg, records)
	if err := crops.Restore(ctx); err != nil {
		_ = level.Warn(logger).Log("msg", "restoring crop state failed", "err", err)
	}

	loc := time.Local
	if opts.Timezone != "" {
		loc, err = time.LoadLocation(opts.Timezone)
		if err != nil {
			_ = level.Error(logger).Log("msg", "invalid --analytics.timezone", "zone", opts.Timezone, "err", err)
			os.Exit(1)
		}
	}
	analyzer := analytics.New(log.With(logger, "component", "analytics"), reg, analytics.Opts{
		Location:   loc,
		ProfileFor: crops.Profile,
	})

	detector := drift.New(log.With(logger, "component", "drift"), reg, drift.Opts{})

	contextStore := external.NewStore()
	harvester := external.NewHarvester(log.With(logger, "component", "external"), reg, contextStore, writer, external.Sources(external.Config{
		Latitude:       opts.Latitude,
		Longitude:      opts.Longitude,
		OpenMeteoURL:   opts.OpenMeteoURL,
		ElectricityURL: opts.ElectricityURL,
		MarketURL:      opts.MarketURL,
		TourismURL:     opts.TourismURL,
	}))

	channels := notify.Channels(
		log.With(logger, "component", "notify"),
		notify.NtfyConfig{URL: opts.NtfyURL, Topic: opts.NtfyTopic},
		notify.EmailConfig{Host: opts.SMTPHost, User: opts.SMTPUser, Pass: opts.SMTPPass, To: opts.EmailTo},
		notify.TwilioConfig{SID: opts.TwilioSID, Token: opts.TwilioToken, FromSMS: opts.TwilioFromSMS, FromWhatsApp: opts.TwilioFromWhatsApp, To: opts.TwilioTo},
		notify.SlackConfig{WebhookURL: opts.SlackWebhookURL},
	)
	dispatcher := notify.NewDispatcher(log.With(logger, "component", "notify"), reg, channels,
		time.Duration(opts.CooldownSeconds)*time.Second, notify.DefaultHistorySize)
	async := notify.NewAsync(log.With(logger, "component", "notify"), reg, dispatcher, 0, 0)
	escalator := notify.NewEscalator(log.With(logger, "component", "escalate"), reg, dispatcher, opts.EscalationInterval)

	if records != nil {
		dispatcher.OnDispatch(func(alert notify.Alert) {
			snapshot, err := json.Marshal(alert.Snapshot)
			if err != nil {
				snapshot = nil
			}
			rec := store.AlertRecord{
				ID:                alert.ID,
				At:                alert.Timestamp,
				RuleID:            alert.RuleID,
				Severity:          alert.Severity.String(),
				Message:           alert.Message,
				RecommendedAction: alert.RecommendedAction,
				Snapshot:          snapshot,
			}
			if err := records.AppendAlert(ctx, rec); err != nil {
				_ = level.Warn(logger).Log("msg", "persisting alert failed", "rule", alert.RuleID, "err", err)
			}
		})
	}

	hvacCfg := hvac.Config{BaseURL: opts.HVACBaseURL, Email: opts.HVACEmail, Password: opts.HVACPassword}
	var driver *hvac.Driver
	if hvacCfg.Configured() {
		driver = hvac.NewDriver(log.With(logger, "component", "hvac"), reg, hvac.NewClient(hvacCfg), async)
	} else {
		_ = level.Info(logger).Log("msg", "no HVAC credentials, AC control disabled")
	}
	var ac rules.ACController
	if driver != nil {
		ac = driver
	}

	ruleStore, err := rules.NewStore(log.With(logger, "component", "rules"), reg, opts.RulesFile)
	if err != nil {
		_ = level.Error(logger).Log("msg", "loading rules failed", "file", opts.RulesFile, "err", err)
		os.Exit(1)
	}

	queue := command.NewQueue()
	engine := rules.NewEngine(log.With(logger, "component", "rules"), reg, ruleStore, contextStore, async, queue, ac)

	orchestrator := ingest.New(log.With(logger, "component", "ingest"), reg, ingest.Deps{
		Points:   writer,
		Latest:   latest,
		Analyzer: analyzer,
		Drift:    detector,
		Engine:   engine,
		Overlay:  crops,
		Notifier: async,
	}, ingest.Opts{Workers: opts.IngestWorkers})

	handler := web.New(log.With(logger, "component", "web"), reg, web.Deps{
		Ingest:     orchestrator,
		Latest:     latest,
		Commands:   queue,
		Rules:      ruleStore,
		Dispatcher: dispatcher,
		Escalator:  escalator,
		Crops:      crops,
		Records:    records,
		Analytics:  analyzer,
		Drift:      detector,
		External:   contextStore,
		HVAC:       driver,
	}, web.Opts{
		APIKey:      opts.APIKey,
		CORSOrigins: opts.CORSOrigins,
	})

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
		// Time-series writer.
		ctxWriter, cancelWriter := context.WithCancel(ctx)
		g.Add(func() error {
			return writer.Run(ctxWriter)
		}, func(error) {
			cancelWriter()
		})
	}
	if memCache != nil {
		// Cache expiry janitor.
		ctxCache, cancelCache := context.WithCancel(ctx)
		g.Add(func() error {
			return memCache.Run(ctxCache)
		}, func(error) {
			cancelCache()
		})
	}
	{
		// Channel availability probe.
		ctxProbe, cancelProbe := context.WithCancel(ctx)
		g.Add(func() error {
			return dispatcher.Run(ctxProbe)
		}, func(error) {
			cancelProbe()
		})
	}
	{
		// Notification send pool.
		ctxNotify, cancelNotify := context.WithCancel(ctx)
		g.Add(func() error {
			return async.Run(ctxNotify)
		}, func(error) {
			cancelNotify()
		})
	}
	{
		// Escalation sweeper.
		ctxEscalate, cancelEscalate := context.WithCancel(ctx)
		g.Add(func() error {
			return escalator.Run(ctxEscalate)
		}, func(error) {
			cancelEscalate()
		})
	}
	{
		// External-context harvesters.
		ctxHarvest, cancelHarvest := context.WithCancel(ctx)
		g.Add(func() error {
			return harvester.Run(ctxHarvest)
		}, func(error) {
			cancelHarvest()
		})
	}
	{
		// Crop stage sweeper.
		ctxCrops, cancelCrops := context.WithCancel(ctx)
		g.Add(func() error {
			return crops.Run(ctxCrops)
		}, func(error) {
			cancelCrops()
		})
	}
	{
		// Ingest worker pool.
		ctxIngest, cancelIngest := context.WithCancel(ctx)
		g.Add(func() error {
			return orchestrator.Run(ctxIngest)
		}, func(error) {
			cancelIngest()
		})
	}
	{
		// Rules file watcher.
		ctxWatch, cancelWatch := context.WithCancel(ctx)
		g.Add(func() error {
			return ruleStore.Watch(ctxWatch)
		}, func(error) {
			cancelWatch()
		})
	}
	{
		// Web server.
		server := &http.Server{Addr: opts.ListenAddress, Handler: handler}
		g.Add(func() error {
			_ = level.Info(logger).Log("msg", "Starting web server", "listen", opts.ListenAddress)
			return server.ListenAndServe()
		}, func(error) {
			ctxServer, cancelServer := context.WithTimeout(ctx, 30*time.Second)
			if err := server.Shutdown(ctxServer); err != nil {
				_ = level.Error(logger).Log("msg", "Server failed to shut down gracefully.")
			}
			cancelServer()
		})
	}
	{
		// Reload handler.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		cancel := make(chan struct{})
		g.Add(
			func() error {
				for {
					select {
					case <-hup:
						if err := ruleStore.Reload(); err != nil {
							_ = level.Error(logger).Log("msg", "Error reloading rules", "err", err)
						} else {
							_ = level.Info(logger).Log("msg", "rules reloaded")
						}
					case <-cancel:
						return nil
					}
				}
			},
			func(error) {
				close(cancel)
			},
		)
	}
	if err := g.Run(); err != nil {
		_ = level.Error(logger).Log("msg", "Running gateway failed", "err", err)
		os.Exit(1)
	}
	if err := records.Close(); err != nil {
		_ = level.Warn(logger).Log("msg", "closing relational store failed", "err", err)
	}
}
