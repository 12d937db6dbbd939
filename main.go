package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	alarmapp "engineroom-monitor/internal/alarms/application"
	alarms "engineroom-monitor/internal/alarms/domain"
	alarmrepo "engineroom-monitor/internal/alarms/infrastructure/postgres"
	alarminterfaces "engineroom-monitor/internal/alarms/interfaces"
	alarmhttp "engineroom-monitor/internal/alarms/interfaces/http"
	alarmnotify "engineroom-monitor/internal/alarms/notify"
	apihttp "engineroom-monitor/internal/api/http"
	"engineroom-monitor/internal/audit"
	"engineroom-monitor/internal/auth"
	"engineroom-monitor/internal/eventing"
	"engineroom-monitor/internal/eventing/eventbus"
	eventingrepo "engineroom-monitor/internal/eventing/infrastructure/postgres"
	"engineroom-monitor/internal/logging"
	masterdataapp "engineroom-monitor/internal/masterdata/application"
	masterdatarepo "engineroom-monitor/internal/masterdata/infrastructure/postgres"
	masterdatahttp "engineroom-monitor/internal/masterdata/interfaces/http"
	"engineroom-monitor/internal/observability/metrics"
	telemetryapp "engineroom-monitor/internal/telemetry/application"
	telemetryevents "engineroom-monitor/internal/telemetry/application/events"
	telemetry "engineroom-monitor/internal/telemetry/domain"
	telemetrypostgres "engineroom-monitor/internal/telemetry/infrastructure/postgres"
	telemetryhttp "engineroom-monitor/internal/telemetry/interfaces/http"
	telemetrymqtt "engineroom-monitor/internal/telemetry/interfaces/mqtt"
)

func main() {
	cfg := loadConfig()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "engineroom-monitor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		logger.Fatal("AUTH_JWT_SECRET is required")
	}

	engineCfg, err := alarmapp.LoadEngineConfig()
	if err != nil {
		logger.Fatal("engine config error", zap.Error(err))
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open error", zap.Error(err))
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal("db ping error", zap.Error(err))
	}

	metrics.Init(db, logger.Named("metrics"))
	auditRepo := audit.NewRepository(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry persistence and eventing backbone.
	readingRepo := telemetrypostgres.NewReadingRepository(db)
	readingQuery := telemetrypostgres.NewReadingQuery(db)

	bus := eventbus.NewInMemoryBus()
	registry := eventing.NewRegistry()
	registry.Register(telemetryevents.ReadingStored{})

	outboxStore := eventingrepo.NewOutboxStore(db)
	processedStore := eventingrepo.NewProcessedStore(db)
	dlqStore := eventingrepo.NewDLQStore(db)
	dispatcher := eventing.NewDispatcher(bus, outboxStore, registry, dlqStore)
	publisher := eventing.NewPublisher(outboxStore, bus)

	// Equipment registry.
	equipmentRepo := masterdatarepo.NewEquipmentRepository(db)
	equipmentService, err := masterdataapp.NewEquipmentService(equipmentRepo)
	if err != nil {
		logger.Fatal("equipment service error", zap.Error(err))
	}

	// Alarm pipeline.
	ruleRepo := alarmrepo.NewThresholdRuleRepository(db)
	alarmRecordRepo := alarmrepo.NewAlarmRecordRepository(db)
	breachStateRepo := alarmrepo.NewBreachStateRepository(db)

	broker := alarmhttp.NewSSEBroker()
	notifiers := []alarmapp.AlarmNotifier{broker}

	if cfg.AlarmWebhookURL != "" {
		channel, err := alarmnotify.NewWebhookChannel(cfg.AlarmWebhookURL)
		if err != nil {
			logger.Fatal("alarm webhook error", zap.Error(err))
		}
		tpl, err := alarmnotify.NewTemplate(engineCfg.Notify.Template)
		if err != nil {
			logger.Fatal("alarm template error", zap.Error(err))
		}
		webhookNotifier, err := alarmnotify.NewNotifier(equipmentRepo, alarmRecordRepo, channel, tpl,
			alarmnotify.WithEscalation(engineCfg.Notify.EscalationAfter.Std()),
			alarmnotify.WithCooldown(engineCfg.Notify.Cooldown.Std()),
			alarmnotify.WithDedupeWindow(engineCfg.Notify.DedupeWindow.Std()),
			alarmnotify.WithRequestTimeout(engineCfg.Notify.RequestTimeout.Std()))
		if err != nil {
			logger.Fatal("alarm notifier error", zap.Error(err))
		}
		notifiers = append(notifiers, webhookNotifier)
	}

	var badge *alarmnotify.Badge
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, badge updates will retry", zap.Error(err))
		}
		badge, err = alarmnotify.NewBadge(redisClient, pendingCounts{store: alarmRecordRepo},
			alarmnotify.WithBadgeLogger(logger.Named("badge")))
		if err != nil {
			logger.Fatal("alarm badge error", zap.Error(err))
		}
		notifiers = append(notifiers, badge)
	}

	alarmService, err := alarmapp.NewService(ruleRepo, alarmRecordRepo, breachStateRepo,
		alarmapp.WithNotifier(alarmnotify.NewMultiNotifier(notifiers...)),
		alarmapp.WithLogger(logger.Named("alarms")),
		alarmapp.WithPolicy(engineCfg.EnginePolicy()),
		alarmapp.WithWriteRetry(engineCfg.WriteRetries, engineCfg.RetryBackoff.Std()))
	if err != nil {
		logger.Fatal("alarm service error", zap.Error(err))
	}
	if err := alarmService.RefreshIndex(ctx); err != nil {
		logger.Warn("initial rule index load failed, next refresh will retry", zap.Error(err))
	}

	pool, err := alarmapp.NewEvaluatorPool(alarmService, engineCfg.Workers, engineCfg.QueueSize, logger.Named("pool"))
	if err != nil {
		logger.Fatal("evaluator pool error", zap.Error(err))
	}
	pool.Start(ctx)

	consumer, err := alarminterfaces.NewReadingStoredConsumer(pool)
	if err != nil {
		logger.Fatal("alarm consumer error", zap.Error(err))
	}
	eventing.Subscribe(bus, eventbus.EventTypeOf[telemetryevents.ReadingStored](), "alarms.readings", func(ctx context.Context, event any) error {
		evt, ok := event.(telemetryevents.ReadingStored)
		if !ok {
			return eventbus.ErrInvalidEventType
		}
		return consumer.Consume(ctx, evt)
	}, processedStore)

	ingestService, err := telemetryapp.NewService(readingRepo, publisher,
		telemetryapp.WithLogger(logger.Named("ingest")))
	if err != nil {
		logger.Fatal("ingest service error", zap.Error(err))
	}

	// Outbox drain loop.
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := dispatcher.Dispatch(ctx, 100); err != nil {
					logger.Warn("outbox dispatch failed", zap.Error(err))
				}
			}
		}
	}()

	// Scheduled maintenance: rule index refresh, badge heal, optional
	// full recompute.
	scheduler := cron.New()
	mustSchedule(logger, scheduler, "@every "+engineCfg.RefreshInterval.Std().String(), "rule index refresh", func() {
		if err := alarmService.RefreshIndex(ctx); err != nil {
			logger.Warn("rule index refresh failed", zap.Error(err))
		}
	})
	if badge != nil {
		mustSchedule(logger, scheduler, "@every 1m", "badge sync", func() {
			if err := badge.Sync(ctx); err != nil {
				logger.Warn("badge sync failed", zap.Error(err))
			}
		})
	}
	if engineCfg.Recompute.Schedule != "" {
		recomputer, err := alarmapp.NewRecomputer(ruleRepo, fullHistory{query: readingQuery}, alarmRecordRepo,
			alarmapp.WithBatchPolicy(engineCfg.EnginePolicy()),
			alarmapp.WithBatchLogger(logger.Named("recompute")))
		if err != nil {
			logger.Fatal("recomputer error", zap.Error(err))
		}
		mustSchedule(logger, scheduler, engineCfg.Recompute.Schedule, "scheduled recompute", func() {
			result, err := recomputer.Run(ctx)
			if err != nil {
				logger.Error("scheduled recompute failed", zap.Error(err))
				return
			}
			logger.Info("scheduled recompute finished",
				zap.Int("rules", result.Rules),
				zap.Int("readings", result.Readings),
				zap.Int("alarms", result.Alarms))
		})
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Optional MQTT telemetry source.
	if cfg.MQTTBrokerURL != "" {
		source, err := telemetrymqtt.NewSource(telemetrymqtt.Config{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
			Topic:     cfg.MQTTTopic,
			QoS:       byte(cfg.MQTTQoS),
		}, ingestService, logger.Named("mqtt"))
		if err != nil {
			logger.Fatal("mqtt source error", zap.Error(err))
		}
		go func() {
			if err := source.Start(ctx); err != nil {
				logger.Error("mqtt source stopped", zap.Error(err))
			}
		}()
	}

	// HTTP surface.
	uploadHandler, err := telemetryhttp.NewUploadHandler(ingestService, logger.Named("upload"))
	if err != nil {
		logger.Fatal("upload handler error", zap.Error(err))
	}
	manualHandler, err := telemetryhttp.NewManualHandler(ingestService, auditRepo, logger.Named("manual"))
	if err != nil {
		logger.Fatal("manual handler error", zap.Error(err))
	}
	alarmHandler, err := alarmhttp.NewHandler(alarmService)
	if err != nil {
		logger.Fatal("alarm handler error", zap.Error(err))
	}
	rulesHandler, err := alarmhttp.NewRulesHandler(ruleRepo, alarmService, logger.Named("thresholds"))
	if err != nil {
		logger.Fatal("rules handler error", zap.Error(err))
	}
	exportHandler, err := alarmhttp.NewExportHandler(alarmService, equipmentRepo)
	if err != nil {
		logger.Fatal("export handler error", zap.Error(err))
	}
	equipmentHandler, err := masterdatahttp.NewHandler(equipmentService, auditRepo, logger.Named("equipment"))
	if err != nil {
		logger.Fatal("equipment handler error", zap.Error(err))
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/v1/telemetry/upload"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestSkewSeconds)*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/telemetry/upload", ingestAuth.Wrap(uploadHandler))
	mux.Handle("/api/v1/telemetry/manual", manualHandler)
	mux.Handle("/api/v1/telemetry/history", apihttp.NewHistoryHandler(readingQuery))
	mux.Handle("/api/v1/telemetry/history.csv", apihttp.NewHistoryCSVHandler(readingQuery))
	mux.Handle("/api/v1/telemetry/latest", apihttp.NewLatestHandler(readingQuery))
	mux.Handle("/api/v1/thresholds", rulesHandler)
	mux.Handle("/api/v1/thresholds/", rulesHandler)
	mux.Handle("/api/v1/alarms", alarmHandler)
	mux.Handle("/api/v1/alarms/", alarmHandler)
	mux.Handle("/api/v1/alarms/stream", alarmhttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/alarms/export", exportHandler)
	mux.Handle("/api/v1/equipment", equipmentHandler)
	mux.Handle("/api/v1/equipment/", equipmentHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger.Named("http")),
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	pool.Stop()
	logger.Info("stopped")
}

type config struct {
	DatabaseURL       string
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	JWTSecret         string
	IngestSecret      string
	IngestSkewSeconds int
	AlarmWebhookURL   string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	MQTTBrokerURL     string
	MQTTClientID      string
	MQTTUsername      string
	MQTTPassword      string
	MQTTTopic         string
	MQTTQoS           int
}

func loadConfig() config {
	return config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		LogFormat:         getenvDefault("LOG_FORMAT", "json"),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret:      getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkewSeconds: getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300),
		AlarmWebhookURL:   getenvDefault("ALARM_WEBHOOK_URL", ""),
		RedisAddr:         getenvDefault("REDIS_ADDR", ""),
		RedisPassword:     getenvDefault("REDIS_PASSWORD", ""),
		RedisDB:           getenvIntDefault("REDIS_DB", 0),
		MQTTBrokerURL:     getenvDefault("MQTT_BROKER_URL", ""),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "engineroom-monitor"),
		MQTTUsername:      getenvDefault("MQTT_USERNAME", ""),
		MQTTPassword:      getenvDefault("MQTT_PASSWORD", ""),
		MQTTTopic:         getenvDefault("MQTT_TOPIC", ""),
		MQTTQoS:           getenvIntDefault("MQTT_QOS", 1),
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustSchedule(logger *zap.Logger, scheduler *cron.Cron, spec, name string, job func()) {
	if _, err := scheduler.AddFunc(spec, job); err != nil {
		logger.Fatal("schedule error", zap.String("job", name), zap.String("spec", spec), zap.Error(err))
	}
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the alarm SSE stream working behind the logging wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// pendingCounts exposes the pending-alarm count without coupling the
// badge to the alarm service.
type pendingCounts struct {
	store *alarmrepo.AlarmRecordRepository
}

func (p pendingCounts) PendingCount(ctx context.Context) (int, error) {
	return p.store.CountByStatus(ctx, alarms.StatusPending)
}

// fullHistory adapts the bounded reading query to the recomputer's
// full-replay interface.
type fullHistory struct {
	query telemetry.ReadingQuery
}

func (h fullHistory) QueryAllOrdered(ctx context.Context) ([]telemetry.Reading, error) {
	return h.query.QueryAllOrdered(ctx, time.Time{}, time.Time{})
}
