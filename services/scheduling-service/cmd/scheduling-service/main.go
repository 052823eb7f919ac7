package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pawdesk/pawdesk/libs/config"
	"github.com/pawdesk/pawdesk/libs/db"
	"github.com/pawdesk/pawdesk/libs/httpx"
	"github.com/pawdesk/pawdesk/libs/kafkax"
	"github.com/pawdesk/pawdesk/libs/otelx"
	"github.com/pawdesk/pawdesk/libs/runtime"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/consumer"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/directory"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/handlers"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/inbox"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/model"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/outbox"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/scheduling"
	"github.com/pawdesk/pawdesk/services/scheduling-service/internal/storage"
)

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func isTruthy(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func main() {
	service := config.String("SERVICE_NAME", "scheduling-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if err := storage.Migrate(ctx, pool); err != nil {
		logger.Error("schema migration failed", "err", err)
		panic(err)
	}

	clinicTZ := config.String("CLINIC_TIMEZONE", "UTC")
	location, err := time.LoadLocation(clinicTZ)
	if err != nil {
		logger.Error("invalid clinic timezone, falling back to UTC", "tz", clinicTZ, "err", err)
		location = time.UTC
	}

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewRepository(pool, outboxRepo)

	dirProvider, err := directory.NewProvider(config.String("DIRECTORY_GRPC_ADDR", ""))
	if err != nil {
		logger.Error("directory provider init failed; pet ownership checks disabled", "err", err)
		dirProvider = nil
	}

	svc := scheduling.NewService(repo, dirProvider, scheduling.Config{
		Location:      location,
		MinimumNotice: config.Minutes("MIN_BOOKING_NOTICE_MINUTES", 0),
		CancelNotice:  config.Minutes("CANCEL_NOTICE_MINUTES", 0),
	})

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	// The clinic catalog owns appointment types; this service mirrors them
	// locally so bookings can size slots without a synchronous dependency.
	if topic := strings.TrimSpace(config.String("KAFKA_CATALOG_TOPIC", "catalog.appointment_type.updated.v1")); topic != "" {
		inboxRepo := inbox.NewRepository(pool)
		catalogConsumer := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: config.String("KAFKA_BROKERS", ""),
			GroupID: config.String("KAFKA_GROUP_ID", "scheduling-service"),
			Topic:   topic,
		}, func(ctx context.Context, msg kafka.Message) error {
			var payload struct {
				ID           string `json:"id"`
				Label        string `json:"label"`
				DurationMins int    `json:"duration_mins"`
				PriceCents   int64  `json:"price_cents"`
				UpdatedAt    string `json:"updated_at"`
			}
			if err := json.Unmarshal(msg.Value, &payload); err != nil {
				logger.Error("invalid catalog payload", "err", err, "topic", msg.Topic)
				return nil
			}
			if payload.ID == "" || payload.DurationMins <= 0 {
				logger.Error("missing required catalog fields", "topic", msg.Topic)
				return nil
			}
			updatedAt, err := time.Parse(time.RFC3339, payload.UpdatedAt)
			if err != nil {
				updatedAt = time.Now().UTC()
			}
			return repo.UpsertAppointmentType(ctx, model.AppointmentType{
				ID:           payload.ID,
				Label:        payload.Label,
				DurationMins: payload.DurationMins,
				Price:        payload.PriceCents,
				UpdatedAt:    updatedAt,
			})
		})
		go catalogConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMux(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	handlers.NewAppointmentHandler(svc, logger).Register(mux)

	bodyLimit := int64(1 << 20)
	if v, err := strconv.Atoi(config.String("REQUEST_BODY_LIMIT_BYTES", "1048576")); err == nil && v > 0 {
		bodyLimit = int64(v)
	}
	requestTimeout := 10 * time.Second
	if v, err := strconv.Atoi(config.String("REQUEST_TIMEOUT_SECONDS", "10")); err == nil && v > 0 {
		requestTimeout = time.Duration(v) * time.Second
	}
	limitPerMinute := 120
	if v, err := strconv.Atoi(config.String("RATE_LIMIT_PER_MINUTE", "120")); err == nil && v > 0 {
		limitPerMinute = v
	}

	var rateLimitMW httpx.Middleware
	if addr := strings.TrimSpace(config.String("REDIS_ADDR", "")); addr != "" {
		redisDB := 0
		if v, err := strconv.Atoi(config.String("REDIS_DB", "0")); err == nil && v >= 0 {
			redisDB = v
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: config.String("REDIS_PASSWORD", ""),
			DB:       redisDB,
		})
		defer func() { _ = rdb.Close() }()

		rl := httpx.NewRedisRateLimiter(rdb, limitPerMinute, time.Minute, config.String("RATE_LIMIT_PREFIX", "rl"))
		rateLimitMW = rl.Middleware(logger, isTruthy(config.String("RATE_LIMIT_FAIL_OPEN", "true")))
		logger.Info("rate limiting enabled (redis)", "per_minute", limitPerMinute, "redis_addr", addr)
	} else {
		rl := httpx.NewRateLimiter(limitPerMinute, time.Minute)
		rateLimitMW = rl.Middleware()
		logger.Info("rate limiting enabled (in-memory)", "per_minute", limitPerMinute)
	}

	handler := httpx.Chain(mux,
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   parseList(config.String("CORS_ALLOWED_ORIGINS", "")),
			AllowedMethods:   parseList(config.String("CORS_ALLOWED_METHODS", "GET,POST,OPTIONS")),
			AllowedHeaders:   parseList(config.String("CORS_ALLOWED_HEADERS", "Authorization,Content-Type,X-Request-Id,Idempotency-Key")),
			AllowCredentials: isTruthy(config.String("CORS_ALLOW_CREDENTIALS", "false")),
		}),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(bodyLimit),
		httpx.WithTimeout(requestTimeout),
		rateLimitMW,
	)
	handler = otelhttp.NewHandler(handler, "scheduling")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
