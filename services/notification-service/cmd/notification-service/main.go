package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pawdesk/pawdesk/libs/config"
	"github.com/pawdesk/pawdesk/libs/db"
	"github.com/pawdesk/pawdesk/libs/httpx"
	"github.com/pawdesk/pawdesk/libs/kafkax"
	"github.com/pawdesk/pawdesk/libs/otelx"
	"github.com/pawdesk/pawdesk/libs/runtime"
	"github.com/pawdesk/pawdesk/services/notification-service/internal/consumer"
	"github.com/pawdesk/pawdesk/services/notification-service/internal/email"
	"github.com/pawdesk/pawdesk/services/notification-service/internal/inbox"
	"github.com/pawdesk/pawdesk/services/notification-service/internal/outbox"
	"github.com/pawdesk/pawdesk/services/notification-service/internal/sms"
	"github.com/pawdesk/pawdesk/services/notification-service/internal/storage"
)

// appointmentEvent is the shared shape of the scheduling events this service
// listens to. Booked events omit appointment_id from the payload; the Kafka
// message key carries it (key = aggregate id).
type appointmentEvent struct {
	AppointmentID  string `json:"appointment_id"`
	PetID          string `json:"pet_id"`
	ClientID       string `json:"client_id"`
	VeterinarianID string `json:"veterinarian_id"`
	ScheduledAt    string `json:"scheduled_at"`
	ToStatus       string `json:"to_status"`
	Reason         string `json:"reason"`
}

type notifier struct {
	logger *slog.Logger
	repo   *storage.Repository
	email  email.Sender
	sms    sms.Sender
}

func (n *notifier) handleAppointmentEvent(ctx context.Context, msg kafka.Message, subject, template string) error {
	var evt appointmentEvent
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		n.logger.Error("invalid appointment event payload", "err", err, "topic", msg.Topic)
		return nil
	}
	if evt.AppointmentID == "" {
		evt.AppointmentID = string(msg.Key)
	}
	if evt.AppointmentID == "" || evt.ClientID == "" {
		n.logger.Error("missing appointment event fields", "topic", msg.Topic)
		return nil
	}

	when := evt.ScheduledAt
	if t, err := time.Parse(time.RFC3339, evt.ScheduledAt); err == nil {
		when = t.Format("Mon, 2 Jan 2006 15:04 MST")
	}
	body := fmt.Sprintf(template, when)
	if evt.Reason != "" {
		body += " Reason: " + evt.Reason + "."
	}

	contact, err := n.repo.ContactFor(ctx, evt.ClientID)
	if errors.Is(err, storage.ErrNoContact) {
		n.logger.Warn("no contact on file, skipping notification", "client_id", evt.ClientID)
		return nil
	}
	if err != nil {
		return err
	}

	channel, recipient := "email", contact.Email
	if recipient == "" {
		channel, recipient = "sms", contact.Phone
	}
	if recipient == "" {
		n.logger.Warn("contact has no reachable channel", "client_id", evt.ClientID)
		return nil
	}

	status := "sent"
	failureReason := ""
	switch channel {
	case "email":
		if err := n.email.Send(recipient, subject, body); err != nil {
			status = "failed"
			failureReason = err.Error()
			n.logger.Error("email send failed", "err", err, "recipient", recipient)
		}
	case "sms":
		if err := n.sms.Send(ctx, recipient, body); err != nil {
			status = "failed"
			failureReason = err.Error()
			n.logger.Error("sms send failed", "err", err, "recipient", recipient)
		}
	}

	outcome := outbox.EventNotificationSent
	eventPayload := map[string]any{
		"appointment_id": evt.AppointmentID,
		"client_id":      evt.ClientID,
		"channel":        channel,
		"sent_at":        time.Now().UTC().Format(time.RFC3339),
	}
	if status == "failed" {
		outcome = outbox.EventNotificationFailed
		eventPayload["error_reason"] = failureReason
	}
	raw, err := json.Marshal(eventPayload)
	if err != nil {
		return err
	}

	if err := n.repo.RecordDelivery(ctx, storage.Notification{
		AppointmentID: evt.AppointmentID,
		ClientID:      evt.ClientID,
		Channel:       channel,
		Recipient:     recipient,
		Payload:       map[string]any{"subject": subject, "body": body, "source": msg.Topic},
		Status:        status,
	}, outbox.Event{
		AggregateType: "notification",
		AggregateID:   evt.AppointmentID,
		EventType:     outcome,
		Payload:       raw,
	}); err != nil {
		n.logger.Error("failed to record delivery", "err", err)
		return err
	}

	n.logger.Info("appointment event processed",
		"appointment_id", evt.AppointmentID, "topic", msg.Topic, "channel", channel, "status", status)
	return nil
}

func (n *notifier) handleContactEvent(ctx context.Context, msg kafka.Message) error {
	var payload struct {
		ClientID  string `json:"client_id"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
		UpdatedAt string `json:"updated_at"`
	}
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		n.logger.Error("invalid contact payload", "err", err, "topic", msg.Topic)
		return nil
	}
	if payload.ClientID == "" {
		n.logger.Error("missing client_id in contact event", "topic", msg.Topic)
		return nil
	}
	updatedAt, err := time.Parse(time.RFC3339, payload.UpdatedAt)
	if err != nil {
		updatedAt = time.Now().UTC()
	}
	return n.repo.UpsertContact(ctx, storage.Contact{
		ClientID: payload.ClientID,
		Email:    strings.TrimSpace(payload.Email),
		Phone:    strings.TrimSpace(payload.Phone),
	}, updatedAt)
}

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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

	outboxRepo := outbox.NewRepository(pool)
	repo := storage.NewRepository(pool, outboxRepo)
	inboxRepo := inbox.NewRepository(pool)

	brokers := config.String("KAFKA_BROKERS", "")
	go outbox.NewPublisher(pool, logger, brokers).Run(ctx)

	emailSender := email.NewSMTPSender(
		config.String("SMTP_HOST", "mailpit"),
		config.String("SMTP_PORT", "1025"),
		config.String("SMTP_FROM", "no-reply@pawdesk.local"),
		config.String("SMTP_USERNAME", ""),
		config.String("SMTP_PASSWORD", ""),
	)

	var smsSender sms.Sender
	switch strings.ToLower(config.String("SMS_PROVIDER", "noop")) {
	case "webhook":
		smsSender = sms.NewWebhookSender(
			config.String("SMS_WEBHOOK_URL", ""),
			config.String("SMS_WEBHOOK_TOKEN", ""),
			0,
		)
	default:
		smsSender = sms.NewNoopSender()
	}

	n := &notifier{logger: logger, repo: repo, email: emailSender, sms: smsSender}

	groupID := config.String("KAFKA_GROUP_ID", "notification-service")
	startConsumer := func(topic string, handler consumer.Handler) {
		if strings.TrimSpace(topic) == "" {
			return
		}
		c := consumer.New(logger, inboxRepo, consumer.Config{
			Brokers: brokers,
			GroupID: groupID,
			Topic:   topic,
		}, handler)
		go c.Run(ctx)
	}

	startConsumer(config.String("KAFKA_TOPIC_BOOKED", "scheduling.appointment.booked.v1"),
		func(ctx context.Context, msg kafka.Message) error {
			return n.handleAppointmentEvent(ctx, msg, "Appointment request received",
				"We received your appointment request for %s. You'll hear from us once it's confirmed.")
		})
	startConsumer(config.String("KAFKA_TOPIC_STATUS", "scheduling.appointment.status_changed.v1"),
		func(ctx context.Context, msg kafka.Message) error {
			return n.handleAppointmentEvent(ctx, msg, "Appointment update",
				"Your appointment on %s has been updated.")
		})
	startConsumer(config.String("KAFKA_TOPIC_CANCELLED", "scheduling.appointment.cancelled.v1"),
		func(ctx context.Context, msg kafka.Message) error {
			return n.handleAppointmentEvent(ctx, msg, "Appointment cancelled",
				"Your appointment on %s has been cancelled.")
		})
	startConsumer(config.String("KAFKA_TOPIC_CONTACTS", "directory.client.updated.v1"), n.handleContactEvent)

	mux := runtime.NewBaseMux(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
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
