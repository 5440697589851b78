package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// Event types emitted over the lifecycle of a passcode.
const (
	EventIssued       = "otp.issued"
	EventVerified     = "otp.verified"
	EventVerifyFailed = "otp.verify_failed"
	EventRevoked      = "otp.revoked"
	EventLoginFailed  = "login.failed"
)

// Event is the audit trail entry. It never carries codes or hashes.
type Event struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	UserID     string    `json:"user_id,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Purpose    string    `json:"purpose,omitempty"`
	Channel    string    `json:"channel,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Recorder publishes lifecycle events to Kafka and appends them to the
// ClickHouse audit table. Both sinks are optional; a nil producer or client
// simply drops that sink. Recording is fire-and-forget so a slow broker
// never sits on the request path.
type Recorder struct {
	producer   *client.KafkaProducer
	clickhouse *client.ClickHouseClient
	topic      string
	logger     *zap.Logger
}

func NewRecorder(producer *client.KafkaProducer, clickhouse *client.ClickHouseClient, topic string, logger *zap.Logger) *Recorder {
	return &Recorder{
		producer:   producer,
		clickhouse: clickhouse,
		topic:      topic,
		logger:     logger,
	}
}

// Record dispatches the event to the configured sinks asynchronously.
func (r *Recorder) Record(eventType string, rec *model.OtpRecord, detail string) {
	event := Event{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Detail:     detail,
	}
	if rec != nil {
		event.UserID = rec.UserID
		event.Identifier = rec.Identifier
		event.Purpose = string(rec.Purpose)
		event.Channel = string(rec.Channel)
	}

	go r.publish(event)
}

// RecordLoginFailure notes a failed password login for the audit trail.
func (r *Recorder) RecordLoginFailure(userID string, attempts int) {
	event := Event{
		EventID:    uuid.New().String(),
		EventType:  EventLoginFailed,
		UserID:     userID,
		Detail:     fmt.Sprintf("failed password login, attempt %d", attempts),
		OccurredAt: time.Now().UTC(),
	}

	go r.publish(event)
}

func (r *Recorder) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.producer != nil {
		value, err := json.Marshal(event)
		if err != nil {
			r.logger.Error("Failed to encode audit event", util.ErrorField(err))
			return
		}
		if err := r.producer.ProduceMessage(ctx, r.topic, []byte(event.UserID), value, nil); err != nil {
			r.logger.Warn("Failed to publish audit event to kafka",
				util.String("event_type", event.EventType),
				util.ErrorField(err))
		}
	}

	if r.clickhouse != nil {
		err := r.clickhouse.Exec(ctx, `
            INSERT INTO otp_audit (event_id, event_type, user_id, identifier, purpose, channel, detail, occurred_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			event.EventID, event.EventType, event.UserID, event.Identifier,
			event.Purpose, event.Channel, event.Detail, event.OccurredAt)
		if err != nil {
			r.logger.Warn("Failed to append audit event to clickhouse",
				util.String("event_type", event.EventType),
				util.ErrorField(err))
		}
	}
}
