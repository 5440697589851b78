package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-service/internal/model"
	"otp-service/internal/util"
)

// ErrConcurrentUpdate means the conditional write lost too many CAS rounds
// against concurrent verifiers.
var ErrConcurrentUpdate = errors.New("concurrent otp record update")

// Rows outlive their usefulness by this much beyond code expiry before the
// database reclaims them; Verify treats them as dead long before that.
const recordTTLGrace = time.Hour

const casRetries = 3

// OTPRepository implements model.OtpStore on ScyllaDB. Per-record atomicity
// comes from lightweight transactions on the single-row partition keyed by
// (identifier, purpose, channel).
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient, logger *zap.Logger) *OTPRepository {
	return &OTPRepository{
		client: client,
	}
}

// Upsert atomically creates or replaces the live record for the key. The
// write also maintains the per-user reverse index that backs RevokeAll.
func (r *OTPRepository) Upsert(ctx context.Context, record *model.OtpRecord) error {
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	ttl := int((record.ExpiresAt.Sub(now) + recordTTLGrace) / time.Second)
	if ttl <= 0 {
		return fmt.Errorf("record already expired at upsert: %s", record.ExpiresAt)
	}

	query := r.client.Prepared.UpsertRecord.WithContext(ctx).Bind(
		record.Identifier, string(record.Purpose), string(record.Channel),
		record.UserID, string(record.UserRole), record.CodeHash,
		record.ExpiresAt, record.Consumed, record.Attempts, record.CreatedAt, ttl)

	if err := r.client.ExecuteWithRetry(query, 2); err != nil {
		util.Error("Failed to upsert OTP record",
			zap.String("identifier", record.Identifier),
			zap.String("purpose", string(record.Purpose)),
			zap.String("channel", string(record.Channel)),
			zap.Error(err))
		return fmt.Errorf("failed to upsert OTP record: %w", err)
	}

	index := r.client.Prepared.UpsertUserIndex.WithContext(ctx).Bind(
		record.UserID, string(record.Purpose), record.Identifier, string(record.Channel),
		record.CreatedAt, ttl)

	if err := r.client.ExecuteWithRetry(index, 2); err != nil {
		util.Error("Failed to index OTP record by user",
			zap.String("user_id", record.UserID),
			zap.String("purpose", string(record.Purpose)),
			zap.Error(err))
		return fmt.Errorf("failed to index OTP record: %w", err)
	}

	util.Info("OTP record upserted",
		zap.String("user_id", record.UserID),
		zap.String("purpose", string(record.Purpose)),
		zap.String("channel", string(record.Channel)),
		zap.Time("expires_at", record.ExpiresAt))

	return nil
}

// FindLive returns the unconsumed record for the tuple, hash included. A
// physically present but consumed row counts as not found. Expiry is not
// interpreted here.
func (r *OTPRepository) FindLive(ctx context.Context, identifier string, purpose model.Purpose, channel model.Channel) (*model.OtpRecord, error) {
	record := &model.OtpRecord{}
	var roleStr, purposeStr, channelStr string

	query := r.client.Prepared.GetRecord.WithContext(ctx).Bind(identifier, string(purpose), string(channel))

	err := query.Scan(
		&record.Identifier, &purposeStr, &channelStr,
		&record.UserID, &roleStr, &record.CodeHash,
		&record.ExpiresAt, &record.Consumed, &record.Attempts, &record.CreatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrRecordNotFound
		}
		util.Error("Failed to read OTP record",
			zap.String("identifier", identifier),
			zap.String("purpose", string(purpose)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to read OTP record: %w", err)
	}

	record.Purpose = model.Purpose(purposeStr)
	record.Channel = model.Channel(channelStr)
	record.UserRole = model.Role(roleStr)

	if record.Consumed {
		return nil, model.ErrRecordNotFound
	}

	return record, nil
}

// MarkConsumed transitions the record to consumed if it is still live. The
// returned flag tells the caller whether this call won the transition; the
// flag stays meaningful under concurrent verifies because the update is a
// conditional write.
func (r *OTPRepository) MarkConsumed(ctx context.Context, key model.RecordKey) (bool, error) {
	var prevConsumed bool

	query := r.client.Prepared.MarkConsumed.WithContext(ctx).Bind(
		key.Identifier, string(key.Purpose), string(key.Channel))

	applied, err := query.ScanCAS(&prevConsumed)
	if err != nil {
		if err == gocql.ErrNotFound {
			return false, model.ErrRecordNotFound
		}
		util.Error("Failed to mark OTP record consumed",
			zap.String("identifier", key.Identifier),
			zap.String("purpose", string(key.Purpose)),
			zap.Error(err))
		return false, fmt.Errorf("failed to mark OTP record consumed: %w", err)
	}

	util.Info("OTP record consumption attempted",
		zap.String("identifier", key.Identifier),
		zap.String("purpose", string(key.Purpose)),
		zap.Bool("applied", applied))

	return applied, nil
}

// IncrementAttempts bumps the failed-attempt counter with a compare-and-set
// loop so two racing verifiers never observe the same attempt number.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, key model.RecordKey) (int, error) {
	for i := 0; i < casRetries; i++ {
		record, err := r.FindLive(ctx, key.Identifier, key.Purpose, key.Channel)
		if err != nil {
			return 0, err
		}

		next := record.Attempts + 1
		var prevAttempts int
		query := r.client.Prepared.IncrementAttempts.WithContext(ctx).Bind(
			next, key.Identifier, string(key.Purpose), string(key.Channel), record.Attempts)

		applied, err := query.ScanCAS(&prevAttempts)
		if err != nil {
			if err == gocql.ErrNotFound {
				return 0, model.ErrRecordNotFound
			}
			return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
		}
		if applied {
			util.Info("OTP attempt recorded",
				zap.String("identifier", key.Identifier),
				zap.String("purpose", string(key.Purpose)),
				zap.Int("attempts", next))
			return next, nil
		}
		// Lost the race; re-read and try again.
	}

	return 0, ErrConcurrentUpdate
}

// RevokeAll marks every record for the user and purpose consumed, e.g. the
// in-flight SMS sibling after an email fallback completed a flow.
func (r *OTPRepository) RevokeAll(ctx context.Context, userID string, purpose model.Purpose) error {
	iter := r.client.Prepared.ListByUser.WithContext(ctx).Bind(userID, string(purpose)).Iter()

	var identifier, channel string
	revoked := 0
	for iter.Scan(&identifier, &channel) {
		// Consumed is monotonic, so the unconditional update is safe.
		query := r.client.Prepared.ConsumeRecord.WithContext(ctx).Bind(identifier, string(purpose), channel)
		if err := r.client.ExecuteWithRetry(query, 2); err != nil {
			iter.Close()
			util.Error("Failed to revoke OTP record",
				zap.String("user_id", userID),
				zap.String("purpose", string(purpose)),
				zap.Error(err))
			return fmt.Errorf("failed to revoke OTP records: %w", err)
		}
		revoked++
	}

	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to list OTP records for revocation: %w", err)
	}

	util.Info("OTP records revoked",
		zap.String("user_id", userID),
		zap.String("purpose", string(purpose)),
		zap.Int("count", revoked))

	return nil
}
