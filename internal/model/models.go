package model

import (
	"context"
	"errors"
	"time"
)

// Store-level sentinels shared by every OtpStore and IdentityStore
// implementation.
var (
	// ErrRecordNotFound means no live record exists for the lookup tuple.
	ErrRecordNotFound = errors.New("otp record not found")
	// ErrIdentityNotFound means no account owns the channel address.
	ErrIdentityNotFound = errors.New("identity not found")
)

// -------------------- ENUMS --------------------

// Role tags which identity table a user id resolves against.
type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

func (r Role) Valid() bool {
	return r == RoleTeacher || r == RoleStudent
}

// Purpose is the authorization context a code is valid for. Codes are scoped
// per purpose and never interchangeable across purposes.
type Purpose string

const (
	PurposePhoneVerification Purpose = "phone_verification"
	PurposeLogin             Purpose = "login"
	PurposePasswordReset     Purpose = "password_reset"
)

func (p Purpose) Valid() bool {
	switch p {
	case PurposePhoneVerification, PurposeLogin, PurposePasswordReset:
		return true
	}
	return false
}

// Channel is the delivery medium a record is categorized under. The medium
// actually used may differ after SMS-to-email fallback.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

func (c Channel) Valid() bool {
	return c == ChannelSMS || c == ChannelEmail
}

// -------------------- OTP RECORD --------------------

// OtpRecord is the sole persistent entity of the passcode lifecycle.
// CodeHash never leaves the store layer except through OtpStore.FindLive,
// and is never logged or serialized into responses.
type OtpRecord struct {
	UserID     string    `json:"user_id" db:"user_id"`
	UserRole   Role      `json:"user_role" db:"user_role"`
	Purpose    Purpose   `json:"purpose" db:"purpose"`
	Identifier string    `json:"identifier" db:"identifier"` // normalized email or E.164 phone
	Channel    Channel   `json:"channel" db:"channel"`
	CodeHash   string    `json:"-" db:"code_hash"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	Consumed   bool      `json:"consumed" db:"consumed"`
	Attempts   int       `json:"attempts" db:"attempts"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Key returns the upsert key of the record.
func (r *OtpRecord) Key() RecordKey {
	return RecordKey{
		UserID:     r.UserID,
		Purpose:    r.Purpose,
		Identifier: r.Identifier,
		Channel:    r.Channel,
	}
}

// RecordKey identifies the one live record allowed per
// (userId, purpose, identifier, channel) tuple.
type RecordKey struct {
	UserID     string
	Purpose    Purpose
	Identifier string
	Channel    Channel
}

// -------------------- VERIFICATION --------------------

// FailureReason discriminates verification failures so callers can render
// "wrong code", "expired, resend" and "too many attempts" distinctly.
type FailureReason string

const (
	ReasonNotFound        FailureReason = "not_found"
	ReasonExpired         FailureReason = "expired"
	ReasonTooManyAttempts FailureReason = "too_many_attempts"
	ReasonInvalid         FailureReason = "invalid"
)

// VerificationResult is the outcome of OtpService.Verify. On success the
// identity fields let the caller resolve the account and proceed.
type VerificationResult struct {
	Valid      bool          `json:"valid"`
	Reason     FailureReason `json:"reason,omitempty"`
	UserID     string        `json:"user_id,omitempty"`
	UserRole   Role          `json:"user_role,omitempty"`
	Identifier string        `json:"identifier,omitempty"`
	Purpose    Purpose       `json:"purpose,omitempty"`
	Channel    Channel       `json:"channel,omitempty"`
}

// -------------------- IDENTITY --------------------

// Identity is the account reference resolved from a channel address.
type Identity struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// -------------------- DISPATCH --------------------

// Message is a rendered human-readable secret delivery. CodeHint carries the
// last two digits of the code only; real dispatchers ignore it, the
// development dispatcher logs it instead of sending.
type Message struct {
	Subject  string
	Text     string
	HTML     string
	CodeHint string
}

// MessageTemplate renders the human-readable message for a code. Wording is
// owned by the caller per purpose; the OTP core never hardcodes it.
type MessageTemplate func(code string) string

// -------------------- INTERFACES --------------------

// SecretGenerator produces fixed-length random numeric codes.
type SecretGenerator interface {
	Generate(length int) (string, error)
}

// CredentialHasher one-way hashes codes for storage. Hash is salted and
// non-deterministic across calls; only Compare against a stored hash is
// meaningful.
type CredentialHasher interface {
	Hash(code string) (string, error)
	Compare(code, encoded string) (bool, error)
}

// ChannelDispatcher sends a rendered message over SMS or email.
// SendSms reports provider failure as false, never as an error; SendEmail is
// the fallback of last resort, so its failure surfaces as an error.
type ChannelDispatcher interface {
	SendSms(ctx context.Context, to string, msg Message) bool
	SendEmail(ctx context.Context, to string, msg Message) error
}

// OtpStore persists OtpRecords and enforces their uniqueness, expiry and
// consumption invariants with per-record atomicity.
type OtpStore interface {
	// Upsert atomically creates or replaces the live record for the key.
	Upsert(ctx context.Context, record *OtpRecord) error
	// FindLive returns the unconsumed record for the tuple, hash included.
	// Expiry is not interpreted here; a record past expires_at is still
	// returned and the caller must kill it on first contact.
	FindLive(ctx context.Context, identifier string, purpose Purpose, channel Channel) (*OtpRecord, error)
	// MarkConsumed transitions the record to consumed if it is still live
	// and reports whether this call won the transition.
	MarkConsumed(ctx context.Context, key RecordKey) (bool, error)
	// IncrementAttempts serializes attempt counting per record and returns
	// the new count.
	IncrementAttempts(ctx context.Context, key RecordKey) (int, error)
	// RevokeAll marks every record for the user and purpose consumed.
	RevokeAll(ctx context.Context, userID string, purpose Purpose) error
}

// IdentityStore resolves channel addresses to accounts. It is an external
// collaborator; this module only consumes the contract.
type IdentityStore interface {
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	FindByPhone(ctx context.Context, phone string) (*Identity, error)
}

// AttemptCounter is the shared bounded-retry bookkeeping used both for the
// per-account failed-login counter and for issuance throttling.
type AttemptCounter interface {
	Increment(kind, key string, ttl time.Duration) (int, error)
	Count(kind, key string) (int, error)
	Reset(kind, key string) error
	AcquireCooldown(kind, key string, ttl time.Duration) (bool, error)
}
