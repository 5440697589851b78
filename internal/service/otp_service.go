package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/model"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/util"
)

// Service-level sentinels. Handlers map these to HTTP status codes.
var (
	// ErrInvalidInput means the request failed validation before any state
	// was touched.
	ErrInvalidInput = errors.New("invalid otp request")
	// ErrDeliveryFailed means email delivery failed. Email is the channel
	// of last resort, so unlike SMS its failure is fatal to the issuance.
	ErrDeliveryFailed = errors.New("otp delivery failed")
	// ErrTooManyRequests means the issuance cooldown for the key is still
	// running.
	ErrTooManyRequests = errors.New("otp resend cooldown active")
)

// IssueRequest describes one passcode issuance. Identifier must already be
// normalized. Template renders the outbound message body around the code;
// wording per purpose is owned by the caller.
type IssueRequest struct {
	UserID     string
	UserRole   model.Role
	Identifier string
	Purpose    model.Purpose
	Channel    model.Channel
	Subject    string
	Template   model.MessageTemplate

	// FallbackEmail, when set on an SMS issuance, is tried if the SMS
	// provider declines delivery.
	FallbackEmail string

	// CodeOverride forces the plaintext code instead of generating one.
	// Used by IssueBoth so both channels carry the same secret.
	CodeOverride string
}

// IssueResult reports what the caller may show the user. The code itself
// never appears here.
type IssueResult struct {
	ExpiresAt       time.Time     `json:"expires_at"`
	DeliveryChannel model.Channel `json:"delivery_channel"`
}

// OtpService owns the passcode lifecycle: generation, storage, dispatch and
// verification. All collaborators are injected so tests can run it against
// in-memory fakes.
type OtpService struct {
	store      model.OtpStore
	generator  model.SecretGenerator
	hasher     model.CredentialHasher
	dispatcher model.ChannelDispatcher
	counter    model.AttemptCounter
	recorder   *audit.Recorder
	cfg        config.OTPConfig
	logger     *zap.Logger
}

func NewOtpService(
	store model.OtpStore,
	generator model.SecretGenerator,
	hasher model.CredentialHasher,
	dispatcher model.ChannelDispatcher,
	counter model.AttemptCounter,
	recorder *audit.Recorder,
	cfg config.OTPConfig,
	logger *zap.Logger,
) *OtpService {
	return &OtpService{
		store:      store,
		generator:  generator,
		hasher:     hasher,
		dispatcher: dispatcher,
		counter:    counter,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger,
	}
}

// Issue generates, stores and dispatches a fresh code for the request key.
// Any previous live record for the same key is replaced, so at most one code
// per (user, purpose, identifier, channel) can ever verify.
func (s *OtpService) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	if err := validateIssueRequest(req); err != nil {
		return nil, err
	}

	cooldownKey := fmt.Sprintf("%s:%s:%s", req.Identifier, req.Purpose, req.Channel)
	acquired, err := s.counter.AcquireCooldown(redisrepo.KindIssueRate, cooldownKey, s.cfg.ResendCooldown)
	if err != nil {
		return nil, fmt.Errorf("failed to check issuance cooldown: %w", err)
	}
	if !acquired {
		s.logger.Warn("OTP issuance throttled",
			util.String("identifier", req.Identifier),
			util.String("purpose", string(req.Purpose)))
		return nil, ErrTooManyRequests
	}

	// A failed issuance releases the lock; the user should not have to sit
	// out the full cooldown for a code that was never stored or sent.
	issued := false
	defer func() {
		if issued {
			return
		}
		if err := s.counter.Reset(redisrepo.KindIssueRate, cooldownKey); err != nil {
			s.logger.Warn("Failed to release issuance cooldown",
				util.String("identifier", req.Identifier),
				util.ErrorField(err))
		}
	}()

	code := req.CodeOverride
	if code == "" {
		code, err = s.generator.Generate(s.cfg.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}
	}

	hash, err := s.hasher.Hash(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	record := &model.OtpRecord{
		UserID:     req.UserID,
		UserRole:   req.UserRole,
		Purpose:    req.Purpose,
		Identifier: req.Identifier,
		Channel:    req.Channel,
		CodeHash:   hash,
		ExpiresAt:  time.Now().UTC().Add(s.cfg.ExpiryWindow),
		CreatedAt:  time.Now().UTC(),
	}

	// Store before dispatch. A record the user never received verifies for
	// nobody; a delivered code with no record would be unverifiable.
	if err := s.store.Upsert(ctx, record); err != nil {
		return nil, err
	}

	msg := renderMessage(req, code)

	delivered, err := s.dispatch(ctx, req, msg)
	if err != nil {
		return nil, err
	}

	issued = true
	s.recorder.Record(audit.EventIssued, record, string(delivered))

	return &IssueResult{
		ExpiresAt:       record.ExpiresAt,
		DeliveryChannel: delivered,
	}, nil
}

// IssueBoth issues the same code over SMS and email in parallel, used for
// flows where the user should be reachable either way. Each channel keeps its
// own record and either one verifies the code.
func (s *OtpService) IssueBoth(ctx context.Context, req IssueRequest, email string) (*IssueResult, error) {
	if err := validateIssueRequest(req); err != nil {
		return nil, err
	}
	if email == "" {
		return nil, fmt.Errorf("%w: email required for dual-channel issuance", ErrInvalidInput)
	}

	code, err := s.generator.Generate(s.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	smsReq := req
	smsReq.Channel = model.ChannelSMS
	smsReq.CodeOverride = code
	smsReq.FallbackEmail = ""

	emailReq := req
	emailReq.Channel = model.ChannelEmail
	emailReq.Identifier = email
	emailReq.CodeOverride = code
	emailReq.FallbackEmail = ""

	var smsResult *IssueResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		result, err := s.Issue(gctx, smsReq)
		smsResult = result
		return err
	})
	g.Go(func() error {
		_, err := s.Issue(gctx, emailReq)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return smsResult, nil
}

// Verify checks a submitted code against the live record for the tuple and
// consumes the record on success. Every failure is categorized so the caller
// can tell the user what to do next.
func (s *OtpService) Verify(ctx context.Context, identifier string, purpose model.Purpose, channel model.Channel, code string) (*model.VerificationResult, error) {
	if identifier == "" || code == "" || !purpose.Valid() || !channel.Valid() {
		return nil, ErrInvalidInput
	}

	record, err := s.store.FindLive(ctx, identifier, purpose, channel)
	if err != nil {
		if errors.Is(err, model.ErrRecordNotFound) {
			s.recorder.Record(audit.EventVerifyFailed, nil, string(model.ReasonNotFound))
			return &model.VerificationResult{Valid: false, Reason: model.ReasonNotFound}, nil
		}
		return nil, err
	}

	key := record.Key()

	if time.Now().UTC().After(record.ExpiresAt) {
		if _, err := s.store.MarkConsumed(ctx, key); err != nil && !errors.Is(err, model.ErrRecordNotFound) {
			return nil, err
		}
		s.recorder.Record(audit.EventVerifyFailed, record, string(model.ReasonExpired))
		return &model.VerificationResult{Valid: false, Reason: model.ReasonExpired}, nil
	}

	// The cap counts tries, right or wrong. A correct code on the try past
	// the cap is rejected and the record dies with it.
	if record.Attempts >= s.cfg.MaxAttempts {
		if _, err := s.store.MarkConsumed(ctx, key); err != nil && !errors.Is(err, model.ErrRecordNotFound) {
			return nil, err
		}
		s.recorder.Record(audit.EventVerifyFailed, record, string(model.ReasonTooManyAttempts))
		return &model.VerificationResult{Valid: false, Reason: model.ReasonTooManyAttempts}, nil
	}

	match, err := s.hasher.Compare(code, record.CodeHash)
	if err != nil {
		return nil, fmt.Errorf("failed to compare code: %w", err)
	}

	if !match {
		attempts, err := s.store.IncrementAttempts(ctx, key)
		if err != nil && !errors.Is(err, model.ErrRecordNotFound) {
			return nil, err
		}
		s.logger.Info("OTP verification rejected",
			util.String("identifier", identifier),
			util.String("purpose", string(purpose)),
			util.Int("attempts", attempts))
		s.recorder.Record(audit.EventVerifyFailed, record, string(model.ReasonInvalid))
		return &model.VerificationResult{Valid: false, Reason: model.ReasonInvalid}, nil
	}

	applied, err := s.store.MarkConsumed(ctx, key)
	if err != nil {
		if errors.Is(err, model.ErrRecordNotFound) {
			return &model.VerificationResult{Valid: false, Reason: model.ReasonNotFound}, nil
		}
		return nil, err
	}
	if !applied {
		// A concurrent verify consumed the record first; this caller sees
		// the same outcome as if the record never existed.
		s.recorder.Record(audit.EventVerifyFailed, record, string(model.ReasonNotFound))
		return &model.VerificationResult{Valid: false, Reason: model.ReasonNotFound}, nil
	}

	s.recorder.Record(audit.EventVerified, record, "")
	s.logger.Info("OTP verified",
		util.String("user_id", record.UserID),
		util.String("purpose", string(purpose)),
		util.String("channel", string(channel)))

	return &model.VerificationResult{
		Valid:      true,
		UserID:     record.UserID,
		UserRole:   record.UserRole,
		Identifier: record.Identifier,
		Purpose:    record.Purpose,
		Channel:    record.Channel,
	}, nil
}

// RevokeAll invalidates every live code for the user and purpose, e.g. the
// untouched SMS sibling after a dual-channel flow completed over email.
func (s *OtpService) RevokeAll(ctx context.Context, userID string, purpose model.Purpose) error {
	if userID == "" || !purpose.Valid() {
		return ErrInvalidInput
	}
	if err := s.store.RevokeAll(ctx, userID, purpose); err != nil {
		return err
	}
	s.recorder.Record(audit.EventRevoked, &model.OtpRecord{UserID: userID, Purpose: purpose}, "")
	return nil
}

// dispatch routes the message to the requested channel, falling back from SMS
// to email when the provider declines and a fallback address is known.
func (s *OtpService) dispatch(ctx context.Context, req IssueRequest, msg model.Message) (model.Channel, error) {
	if req.Channel == model.ChannelEmail {
		if err := s.dispatcher.SendEmail(ctx, req.Identifier, msg); err != nil {
			s.logger.Error("Email dispatch failed",
				util.String("to", req.Identifier),
				util.ErrorField(err))
			return "", ErrDeliveryFailed
		}
		return model.ChannelEmail, nil
	}

	if s.dispatcher.SendSms(ctx, req.Identifier, msg) {
		return model.ChannelSMS, nil
	}

	if req.FallbackEmail == "" {
		// No confirmed delivery, but the record is live and the code may
		// still reach the user through an out-of-band path. Degraded,
		// not fatal.
		s.logger.Warn("SMS dispatch failed and no fallback address known",
			util.String("to", req.Identifier))
		return model.ChannelSMS, nil
	}

	s.logger.Warn("SMS dispatch failed, falling back to email",
		util.String("fallback", req.FallbackEmail))
	if err := s.dispatcher.SendEmail(ctx, req.FallbackEmail, msg); err != nil {
		s.logger.Error("Fallback email dispatch failed",
			util.String("to", req.FallbackEmail),
			util.ErrorField(err))
		return "", ErrDeliveryFailed
	}
	return model.ChannelEmail, nil
}

func validateIssueRequest(req IssueRequest) error {
	switch {
	case req.UserID == "":
		return fmt.Errorf("%w: user id required", ErrInvalidInput)
	case !req.UserRole.Valid():
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, req.UserRole)
	case req.Identifier == "":
		return fmt.Errorf("%w: identifier required", ErrInvalidInput)
	case !req.Purpose.Valid():
		return fmt.Errorf("%w: unknown purpose %q", ErrInvalidInput, req.Purpose)
	case !req.Channel.Valid():
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidInput, req.Channel)
	case req.Template == nil:
		return fmt.Errorf("%w: message template required", ErrInvalidInput)
	}
	return nil
}

func renderMessage(req IssueRequest, code string) model.Message {
	body := req.Template(code)
	hint := code
	if len(code) > 2 {
		hint = code[len(code)-2:]
	}
	return model.Message{
		Subject:  req.Subject,
		Text:     body,
		HTML:     "<p>" + strings.ReplaceAll(body, "\n", "<br>") + "</p>",
		CodeHint: hint,
	}
}
