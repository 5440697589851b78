package service

import (
	"fmt"

	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/model"
	redisrepo "otp-service/internal/repository/redis"
	"otp-service/internal/util"
)

// FailureStatus reports the per-account failed-login counter after an update.
// ResetAvailable turns on once the threshold is reached; the account is never
// locked, the client just starts offering the password reset path.
type FailureStatus struct {
	Attempts       int  `json:"attempts"`
	ResetAvailable bool `json:"reset_available"`
}

// LoginAttemptService tracks consecutive failed password logins per account
// inside a rolling window. It shares the attempt bookkeeping with OTP
// issuance throttling, keyed under its own kind.
type LoginAttemptService struct {
	counter  model.AttemptCounter
	recorder *audit.Recorder
	cfg      config.LoginConfig
	logger   *zap.Logger
}

func NewLoginAttemptService(counter model.AttemptCounter, recorder *audit.Recorder, cfg config.LoginConfig, logger *zap.Logger) *LoginAttemptService {
	return &LoginAttemptService{
		counter:  counter,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
	}
}

// RecordFailure bumps the counter for the account and reports whether the
// client should start suggesting a password reset.
func (s *LoginAttemptService) RecordFailure(userID string) (*FailureStatus, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}

	attempts, err := s.counter.Increment(redisrepo.KindLoginFailure, userID, s.cfg.FailureWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to record login failure: %w", err)
	}

	s.recorder.RecordLoginFailure(userID, attempts)
	s.logger.Info("Login failure recorded",
		util.String("user_id", userID),
		util.Int("attempts", attempts))

	return &FailureStatus{
		Attempts:       attempts,
		ResetAvailable: attempts >= s.cfg.FailureThreshold,
	}, nil
}

// Reset clears the counter, called after a successful login or a completed
// password reset.
func (s *LoginAttemptService) Reset(userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	if err := s.counter.Reset(redisrepo.KindLoginFailure, userID); err != nil {
		return fmt.Errorf("failed to reset login failures: %w", err)
	}
	return nil
}
