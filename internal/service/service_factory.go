package service

import (
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	store      model.OtpStore
	identities model.IdentityStore
	generator  model.SecretGenerator
	hasher     model.CredentialHasher
	dispatcher model.ChannelDispatcher
	counter    model.AttemptCounter
	recorder   *audit.Recorder
	cfg        *config.Config
	logger     *zap.Logger

	otpService   *OtpService
	loginService *LoginAttemptService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	store model.OtpStore,
	identities model.IdentityStore,
	generator model.SecretGenerator,
	hasher model.CredentialHasher,
	dispatcher model.ChannelDispatcher,
	counter model.AttemptCounter,
	recorder *audit.Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		store:      store,
		identities: identities,
		generator:  generator,
		hasher:     hasher,
		dispatcher: dispatcher,
		counter:    counter,
		recorder:   recorder,
		cfg:        cfg,
		logger:     logger,
	}
}

// OtpService returns the OTP service instance (singleton)
func (f *ServiceFactory) OtpService() *OtpService {
	if f.otpService == nil {
		f.otpService = NewOtpService(
			f.store,
			f.generator,
			f.hasher,
			f.dispatcher,
			f.counter,
			f.recorder,
			f.cfg.OTP,
			f.logger,
		)
	}
	return f.otpService
}

// LoginAttemptService returns the login attempt service instance (singleton)
func (f *ServiceFactory) LoginAttemptService() *LoginAttemptService {
	if f.loginService == nil {
		f.loginService = NewLoginAttemptService(
			f.counter,
			f.recorder,
			f.cfg.Login,
			f.logger,
		)
	}
	return f.loginService
}

// IdentityStore exposes the account resolver for handlers.
func (f *ServiceFactory) IdentityStore() model.IdentityStore {
	return f.identities
}
