package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/service"
	"otp-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// OtpHandler handles HTTP requests for the passcode lifecycle
type OtpHandler struct {
	factory *service.ServiceFactory
	cfg     *config.Config
	logger  *zap.Logger
}

// NewOtpHandler creates a new OTP handler
func NewOtpHandler(factory *service.ServiceFactory, cfg *config.Config, logger *zap.Logger) *OtpHandler {
	return &OtpHandler{
		factory: factory,
		cfg:     cfg,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all OTP routes
func (h *OtpHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/issue", h.IssueOtp)
		r.Post("/verify", h.VerifyOtp)
		r.Post("/revoke", h.RevokeOtps)
	})
	router.Route("/login-attempts", func(r chi.Router) {
		r.Post("/failure", h.RecordLoginFailure)
		r.Post("/reset", h.ResetLoginFailures)
	})
}

// IssueOtpRequest is the issuance request body. Phone and email are raw
// addresses as entered by the user; normalization happens here.
type IssueOtpRequest struct {
	Role    string `json:"role"`
	Purpose string `json:"purpose"`
	Channel string `json:"channel"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`

	// DualChannel sends the same code over SMS and email at once. Requires
	// both addresses; Channel is ignored.
	DualChannel bool `json:"dual_channel,omitempty"`
}

// IssueOtp handles passcode issuance
func (h *OtpHandler) IssueOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req IssueOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	purpose := model.Purpose(req.Purpose)
	if !purpose.Valid() {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Unknown purpose")
		return
	}

	phone, email, err := h.normalizeAddresses(req.Phone, req.Email)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid address")
		return
	}

	if req.DualChannel {
		h.issueDual(w, r, req, purpose, phone, email, startTime)
		return
	}

	channel := model.Channel(req.Channel)
	identifier := phone
	if channel == model.ChannelEmail {
		identifier = email
	}
	if !channel.Valid() || identifier == "" {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Channel and matching address required")
		return
	}

	identity, err := h.resolveIdentity(ctx, model.Role(req.Role), channel, identifier)
	if err != nil {
		// Lookup misses and provider failures look identical to the caller.
		h.respondWithError(w, h.getStatusCode(err), service.ErrDeliveryFailed, "Failed to deliver verification code")
		return
	}

	issueReq := service.IssueRequest{
		UserID:        identity.UserID,
		UserRole:      identity.Role,
		Identifier:    identifier,
		Purpose:       purpose,
		Channel:       channel,
		Subject:       subjectFor(purpose),
		Template:      templateFor(purpose),
		FallbackEmail: email,
	}
	if channel == model.ChannelEmail {
		issueReq.FallbackEmail = ""
	}

	result, err := h.factory.OtpService().Issue(ctx, issueReq)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue verification code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Verification code sent"))
	h.logger.Info("OTP issued via HTTP",
		util.String("purpose", string(purpose)),
		util.String("delivery_channel", string(result.DeliveryChannel)),
		util.Duration("duration", time.Since(startTime)),
	)
}

func (h *OtpHandler) issueDual(w http.ResponseWriter, r *http.Request, req IssueOtpRequest, purpose model.Purpose, phone, email string, startTime time.Time) {
	ctx := r.Context()

	if phone == "" || email == "" {
		h.respondWithError(w, http.StatusBadRequest, service.ErrInvalidInput, "Dual-channel issuance requires phone and email")
		return
	}

	identity, err := h.resolveIdentity(ctx, model.Role(req.Role), model.ChannelSMS, phone)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), service.ErrDeliveryFailed, "Failed to deliver verification code")
		return
	}

	issueReq := service.IssueRequest{
		UserID:     identity.UserID,
		UserRole:   identity.Role,
		Identifier: phone,
		Purpose:    purpose,
		Channel:    model.ChannelSMS,
		Subject:    subjectFor(purpose),
		Template:   templateFor(purpose),
	}

	result, err := h.factory.OtpService().IssueBoth(ctx, issueReq, email)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue verification code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Verification code sent"))
	h.logger.Info("Dual-channel OTP issued via HTTP",
		util.String("purpose", string(purpose)),
		util.Duration("duration", time.Since(startTime)),
	)
}

// VerifyOtpRequest is the verification request body.
type VerifyOtpRequest struct {
	Purpose string `json:"purpose"`
	Channel string `json:"channel"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Code    string `json:"code"`
}

// VerifyOtp handles passcode verification
func (h *OtpHandler) VerifyOtp(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req VerifyOtpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	phone, email, err := h.normalizeAddresses(req.Phone, req.Email)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid address")
		return
	}

	channel := model.Channel(req.Channel)
	identifier := phone
	if channel == model.ChannelEmail {
		identifier = email
	}

	result, err := h.factory.OtpService().Verify(ctx, identifier, model.Purpose(req.Purpose), channel, req.Code)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify code")
		return
	}

	message := "Code verified"
	if !result.Valid {
		message = "Code rejected"
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(result, message))
	h.logger.Info("OTP verification handled via HTTP",
		util.String("purpose", req.Purpose),
		util.Bool("valid", result.Valid),
		util.Duration("duration", time.Since(startTime)),
	)
}

// RevokeOtpsRequest is the revocation request body.
type RevokeOtpsRequest struct {
	UserID  string `json:"user_id"`
	Purpose string `json:"purpose"`
}

// RevokeOtps invalidates every live code for a user and purpose
func (h *OtpHandler) RevokeOtps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RevokeOtpsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.factory.OtpService().RevokeAll(ctx, req.UserID, model.Purpose(req.Purpose)); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to revoke codes")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Codes revoked"))
}

// LoginFailureRequest is the failed-login bookkeeping request body.
type LoginFailureRequest struct {
	UserID string `json:"user_id"`
}

// RecordLoginFailure bumps the failed-login counter for an account
func (h *OtpHandler) RecordLoginFailure(w http.ResponseWriter, r *http.Request) {
	var req LoginFailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	status, err := h.factory.LoginAttemptService().RecordFailure(req.UserID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to record login failure")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Login failure recorded"))
}

// ResetLoginFailures clears the failed-login counter for an account
func (h *OtpHandler) ResetLoginFailures(w http.ResponseWriter, r *http.Request) {
	var req LoginFailureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.factory.LoginAttemptService().Reset(req.UserID); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to reset login failures")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Login failures reset"))
}

// normalizeAddresses canonicalizes whichever raw addresses were supplied.
func (h *OtpHandler) normalizeAddresses(rawPhone, rawEmail string) (phone, email string, err error) {
	if rawPhone != "" {
		phone, err = util.NormalizePhone(rawPhone, h.cfg.OTP.DefaultCountryCode)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
		}
	}
	if rawEmail != "" {
		email, err = util.NormalizeEmail(rawEmail)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
		}
	}
	return phone, email, nil
}

// resolveIdentity maps a channel address to the owning account. A role
// mismatch is reported as a plain miss.
func (h *OtpHandler) resolveIdentity(ctx context.Context, role model.Role, channel model.Channel, identifier string) (*model.Identity, error) {
	var identity *model.Identity
	var err error
	if channel == model.ChannelEmail {
		identity, err = h.factory.IdentityStore().FindByEmail(ctx, identifier)
	} else {
		identity, err = h.factory.IdentityStore().FindByPhone(ctx, identifier)
	}
	if err != nil {
		return nil, err
	}
	if role.Valid() && identity.Role != role {
		return nil, model.ErrIdentityNotFound
	}
	return identity, nil
}

// respondWithJSON sends a JSON response
func (h *OtpHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OtpHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *OtpHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrDeliveryFailed), errors.Is(err, model.ErrIdentityNotFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func subjectFor(purpose model.Purpose) string {
	switch purpose {
	case model.PurposePhoneVerification:
		return "Verify your phone number"
	case model.PurposePasswordReset:
		return "Reset your password"
	default:
		return "Your login code"
	}
}

func templateFor(purpose model.Purpose) model.MessageTemplate {
	switch purpose {
	case model.PurposePhoneVerification:
		return func(code string) string {
			return fmt.Sprintf("Your phone verification code is %s. It expires in a few minutes.", code)
		}
	case model.PurposePasswordReset:
		return func(code string) string {
			return fmt.Sprintf("Your password reset code is %s. If you did not request this, ignore this message.", code)
		}
	default:
		return func(code string) string {
			return fmt.Sprintf("Your login code is %s. Do not share it with anyone.", code)
		}
	}
}
