package dispatch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/config"
	"otp-service/internal/model"
	"otp-service/internal/util"
)

// GatewayDispatcher is the production ChannelDispatcher: SMS through the
// platform's HTTP gateway, email through SMTP over TLS. Both are injected
// dependencies of OtpService, never package-level singletons, so tests can
// substitute fakes.
type GatewayDispatcher struct {
	sms        config.SMSConfig
	smtpConfig config.SMTPConfig
	httpClient *http.Client
	logger     *zap.Logger
}

func NewGatewayDispatcher(cfg *config.Config, logger *zap.Logger) *GatewayDispatcher {
	return &GatewayDispatcher{
		sms:        cfg.SMS,
		smtpConfig: cfg.SMTP,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

type smsRequest struct {
	To       string `json:"to"`
	Message  string `json:"message"`
	SenderID string `json:"sender_id"`
}

// SendSms attempts delivery through the gateway. Provider failure and missing
// configuration both report false; ordinary non-delivery is never an error,
// the caller owns the fallback decision.
func (d *GatewayDispatcher) SendSms(ctx context.Context, to string, msg model.Message) bool {
	if d.sms.GatewayURL == "" {
		d.logger.Warn("SMS gateway not configured, reporting delivery failure",
			util.String("to", to))
		return false
	}

	payload, err := json.Marshal(smsRequest{
		To:       to,
		Message:  msg.Text,
		SenderID: d.sms.SenderID,
	})
	if err != nil {
		d.logger.Error("Failed to encode SMS payload", util.ErrorField(err))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.sms.GatewayURL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Error("Failed to build SMS gateway request", util.ErrorField(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", d.sms.APIKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Warn("SMS gateway unreachable",
			util.String("to", to),
			util.ErrorField(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.logger.Warn("SMS gateway reported delivery failure",
			util.String("to", to),
			util.Int("status", resp.StatusCode))
		return false
	}

	d.logger.Info("SMS dispatched", util.String("to", to))
	return true
}

// SendEmail delivers through SMTP over TLS. Email is the fallback of last
// resort, so failure surfaces as an error and kills the issuance.
func (d *GatewayDispatcher) SendEmail(ctx context.Context, to string, msg model.Message) error {
	if d.smtpConfig.Host == "" {
		return fmt.Errorf("smtp transport not configured")
	}

	serverAddr := fmt.Sprintf("%s:%d", d.smtpConfig.Host, d.smtpConfig.Port)

	conn, err := tls.Dial("tcp", serverAddr, &tls.Config{
		ServerName: d.smtpConfig.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("failed to dial smtp server: %w", err)
	}

	smtpClient, err := smtp.NewClient(conn, d.smtpConfig.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create smtp client: %w", err)
	}
	defer smtpClient.Close()

	if d.smtpConfig.Username != "" {
		auth := smtp.PlainAuth("", d.smtpConfig.Username, d.smtpConfig.Password, d.smtpConfig.Host)
		if err := smtpClient.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}

	if err := smtpClient.Mail(d.smtpConfig.From); err != nil {
		return fmt.Errorf("smtp MAIL failed: %w", err)
	}
	if err := smtpClient.Rcpt(to); err != nil {
		return fmt.Errorf("smtp RCPT failed: %w", err)
	}

	writer, err := smtpClient.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	if _, err := writer.Write(buildMIME(d.smtpConfig.From, to, msg)); err != nil {
		return fmt.Errorf("failed to write email body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to finish email body: %w", err)
	}

	if err := smtpClient.Quit(); err != nil {
		return fmt.Errorf("smtp QUIT failed: %w", err)
	}

	d.logger.Info("Email dispatched", util.String("to", to))
	return nil
}

// buildMIME renders a multipart/alternative message with text and HTML parts.
func buildMIME(from, to string, msg model.Message) []byte {
	const boundary = "otp-message-boundary"

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(msg.Text)
	buf.WriteString("\r\n")

	if msg.HTML != "" {
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		buf.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
		buf.WriteString(msg.HTML)
		buf.WriteString("\r\n")
	}

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}
