package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"otp-service/internal/audit"
	"otp-service/internal/config"
	"otp-service/internal/model"
)

// -------------------- fakes --------------------

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.OtpRecord

	// contested makes MarkConsumed report that another verifier already won
	// the conditional write.
	contested bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*model.OtpRecord)}
}

func storeKey(identifier string, purpose model.Purpose, channel model.Channel) string {
	return identifier + "|" + string(purpose) + "|" + string(channel)
}

func (s *fakeStore) Upsert(ctx context.Context, record *model.OtpRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records[storeKey(record.Identifier, record.Purpose, record.Channel)] = &clone
	return nil
}

func (s *fakeStore) FindLive(ctx context.Context, identifier string, purpose model.Purpose, channel model.Channel) (*model.OtpRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[storeKey(identifier, purpose, channel)]
	if !ok || record.Consumed {
		return nil, model.ErrRecordNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *fakeStore) MarkConsumed(ctx context.Context, key model.RecordKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[storeKey(key.Identifier, key.Purpose, key.Channel)]
	if !ok {
		return false, model.ErrRecordNotFound
	}
	if record.Consumed {
		return false, nil
	}
	if s.contested {
		return false, nil
	}
	record.Consumed = true
	return true, nil
}

func (s *fakeStore) IncrementAttempts(ctx context.Context, key model.RecordKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[storeKey(key.Identifier, key.Purpose, key.Channel)]
	if !ok || record.Consumed {
		return 0, model.ErrRecordNotFound
	}
	record.Attempts++
	return record.Attempts, nil
}

func (s *fakeStore) RevokeAll(ctx context.Context, userID string, purpose model.Purpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range s.records {
		if record.UserID == userID && record.Purpose == purpose {
			record.Consumed = true
		}
	}
	return nil
}

type fakeGenerator struct {
	codes []string
	next  int
}

func (g *fakeGenerator) Generate(length int) (string, error) {
	if g.next >= len(g.codes) {
		return "", fmt.Errorf("generator exhausted")
	}
	code := g.codes[g.next]
	g.next++
	return code, nil
}

type fakeHasher struct{}

func (fakeHasher) Hash(code string) (string, error) {
	return "hashed:" + code, nil
}

func (fakeHasher) Compare(code, encoded string) (bool, error) {
	return encoded == "hashed:"+code, nil
}

type fakeDispatcher struct {
	smsOK    bool
	emailErr error

	smsSent   []string
	emailSent []string
	lastMsg   model.Message
}

func (d *fakeDispatcher) SendSms(ctx context.Context, to string, msg model.Message) bool {
	d.smsSent = append(d.smsSent, to)
	d.lastMsg = msg
	return d.smsOK
}

func (d *fakeDispatcher) SendEmail(ctx context.Context, to string, msg model.Message) error {
	d.emailSent = append(d.emailSent, to)
	d.lastMsg = msg
	return d.emailErr
}

type fakeCounter struct {
	mu        sync.Mutex
	counts    map[string]int
	cooldowns map[string]bool
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int), cooldowns: make(map[string]bool)}
}

func (c *fakeCounter) Increment(kind, key string, ttl time.Duration) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[kind+":"+key]++
	return c.counts[kind+":"+key], nil
}

func (c *fakeCounter) Count(kind, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind+":"+key], nil
}

func (c *fakeCounter) Reset(kind, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, kind+":"+key)
	delete(c.cooldowns, kind+":"+key)
	return nil
}

func (c *fakeCounter) AcquireCooldown(kind, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cooldowns[kind+":"+key] {
		return false, nil
	}
	c.cooldowns[kind+":"+key] = true
	return true, nil
}

func (c *fakeCounter) clearCooldowns() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldowns = make(map[string]bool)
}

// -------------------- harness --------------------

type harness struct {
	svc        *OtpService
	store      *fakeStore
	generator  *fakeGenerator
	dispatcher *fakeDispatcher
	counter    *fakeCounter
}

func newHarness(codes ...string) *harness {
	if len(codes) == 0 {
		codes = []string{"482913", "573024", "664135"}
	}
	h := &harness{
		store:      newFakeStore(),
		generator:  &fakeGenerator{codes: codes},
		dispatcher: &fakeDispatcher{smsOK: true},
		counter:    newFakeCounter(),
	}
	recorder := audit.NewRecorder(nil, nil, "otp-events", zap.NewNop())
	cfg := config.OTPConfig{
		CodeLength:     6,
		ExpiryWindow:   10 * time.Minute,
		MaxAttempts:    5,
		ResendCooldown: time.Minute,
	}
	h.svc = NewOtpService(h.store, h.generator, fakeHasher{}, h.dispatcher, h.counter, recorder, cfg, zap.NewNop())
	return h
}

func smsIssueRequest() IssueRequest {
	return IssueRequest{
		UserID:     "user-1",
		UserRole:   model.RoleStudent,
		Identifier: "+919876543210",
		Purpose:    model.PurposeLogin,
		Channel:    model.ChannelSMS,
		Subject:    "Your login code",
		Template: func(code string) string {
			return "Your login code is " + code
		},
	}
}

// -------------------- issuance --------------------

func TestIssue(t *testing.T) {
	ctx := context.Background()

	t.Run("stores hash and dispatches over sms", func(t *testing.T) {
		h := newHarness()

		result, err := h.svc.Issue(ctx, smsIssueRequest())
		require.NoError(t, err)
		assert.Equal(t, model.ChannelSMS, result.DeliveryChannel)
		assert.WithinDuration(t, time.Now().Add(10*time.Minute), result.ExpiresAt, 5*time.Second)

		record, err := h.store.FindLive(ctx, "+919876543210", model.PurposeLogin, model.ChannelSMS)
		require.NoError(t, err)
		assert.Equal(t, "hashed:482913", record.CodeHash)
		assert.Equal(t, 0, record.Attempts)
		assert.False(t, record.Consumed)

		require.Len(t, h.dispatcher.smsSent, 1)
		assert.Contains(t, h.dispatcher.lastMsg.Text, "482913")
	})

	t.Run("replaces the previous record for the same key", func(t *testing.T) {
		h := newHarness()
		req := smsIssueRequest()

		_, err := h.svc.Issue(ctx, req)
		require.NoError(t, err)

		h.counter.clearCooldowns()
		_, err = h.svc.Issue(ctx, req)
		require.NoError(t, err)

		// The first code is dead, only the second verifies.
		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.False(t, result.Valid)

		result, err = h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "573024")
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("throttles reissue inside the cooldown", func(t *testing.T) {
		h := newHarness()
		req := smsIssueRequest()

		_, err := h.svc.Issue(ctx, req)
		require.NoError(t, err)

		_, err = h.svc.Issue(ctx, req)
		assert.ErrorIs(t, err, ErrTooManyRequests)
	})

	t.Run("falls back to email when sms delivery fails", func(t *testing.T) {
		h := newHarness()
		h.dispatcher.smsOK = false

		req := smsIssueRequest()
		req.FallbackEmail = "asha@example.com"

		result, err := h.svc.Issue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.ChannelEmail, result.DeliveryChannel)
		assert.Equal(t, []string{"asha@example.com"}, h.dispatcher.emailSent)

		// The record stays under its original channel key.
		_, err = h.store.FindLive(ctx, req.Identifier, req.Purpose, model.ChannelSMS)
		assert.NoError(t, err)
	})

	t.Run("swallows an sms failure when no fallback address is known", func(t *testing.T) {
		h := newHarness()
		h.dispatcher.smsOK = false

		result, err := h.svc.Issue(ctx, smsIssueRequest())
		require.NoError(t, err)
		assert.Equal(t, model.ChannelSMS, result.DeliveryChannel)

		// The record is live regardless of delivery; the code still
		// verifies if it reaches the user some other way.
		verified, err := h.svc.Verify(ctx, "+919876543210", model.PurposeLogin, model.ChannelSMS, "482913")
		require.NoError(t, err)
		assert.True(t, verified.Valid)
	})

	t.Run("fails when email delivery fails", func(t *testing.T) {
		h := newHarness()
		h.dispatcher.emailErr = errors.New("smtp down")

		req := smsIssueRequest()
		req.Identifier = "asha@example.com"
		req.Channel = model.ChannelEmail

		_, err := h.svc.Issue(ctx, req)
		assert.ErrorIs(t, err, ErrDeliveryFailed)
	})

	t.Run("a failed issuance does not burn the cooldown", func(t *testing.T) {
		h := newHarness()
		h.dispatcher.emailErr = errors.New("smtp down")

		req := smsIssueRequest()
		req.Identifier = "asha@example.com"
		req.Channel = model.ChannelEmail

		_, err := h.svc.Issue(ctx, req)
		require.ErrorIs(t, err, ErrDeliveryFailed)

		// The transport recovers; an immediate retry goes through.
		h.dispatcher.emailErr = nil
		result, err := h.svc.Issue(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, model.ChannelEmail, result.DeliveryChannel)
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		h := newHarness()

		for name, mutate := range map[string]func(*IssueRequest){
			"missing user":     func(r *IssueRequest) { r.UserID = "" },
			"bad role":         func(r *IssueRequest) { r.UserRole = "admin" },
			"missing address":  func(r *IssueRequest) { r.Identifier = "" },
			"bad purpose":      func(r *IssueRequest) { r.Purpose = "newsletter" },
			"bad channel":      func(r *IssueRequest) { r.Channel = "pigeon" },
			"missing template": func(r *IssueRequest) { r.Template = nil },
		} {
			t.Run(name, func(t *testing.T) {
				req := smsIssueRequest()
				mutate(&req)
				_, err := h.svc.Issue(ctx, req)
				assert.ErrorIs(t, err, ErrInvalidInput)
			})
		}
	})
}

func TestIssueBoth(t *testing.T) {
	ctx := context.Background()

	t.Run("sends the same code over both channels", func(t *testing.T) {
		h := newHarness()

		result, err := h.svc.IssueBoth(ctx, smsIssueRequest(), "asha@example.com")
		require.NoError(t, err)
		assert.Equal(t, model.ChannelSMS, result.DeliveryChannel)

		smsRecord, err := h.store.FindLive(ctx, "+919876543210", model.PurposeLogin, model.ChannelSMS)
		require.NoError(t, err)
		emailRecord, err := h.store.FindLive(ctx, "asha@example.com", model.PurposeLogin, model.ChannelEmail)
		require.NoError(t, err)
		assert.Equal(t, smsRecord.CodeHash, emailRecord.CodeHash)

		// Either channel verifies the shared code.
		verified, err := h.svc.Verify(ctx, "asha@example.com", model.PurposeLogin, model.ChannelEmail, "482913")
		require.NoError(t, err)
		assert.True(t, verified.Valid)
	})

	t.Run("requires an email address", func(t *testing.T) {
		h := newHarness()
		_, err := h.svc.IssueBoth(ctx, smsIssueRequest(), "")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

// -------------------- verification --------------------

func TestVerify(t *testing.T) {
	ctx := context.Background()

	issue := func(t *testing.T, h *harness) IssueRequest {
		t.Helper()
		req := smsIssueRequest()
		_, err := h.svc.Issue(ctx, req)
		require.NoError(t, err)
		return req
	}

	t.Run("accepts the right code and reports the identity", func(t *testing.T) {
		h := newHarness()
		req := issue(t, h)

		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.True(t, result.Valid)
		assert.Equal(t, "user-1", result.UserID)
		assert.Equal(t, model.RoleStudent, result.UserRole)
		assert.Equal(t, req.Identifier, result.Identifier)
		assert.Equal(t, req.Purpose, result.Purpose)
		assert.Equal(t, req.Channel, result.Channel)
	})

	t.Run("a code verifies exactly once", func(t *testing.T) {
		h := newHarness()
		req := issue(t, h)

		first, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		require.True(t, first.Valid)

		second, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.False(t, second.Valid)
		assert.Equal(t, model.ReasonNotFound, second.Reason)
	})

	t.Run("reports not_found when nothing was issued", func(t *testing.T) {
		h := newHarness()

		result, err := h.svc.Verify(ctx, "+919876543210", model.PurposeLogin, model.ChannelSMS, "000000")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, model.ReasonNotFound, result.Reason)
	})

	t.Run("a correct code that loses the consume race reads as not_found", func(t *testing.T) {
		h := newHarness()
		req := issue(t, h)

		// A concurrent verifier wins the conditional consume between this
		// call's read and its write.
		h.store.mu.Lock()
		h.store.contested = true
		h.store.mu.Unlock()

		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, model.ReasonNotFound, result.Reason)
	})

	t.Run("wrong code counts an attempt", func(t *testing.T) {
		h := newHarness()
		req := issue(t, h)

		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482914")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, model.ReasonInvalid, result.Reason)

		record, err := h.store.FindLive(ctx, req.Identifier, req.Purpose, req.Channel)
		require.NoError(t, err)
		assert.Equal(t, 1, record.Attempts)

		// The record survives a wrong guess; the right code still works.
		retry, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.True(t, retry.Valid)
	})

	t.Run("rejects the right code once the attempt cap is reached", func(t *testing.T) {
		h := newHarness()
		req := issue(t, h)

		for i := 0; i < 5; i++ {
			result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "000000")
			require.NoError(t, err)
			require.Equal(t, model.ReasonInvalid, result.Reason)
		}

		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, model.ReasonTooManyAttempts, result.Reason)

		// The record is dead afterwards.
		followUp, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.Equal(t, model.ReasonNotFound, followUp.Reason)
	})

	t.Run("kills an expired record on first contact", func(t *testing.T) {
		h := newHarness()
		req := issue(t, h)

		h.store.mu.Lock()
		h.store.records[storeKey(req.Identifier, req.Purpose, req.Channel)].ExpiresAt = time.Now().Add(-time.Minute)
		h.store.mu.Unlock()

		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.False(t, result.Valid)
		assert.Equal(t, model.ReasonExpired, result.Reason)

		followUp, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.Equal(t, model.ReasonNotFound, followUp.Reason)
	})

	t.Run("expiry wins over the attempt cap", func(t *testing.T) {
		h := newHarness()
		req := issue(t, h)

		h.store.mu.Lock()
		record := h.store.records[storeKey(req.Identifier, req.Purpose, req.Channel)]
		record.ExpiresAt = time.Now().Add(-time.Minute)
		record.Attempts = 5
		h.store.mu.Unlock()

		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.Equal(t, model.ReasonExpired, result.Reason)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		h := newHarness()

		_, err := h.svc.Verify(ctx, "", model.PurposeLogin, model.ChannelSMS, "482913")
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = h.svc.Verify(ctx, "+919876543210", "newsletter", model.ChannelSMS, "482913")
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = h.svc.Verify(ctx, "+919876543210", model.PurposeLogin, model.ChannelSMS, "")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

// -------------------- revocation --------------------

func TestRevokeAll(t *testing.T) {
	ctx := context.Background()

	t.Run("kills every live code for the user and purpose", func(t *testing.T) {
		h := newHarness()

		_, err := h.svc.IssueBoth(ctx, smsIssueRequest(), "asha@example.com")
		require.NoError(t, err)

		require.NoError(t, h.svc.RevokeAll(ctx, "user-1", model.PurposeLogin))

		result, err := h.svc.Verify(ctx, "+919876543210", model.PurposeLogin, model.ChannelSMS, "482913")
		require.NoError(t, err)
		assert.Equal(t, model.ReasonNotFound, result.Reason)

		result, err = h.svc.Verify(ctx, "asha@example.com", model.PurposeLogin, model.ChannelEmail, "482913")
		require.NoError(t, err)
		assert.Equal(t, model.ReasonNotFound, result.Reason)
	})

	t.Run("leaves other purposes alone", func(t *testing.T) {
		h := newHarness()
		req := smsIssueRequest()
		req.Purpose = model.PurposePasswordReset

		_, err := h.svc.Issue(ctx, req)
		require.NoError(t, err)

		require.NoError(t, h.svc.RevokeAll(ctx, "user-1", model.PurposeLogin))

		result, err := h.svc.Verify(ctx, req.Identifier, req.Purpose, req.Channel, "482913")
		require.NoError(t, err)
		assert.True(t, result.Valid)
	})

	t.Run("rejects invalid input", func(t *testing.T) {
		h := newHarness()
		assert.ErrorIs(t, h.svc.RevokeAll(ctx, "", model.PurposeLogin), ErrInvalidInput)
		assert.ErrorIs(t, h.svc.RevokeAll(ctx, "user-1", "newsletter"), ErrInvalidInput)
	})
}

// -------------------- message rendering --------------------

func TestRenderMessage(t *testing.T) {
	req := smsIssueRequest()

	msg := renderMessage(req, "482913")
	assert.Equal(t, "Your login code", msg.Subject)
	assert.Equal(t, "Your login code is 482913", msg.Text)
	assert.Contains(t, msg.HTML, "482913")
	assert.Equal(t, "13", msg.CodeHint)
}
