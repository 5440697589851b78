package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeEmail(t *testing.T) {
	t.Run("lowercases and trims", func(t *testing.T) {
		email, err := NormalizeEmail("  Asha.Rao@Example.COM ")
		require.NoError(t, err)
		assert.Equal(t, "asha.rao@example.com", email)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := NormalizeEmail("   ")
		assert.Error(t, err)
	})

	t.Run("rejects malformed", func(t *testing.T) {
		for _, raw := range []string{"no-at-sign", "two@@example.com", "missing@tld", "spaces in@example.com"} {
			_, err := NormalizeEmail(raw)
			assert.Error(t, err, raw)
		}
	})
}

func TestNormalizePhone(t *testing.T) {
	t.Run("keeps international numbers", func(t *testing.T) {
		phone, err := NormalizePhone("+14155552671", "+91")
		require.NoError(t, err)
		assert.Equal(t, "+14155552671", phone)
	})

	t.Run("strips formatting characters", func(t *testing.T) {
		phone, err := NormalizePhone("+1 (415) 555-2671", "+91")
		require.NoError(t, err)
		assert.Equal(t, "+14155552671", phone)
	})

	t.Run("applies default country code to bare numbers", func(t *testing.T) {
		phone, err := NormalizePhone("9876543210", "+91")
		require.NoError(t, err)
		assert.Equal(t, "+919876543210", phone)
	})

	t.Run("rejects letters", func(t *testing.T) {
		_, err := NormalizePhone("+1415CALLNOW", "+91")
		assert.Error(t, err)
	})

	t.Run("rejects out of range lengths", func(t *testing.T) {
		_, err := NormalizePhone("12345", "+91")
		assert.Error(t, err)

		_, err = NormalizePhone("+1234567890123456", "+91")
		assert.Error(t, err)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := NormalizePhone(" - ", "+91")
		assert.Error(t, err)
	})
}
