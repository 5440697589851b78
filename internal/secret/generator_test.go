package secret_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/secret"
)

func TestGenerate(t *testing.T) {
	gen := secret.NewGenerator()

	t.Run("produces requested length", func(t *testing.T) {
		for _, length := range []int{4, 6, 8} {
			code, err := gen.Generate(length)
			require.NoError(t, err)
			assert.Len(t, code, length)
		}
	})

	t.Run("digits only", func(t *testing.T) {
		code, err := gen.Generate(6)
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, code)
	})

	t.Run("preserves leading zeros", func(t *testing.T) {
		// A code like "012345" must stay six characters.
		for i := 0; i < 200; i++ {
			code, err := gen.Generate(6)
			require.NoError(t, err)
			require.Len(t, code, 6)
		}
	})

	t.Run("produces different values", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			code, err := gen.Generate(6)
			require.NoError(t, err)
			seen[code] = true
		}
		assert.Greater(t, len(seen), 90, "expected at least 90 unique codes from 100 draws")
	})

	t.Run("rejects non-positive length", func(t *testing.T) {
		_, err := gen.Generate(0)
		assert.Error(t, err)
	})
}
