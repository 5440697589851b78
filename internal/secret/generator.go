package secret

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Generator produces fixed-length numeric codes from the OS entropy source.
// A general PRNG is not acceptable here; predictable codes defeat the whole
// scheme.
type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns a string of length decimal digits. The only error path is
// the randomness source itself failing, which callers treat as fatal.
func (g *Generator) Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("invalid code length: %d", length)
	}

	digits := make([]byte, length)
	max := big.NewInt(10)
	for i := range digits {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to source randomness: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}

	return string(digits), nil
}
