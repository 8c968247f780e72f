package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// MaxCodeLength bounds generated codes; anything longer stops being a
// human-typable passcode.
const MaxCodeLength = 10

var ErrInvalidLength = errors.New("invalid code length")

// Generate returns a zero-padded decimal code of exactly length digits,
// chosen uniformly at random over [0, 10^length) from a cryptographically
// strong source.
func Generate(length int) (string, error) {
	if length < 1 || length > MaxCodeLength {
		return "", fmt.Errorf("%w: %d", ErrInvalidLength, length)
	}

	bound := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", fmt.Errorf("failed to read random source: %w", err)
	}

	return fmt.Sprintf("%0*d", length, n), nil
}
