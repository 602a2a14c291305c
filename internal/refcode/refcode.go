// Package refcode generates referral codes.
package refcode

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const (
	Alphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	DefaultLength = 8
)

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generate returns a code of the given length drawn uniformly from Alphabet.
// Uniqueness is the caller's concern.
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("refcode: length must be positive")
	}
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b[i] = Alphabet[n.Int64()]
	}
	return string(b), nil
}

// New returns a default-length code.
func New() (string, error) {
	return Generate(DefaultLength)
}

// Valid reports whether s looks like a code produced by this package.
func Valid(s string) bool {
	if len(s) == 0 || len(s) > 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
