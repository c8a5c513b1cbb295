package credentials

import (
	"errors"
	"slices"
	"unicode"
)

// ErrInvalidKey is returned for malformed or unknown activation keys.
var ErrInvalidKey = errors.New("invalid activation key")

// DefaultActivationKeys is the built-in allowlist.
var DefaultActivationKeys = []string{
	"DEMO1234567890ABCDEF1234567890AB",
	"TEST1234567890ABCDEF1234567890AB",
}

const activationKeyLen = 32

// ValidateActivationKey checks shape (32 ASCII letters and digits, at least
// one of each) and membership in allowed. An empty allowed list means
// DefaultActivationKeys.
func ValidateActivationKey(key string, allowed []string) error {
	if len(key) != activationKeyLen {
		return ErrInvalidKey
	}
	var letter, digit bool
	for _, r := range key {
		switch {
		case r > unicode.MaxASCII:
			return ErrInvalidKey
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		default:
			return ErrInvalidKey
		}
	}
	if !letter || !digit {
		return ErrInvalidKey
	}
	if len(allowed) == 0 {
		allowed = DefaultActivationKeys
	}
	if !slices.Contains(allowed, key) {
		return ErrInvalidKey
	}
	return nil
}
