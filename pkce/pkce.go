// Package pkce implements Proof Key for Code Exchange (RFC 7636) with the
// stricter verifier alphabet Airtable enforces.
//
// Airtable rejects the '~' character that RFC 7636 permits in code
// verifiers, so both generation and validation use the reduced alphabet
// [A-Za-z0-9.-_]. A verifier this package generates is always accepted by
// Validate; a verifier Validate would reject is never generated.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// Challenge methods per RFC 7636 section 4.2.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier length bounds per RFC 7636 section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// alphabet is the set of characters allowed in a code verifier. Airtable
// does not allow '~' (stricter than RFC 7636).
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789.-_"

// GenerateVerifier returns a random code verifier of the maximum allowed
// length, drawn from the Airtable-compatible alphabet.
func GenerateVerifier() (string, error) {
	buf := make([]byte, MaxVerifierLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}

// GeneratePair returns a fresh (verifier, challenge) pair for the given
// challenge method.
func GeneratePair(method string) (verifier, challenge string, err error) {
	verifier, err = GenerateVerifier()
	if err != nil {
		return "", "", err
	}
	challenge, err = Transform(verifier, method)
	if err != nil {
		return "", "", err
	}
	return verifier, challenge, nil
}

// Transform computes the code challenge for a verifier using the given
// method. S256 is base64url (no padding) of the SHA-256 digest; plain is
// the identity transform.
func Transform(verifier, method string) (string, error) {
	if err := ValidateVerifierFormat(verifier); err != nil {
		return "", err
	}
	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method: %s", method)
	}
}

// ValidateVerifierFormat checks verifier length and alphabet. The same
// rules apply at generation and validation time.
func ValidateVerifierFormat(verifier string) error {
	if len(verifier) < MinVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (got %d)", MinVerifierLength, len(verifier))
	}
	if len(verifier) > MaxVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (got %d)", MaxVerifierLength, len(verifier))
	}
	for _, ch := range verifier {
		if (ch < 'A' || ch > 'Z') && (ch < 'a' || ch > 'z') && (ch < '0' || ch > '9') &&
			ch != '-' && ch != '.' && ch != '_' {
			return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9.-_])")
		}
	}
	return nil
}

// Validate reports whether verifier matches the stored challenge under
// method. The comparison is constant time. Malformed input yields false,
// never a panic.
func Validate(verifier, challenge, method string) bool {
	if challenge == "" {
		return false
	}
	computed, err := Transform(verifier, method)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
