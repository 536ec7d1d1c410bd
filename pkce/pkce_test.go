package pkce

import (
	"strings"
	"testing"
)

// Test vector from RFC 7636 appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestTransformS256Vector(t *testing.T) {
	challenge, err := Transform(rfcVerifier, MethodS256)
	if err != nil {
		t.Fatalf("Transform failed: %v", err)
	}
	if challenge != rfcChallenge {
		t.Errorf("Transform = %q, want %q", challenge, rfcChallenge)
	}
}

func TestGeneratePairRoundTrip(t *testing.T) {
	for _, method := range []string{MethodS256, MethodPlain} {
		t.Run(method, func(t *testing.T) {
			verifier, challenge, err := GeneratePair(method)
			if err != nil {
				t.Fatalf("GeneratePair failed: %v", err)
			}
			if len(verifier) != MaxVerifierLength {
				t.Errorf("verifier length = %d, want %d", len(verifier), MaxVerifierLength)
			}
			if !Validate(verifier, challenge, method) {
				t.Error("generated pair does not validate")
			}
		})
	}
}

func TestGeneratedVerifierAlphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		verifier, err := GenerateVerifier()
		if err != nil {
			t.Fatalf("GenerateVerifier failed: %v", err)
		}
		if strings.ContainsRune(verifier, '~') {
			t.Fatalf("verifier contains '~': %q", verifier)
		}
		if err := ValidateVerifierFormat(verifier); err != nil {
			t.Fatalf("generated verifier fails format validation: %v", err)
		}
	}
}

func TestValidateSingleCharacterMutation(t *testing.T) {
	verifier, challenge, err := GeneratePair(MethodS256)
	if err != nil {
		t.Fatalf("GeneratePair failed: %v", err)
	}

	for i := 0; i < len(verifier); i++ {
		mutated := []byte(verifier)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		if Validate(string(mutated), challenge, MethodS256) {
			t.Fatalf("mutation at position %d still validates", i)
		}
	}
}

func TestValidateMalformedInput(t *testing.T) {
	tests := []struct {
		name      string
		verifier  string
		challenge string
		method    string
	}{
		{"empty verifier", "", rfcChallenge, MethodS256},
		{"empty challenge", rfcVerifier, "", MethodS256},
		{"too short", strings.Repeat("a", MinVerifierLength-1), rfcChallenge, MethodS256},
		{"too long", strings.Repeat("a", MaxVerifierLength+1), rfcChallenge, MethodS256},
		{"tilde not allowed", strings.Repeat("a", 42) + "~", rfcChallenge, MethodS256},
		{"space not allowed", strings.Repeat("a", 42) + " ", rfcChallenge, MethodS256},
		{"unknown method", rfcVerifier, rfcChallenge, "S512"},
		{"wrong method", rfcVerifier, rfcChallenge, MethodPlain},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if Validate(tt.verifier, tt.challenge, tt.method) {
				t.Error("Validate = true, want false")
			}
		})
	}
}

func TestValidatePlain(t *testing.T) {
	verifier := strings.Repeat("x", MinVerifierLength)
	if !Validate(verifier, verifier, MethodPlain) {
		t.Error("plain method with matching verifier should validate")
	}
	if Validate(verifier, verifier+"y", MethodPlain) {
		t.Error("plain method with mismatched challenge should not validate")
	}
}

func TestValidateVerifierFormatBounds(t *testing.T) {
	if err := ValidateVerifierFormat(strings.Repeat("a", MinVerifierLength)); err != nil {
		t.Errorf("minimum length verifier rejected: %v", err)
	}
	if err := ValidateVerifierFormat(strings.Repeat("a", MaxVerifierLength)); err != nil {
		t.Errorf("maximum length verifier rejected: %v", err)
	}
	if err := ValidateVerifierFormat(strings.Repeat("a", MinVerifierLength-1)); err == nil {
		t.Error("below-minimum verifier accepted")
	}
}
