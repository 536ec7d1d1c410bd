package security

import (
	"testing"
	"time"
)

func TestIsTokenExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"zero expiry never expires", time.Time{}, false},
		{"future expiry", time.Now().Add(time.Hour), false},
		{"long past expiry", time.Now().Add(-time.Hour), true},
		{"just expired within grace period", time.Now().Add(-time.Second), false},
		{"expired past grace period", time.Now().Add(-DefaultClockSkewGracePeriod - time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsTokenExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTokenExpiringSoon(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		threshold time.Duration
		want      bool
	}{
		{"zero expiry", time.Time{}, DefaultRefreshMargin, false},
		{"well beyond margin", time.Now().Add(time.Hour), DefaultRefreshMargin, false},
		{"inside margin", time.Now().Add(time.Minute), DefaultRefreshMargin, true},
		{"already expired", time.Now().Add(-time.Minute), DefaultRefreshMargin, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTokenExpiringSoon(tt.expiresAt, tt.threshold); got != tt.want {
				t.Errorf("IsTokenExpiringSoon = %v, want %v", got, tt.want)
			}
		})
	}
}
