// Package util provides small shared helpers that don't belong to a
// domain-specific package.
package util

import "strings"

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging identifiers like tokens or codes, where only a prefix
// should ever appear in logs.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL normalizes a URL for comparison by removing trailing
// slashes, so "https://example.com" and "https://example.com/" compare
// equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
