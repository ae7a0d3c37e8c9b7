package util

import (
	"html"
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{40}$`)

// NormalizeAddress lowercases a wallet address. Every comparison and every
// storage key in this service operates on the normalized form.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// IsValidAddress reports whether the normalized address is a well-formed
// 20-byte hex address.
func IsValidAddress(address string) bool {
	return addressPattern.MatchString(NormalizeAddress(address))
}

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}
