package util

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	digitsOnly   = regexp.MustCompile(`^[0-9]+$`)
)

// NormalizeEmail lowercases and trims an email address and validates its shape.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", fmt.Errorf("email is required")
	}
	if !emailPattern.MatchString(email) {
		return "", fmt.Errorf("malformed email: %s", email)
	}
	return email, nil
}

// NormalizePhone strips formatting characters and returns an E.164-ish number.
// Bare national numbers get the configured default country prefix.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	phone := strings.TrimSpace(raw)
	for _, ch := range []string{" ", "-", "(", ")", "."} {
		phone = strings.ReplaceAll(phone, ch, "")
	}
	if phone == "" {
		return "", fmt.Errorf("phone number is required")
	}

	hasPlus := strings.HasPrefix(phone, "+")
	digits := phone
	if hasPlus {
		digits = phone[1:]
	}
	if !digitsOnly.MatchString(digits) {
		return "", fmt.Errorf("malformed phone number: %s", raw)
	}
	if len(digits) < 7 || len(digits) > 15 {
		return "", fmt.Errorf("phone number length out of range: %s", raw)
	}

	if !hasPlus {
		phone = defaultCountryCode + phone
	}
	return phone, nil
}
