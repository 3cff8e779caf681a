// Package util provides input validation utilities.
package util

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Validation errors
var (
	ErrEmptyField   = fmt.Errorf("field cannot be empty")
	ErrInvalidEmail = fmt.Errorf("invalid email address")
)

var emailRegex = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)

// ValidateEmail checks if a string is a syntactically valid email address.
func ValidateEmail(email string) error {
	if email == "" {
		return ErrEmptyField
	}
	if !emailRegex.MatchString(email) {
		return ErrInvalidEmail
	}
	return nil
}

// NormalizeEmails trims, lower-cases and de-duplicates addresses and returns
// them sorted. Invalid addresses are returned separately.
func NormalizeEmails(emails []string) (valid, invalid []string) {
	seen := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if ValidateEmail(e) != nil {
			invalid = append(invalid, e)
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		valid = append(valid, e)
	}
	sort.Strings(valid)
	return valid, invalid
}

// SanitizeString removes leading/trailing whitespace and normalizes internal whitespace.
func SanitizeString(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// TruncateString truncates a string to max length, adding ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
