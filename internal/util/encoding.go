package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeEmail folds an email address into the form used for lookups:
// NFKC, surrounding space trimmed, lower case.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFKC.String(s)))
}
