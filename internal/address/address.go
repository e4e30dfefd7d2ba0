// Package address handles parsing, validation and comparison of ledger
// account addresses (0x-prefixed, 20-byte hex).
package address

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/stream-market/internal/model"
)

// addressRegex matches: 0x{40 hex chars}
// Example: 0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed
var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Parse validates an address and returns its canonical lowercase form.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !addressRegex.MatchString(s) {
		return "", fmt.Errorf("%w: invalid address %q (expected 0x followed by 40 hex chars)",
			model.ErrValidation, s)
	}
	return strings.ToLower(s), nil
}

// Equal compares two addresses case-insensitively. Empty never matches.
func Equal(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Short renders an address as 0x1234…abcd for logs and tables.
func Short(s string) string {
	if len(s) < 12 {
		return s
	}
	return s[:6] + "…" + s[len(s)-4:]
}
