package helpers

import (
	"fmt"
	"net/mail"
	"strings"
)

// SplitEmailAddress splits an address into its local part and domain,
// lowercased. The address must contain exactly one @.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid email address: %q", email)
	}
	return parts[0], parts[1], nil
}

// ExtractAddress returns the bare address from a header value like
// "Alice Smith <alice@example.com>". When the value cannot be parsed it is
// returned unchanged so rule matching still sees the raw text.
func ExtractAddress(value string) string {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return addr.Address
}
