// Package domain identity.go contains the chat principal and mail token types.
package domain

import (
	"strconv"
	"strings"
)

// Identity is an integer principal identifier assigned by the chat transport.
// Zero means "unset"; it is the admin value of a freshly initialized table.
type Identity int64

// ParseIdentity parses a decimal identity as typed by the administrator.
func ParseIdentity(s string) (Identity, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, ErrInvalidIdentity
	}
	return Identity(n), nil
}

// String returns the decimal form of the identity.
func (id Identity) String() string { return strconv.FormatInt(int64(id), 10) }

// MinTokenLength is the shortest token text the mail channel treats as a
// credential rather than noise.
const MinTokenLength = 2

// ParseToken trims s and rejects values that cannot be a mail token.
// Tokens are single words: whitespace inside would never survive the trim
// applied to incoming mail bodies.
func ParseToken(s string) (string, error) {
	tok := strings.TrimSpace(s)
	if len(tok) < MinTokenLength || strings.ContainsAny(tok, " \t\r\n") {
		return "", ErrInvalidToken
	}
	return tok, nil
}
