// Package domain document.go contains the content-addressed document naming scheme.
package domain

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// FingerprintLen is the length of a hex encoded BLAKE3-256 digest.
const FingerprintLen = 64

// MailDiscriminator is the fixed suffix for documents that arrive by mail
// or are fetched on behalf of the administrator.
const MailDiscriminator = "pdf"

// DocumentName is the canonical identity of a stored document:
// "{fingerprint}.{discriminator}". The discriminator is either a decimal
// requester Identity or MailDiscriminator.
type DocumentName string

// Fingerprint returns the lowercase hex BLAKE3-256 digest of data.
func Fingerprint(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// NewDocumentName derives the name for data stored under discriminator.
// Identical bytes under the same discriminator always yield the same name.
func NewDocumentName(data []byte, discriminator string) DocumentName {
	return DocumentName(Fingerprint(data) + "." + discriminator)
}

// DiscriminatorFor returns the discriminator used for documents submitted by id.
func DiscriminatorFor(id Identity) string { return id.String() }

// ParseDocumentName validates s and returns it as a DocumentName. It enforces:
// - a 64 character lowercase hex fingerprint
// - a single '.' separator
// - a discriminator that is MailDiscriminator or a decimal identity
// Returns ErrInvalidDocumentName on failure. Valid names never contain a
// path separator, so they are safe to join onto a storage root.
func ParseDocumentName(s string) (DocumentName, error) {
	if !isValidDocumentName(s) {
		return "", ErrInvalidDocumentName
	}
	return DocumentName(s), nil
}

// String returns the string form of the DocumentName.
func (n DocumentName) String() string { return string(n) }

// Valid reports whether the name satisfies the same rules as ParseDocumentName.
func (n DocumentName) Valid() bool { return isValidDocumentName(string(n)) }

// Fingerprint returns the digest half of the name.
func (n DocumentName) Fingerprint() string {
	fp, _, _ := strings.Cut(string(n), ".")
	return fp
}

// Discriminator returns the suffix half of the name.
func (n DocumentName) Discriminator() string {
	_, disc, _ := strings.Cut(string(n), ".")
	return disc
}

func isValidDocumentName(s string) bool {
	fp, disc, ok := strings.Cut(s, ".")
	if !ok || len(fp) != FingerprintLen {
		return false
	}
	for i := 0; i < len(fp); i++ {
		c := fp[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	if disc == MailDiscriminator {
		return true
	}
	if disc == "" || strings.HasPrefix(disc, "+") {
		return false
	}
	_, err := strconv.ParseInt(disc, 10, 64)
	return err == nil
}
