// Package domain token.go contains mail token generation.
package domain

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// tokenEntropy is the number of random bytes mixed into a generated token.
const tokenEntropy = 64

// GenerateToken returns a fresh mail token prefixed with name so the
// administrator can tell tokens apart. The token is not registered anywhere;
// the caller decides whether to add it to the access table.
func GenerateToken(name string) (string, error) {
	buf := make([]byte, 0, len(name)+tokenEntropy)
	buf = append(buf, name...)
	random := make([]byte, tokenEntropy)
	if _, err := rand.Read(random); err != nil {
		return "", err
	}
	buf = append(buf, random...)
	sum := blake3.Sum256(buf)
	// 20 bytes keeps tokens short enough to type into a mail body.
	return name + hex.EncodeToString(sum[:20]), nil
}
