// Package crypto hashes caller identifiers (API keys in particular) so they
// can be used as quota keys and log fields without exposing the secret.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashIdentifier returns the hex SHA-256 of id.
func HashIdentifier(id string) string {
	hash := sha256.Sum256([]byte(id))
	return hex.EncodeToString(hash[:])
}

// ShortHash is the first 12 hex characters of HashIdentifier, enough to tell
// keys apart in logs and quota keys.
func ShortHash(id string) string {
	return HashIdentifier(id)[:12]
}
