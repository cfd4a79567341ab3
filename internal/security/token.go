package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/avaropoint/agstream/internal/store"
)

// APIKeyPrefix starts every generated key so leaked keys are easy to grep for.
const APIKeyPrefix = "agsk_"

// displayLen is how much of a key is stored in the clear for identification.
const displayLen = 12

// GenerateAPIKey creates a new API key with the format agsk_<random>.
// The plaintext key is returned once and never stored.
func GenerateAPIKey(name string) (*store.APIKey, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, "", fmt.Errorf("api key name is required")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	key := APIKeyPrefix + hex.EncodeToString(raw)

	return &store.APIKey{
		ID:        uuid.NewString(),
		Name:      name,
		KeyHash:   HashAPIKey(key),
		Prefix:    key[:displayLen],
		CreatedAt: time.Now(),
	}, key, nil
}

// HashAPIKey returns the SHA-256 hash of an API key for DB lookup.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
