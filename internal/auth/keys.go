// Package auth guards the MCP HTTP endpoint with static API keys.
// Keys are configured through the environment and only their SHA-256
// hashes are kept in memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

const (
	// APIKeyPrefix marks device-sync API keys so they are recognizable
	// in config files and logs.
	APIKeyPrefix = "ds_"

	// apiKeyRandomBytes is the entropy of a generated key.
	apiKeyRandomBytes = 32

	// APIKeyMinLen is the shortest key accepted from configuration.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// APIKey is the identity a key authenticates as.
type APIKey struct {
	UserID string
}

// Keys holds the configured API keys by hash.
type Keys struct {
	mu     sync.RWMutex
	byHash map[string]APIKey
}

// NewKeys creates an empty key set.
func NewKeys() *Keys {
	return &Keys{byHash: make(map[string]APIKey)}
}

// Add registers key for userID.
func (k *Keys) Add(userID, key string) error {
	if err := ValidateKeyFormat(key); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	k.byHash[HashKey(key)] = APIKey{UserID: userID}

	return nil
}

// Len returns the number of configured keys.
func (k *Keys) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.byHash)
}

// Validate returns the identity for key, or nil when the key is unknown.
func (k *Keys) Validate(key string) *APIKey {
	h := HashKey(key)

	k.mu.RLock()
	defer k.mu.RUnlock()

	for stored, ak := range k.byHash {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			return &ak
		}
	}

	return nil
}

// HashKey returns the SHA-256 hex digest of key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ValidateKeyFormat checks the prefix, length and hex body of key.
func ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("API key too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("API key contains non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// GenerateAPIKey returns a new random key.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyRandomBytes)
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
