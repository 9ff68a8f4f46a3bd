package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	apiKeyHashIterations = 210_000
	apiKeyHashKeyLength  = 32
	apiKeyHashSaltLength = 16
)

// ErrInvalidAPIKey is returned when a presented admin key does not match.
var ErrInvalidAPIKey = errors.New("invalid api key")

// HashAPIKey derives a storable hash for an admin API key. The output
// format is "pbkdf2$sha256$<iterations>$<salt>$<key>".
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("api key is required")
	}
	salt := make([]byte, apiKeyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, apiKeyHashIterations, apiKeyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", apiKeyHashIterations, encodedSalt, encodedKey), nil
}

// VerifyAPIKey checks a candidate key against a stored hash in constant
// time. Stored values that are not in the hash format are compared
// directly, so deployments can configure a plain key.
func VerifyAPIKey(stored, candidate string) error {
	if stored == "" || candidate == "" {
		return ErrInvalidAPIKey
	}
	if !strings.HasPrefix(stored, "pbkdf2$") {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1 {
			return nil
		}
		return ErrInvalidAPIKey
	}
	parts := strings.Split(stored, "$")
	if len(parts) != 5 || parts[1] != "sha256" {
		return fmt.Errorf("verify api key: invalid hash format")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return fmt.Errorf("verify api key: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("verify api key: decode salt: %w", err)
	}
	storedKey, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return fmt.Errorf("verify api key: decode hash: %w", err)
	}
	derived := pbkdf2.Key([]byte(candidate), salt, iterations, len(storedKey), sha256.New)
	if len(derived) != len(storedKey) || subtle.ConstantTimeCompare(derived, storedKey) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
