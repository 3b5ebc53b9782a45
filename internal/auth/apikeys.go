package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks advisor API keys
const KeyPrefix = "adv_"

// ErrInvalidAPIKey is returned for unknown or malformed keys
var ErrInvalidAPIKey = errors.New("invalid API key")

// KeyStore validates API keys against configured bcrypt hashes
type KeyStore struct {
	hashes [][]byte
}

// NewKeyStore accepts bcrypt hashes as produced by HashAPIKey
func NewKeyStore(hashes []string) (*KeyStore, error) {
	ks := &KeyStore{}
	for i, h := range hashes {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("api key hash %d: %w", i, err)
		}
		ks.hashes = append(ks.hashes, []byte(h))
	}
	return ks, nil
}

// Len is the number of configured keys
func (k *KeyStore) Len() int { return len(k.hashes) }

// Validate returns the principal for key. The subject is a short digest so
// rate limits and logs never carry the key itself.
func (k *KeyStore) Validate(key string) (*Principal, error) {
	if !strings.HasPrefix(key, KeyPrefix) || len(key) > 72 {
		return nil, ErrInvalidAPIKey
	}
	for _, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return &Principal{Subject: keySubject(key), Scopes: DefaultScopes, Method: "api_key"}, nil
		}
	}
	return nil, ErrInvalidAPIKey
}

// HashAPIKey returns the bcrypt hash to place in auth.api_key_hashes
func HashAPIKey(key string) (string, error) {
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", fmt.Errorf("api key must start with %q", KeyPrefix)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func keySubject(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "key:" + hex.EncodeToString(sum[:6])
}
