// Package auth checks API keys against a two-tier key file.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Tier is the permission level a key grants.
type Tier string

const (
	// TierAPI covers standard calls.
	TierAPI Tier = "api"
	// TierAdmin covers elevated calls and, implicitly, standard ones.
	TierAdmin Tier = "admin"
)

var ErrInvalidKey = errors.New("the provided authentication key is invalid")

// Keys is the content of the key file.
type Keys struct {
	APIKeys   []string `yaml:"api_keys"`
	AdminKeys []string `yaml:"admin_keys"`
}

func contains(keys []string, key string) bool {
	found := 0
	for _, k := range keys {
		found |= subtle.ConstantTimeCompare([]byte(k), []byte(key))
	}
	return found == 1
}

// Verify reports whether key grants tier. Admin keys are valid for
// standard calls too.
func (k *Keys) Verify(key string, tier Tier) bool {
	if key == "" {
		return false
	}

	switch tier {
	case TierAdmin:
		return contains(k.AdminKeys, key)
	case TierAPI:
		return contains(k.APIKeys, key) || contains(k.AdminKeys, key)
	}
	return false
}

// Permission returns the highest tier key grants. A bearer prefix is
// stripped first.
func (k *Keys) Permission(key string) (Tier, error) {
	if scheme, rest, ok := strings.Cut(key, " "); ok && strings.EqualFold(scheme, "bearer") {
		key = strings.TrimSpace(rest)
	}

	switch {
	case k.Verify(key, TierAdmin):
		return TierAdmin, nil
	case k.Verify(key, TierAPI):
		return TierAPI, nil
	}
	return "", ErrInvalidKey
}

// NewKey returns n random bytes from r, hex encoded.
func NewKey(r io.Reader, n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Generate creates one key of each tier.
func Generate() (*Keys, error) {
	api, err := NewKey(rand.Reader, 16)
	if err != nil {
		return nil, err
	}
	admin, err := NewKey(rand.Reader, 16)
	if err != nil {
		return nil, err
	}
	return &Keys{APIKeys: []string{api}, AdminKeys: []string{admin}}, nil
}

// Load reads the key file at path. When it does not exist, fresh keys are
// generated and written there.
func Load(path string) (*Keys, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		keys, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := keys.Save(path); err != nil {
			return nil, err
		}

		slog.Info("generated api keys; delete the key file and restart if they are compromised",
			"path", path, "api_keys", keys.APIKeys, "admin_keys", keys.AdminKeys)
		return keys, nil
	} else if err != nil {
		return nil, err
	}

	var keys Keys
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(keys.APIKeys) == 0 && len(keys.AdminKeys) == 0 {
		return nil, fmt.Errorf("%s defines no keys", path)
	}
	return &keys, nil
}

func (k *Keys) Save(path string) error {
	data, err := yaml.Marshal(k)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
