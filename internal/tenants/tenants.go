// Package tenants defines tenant identity and the credential store that
// maps API keys to tenants. The store is injected wherever tenant
// resolution happens so tests can substitute fixtures.
package tenants

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// TenantInfo identifies an isolated customer namespace. All stored data
// and quotas are partitioned by TenantID.
type TenantInfo struct {
	TenantID string
	Name     string

	// Per-tenant rate limit overrides; zero means use the global default.
	RateLimitMax           int
	RateLimitWindowSeconds int
}

// CredentialStore resolves a static API key to the tenant it belongs
// to. A miss is reported as a TenantNotFoundError so callers can tell
// an unregistered key apart from other failures.
type CredentialStore interface {
	Lookup(key string) (*TenantInfo, error)
}

// TenantNotFoundError indicates that no tenant is registered for a key.
type TenantNotFoundError struct {
	Key string
}

func (e *TenantNotFoundError) Error() string {
	return fmt.Sprintf("no tenant registered for credential %q", e.Key)
}

// NewTenantNotFoundError creates a TenantNotFoundError for the given key.
func NewTenantNotFoundError(key string) *TenantNotFoundError {
	return &TenantNotFoundError{Key: key}
}

// InMemoryCredentialStore holds the API key table in memory. Mutation is
// only expected at startup and from tests, reads happen per request.
type InMemoryCredentialStore struct {
	mu   sync.RWMutex
	keys map[string]*TenantInfo
}

// NewInMemoryCredentialStore creates an empty credential store.
func NewInMemoryCredentialStore() *InMemoryCredentialStore {
	return &InMemoryCredentialStore{keys: make(map[string]*TenantInfo)}
}

// Lookup returns the tenant for an API key. Every registered key is
// compared in constant time, so a miss costs the same as a hit and
// timing reveals nothing about how much of a key matched.
func (s *InMemoryCredentialStore) Lookup(key string) (*TenantInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keyBytes := []byte(key)
	var found *TenantInfo
	for candidate, info := range s.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), keyBytes) == 1 {
			found = info
		}
	}
	if found == nil {
		return nil, NewTenantNotFoundError(key)
	}
	copied := *found
	return &copied, nil
}

// Register adds or replaces the tenant associated with an API key.
func (s *InMemoryCredentialStore) Register(key string, info TenantInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = &info
}

// Len returns the number of registered keys.
func (s *InMemoryCredentialStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// keyFile is the YAML credentials file layout:
//
//	keys:
//	  - key: k-abc
//	    tenant: acme
//	    name: Acme Inc
//	    rateLimitMax: 120
//	    rateLimitWindowSeconds: 60
type keyFile struct {
	Keys []keyFileEntry `yaml:"keys"`
}

type keyFileEntry struct {
	Key                    string `yaml:"key"`
	Tenant                 string `yaml:"tenant"`
	Name                   string `yaml:"name"`
	RateLimitMax           int    `yaml:"rateLimitMax"`
	RateLimitWindowSeconds int    `yaml:"rateLimitWindowSeconds"`
}

// LoadKeyFile merges API keys from a YAML credentials file into the store.
func (s *InMemoryCredentialStore) LoadKeyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read credentials file: %w", err)
	}

	var file keyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credentials file: %w", err)
	}

	for _, entry := range file.Keys {
		if entry.Key == "" || entry.Tenant == "" {
			return fmt.Errorf("credentials file entry missing key or tenant")
		}
		s.Register(entry.Key, TenantInfo{
			TenantID:               entry.Tenant,
			Name:                   entry.Name,
			RateLimitMax:           entry.RateLimitMax,
			RateLimitWindowSeconds: entry.RateLimitWindowSeconds,
		})
	}

	return nil
}

// LoadInlinePairs merges inline "key:tenant" pairs (comma separated) into
// the store. Used for the INGESTLY_API_KEYS environment variable.
func (s *InMemoryCredentialStore) LoadInlinePairs(pairs string) error {
	if strings.TrimSpace(pairs) == "" {
		return nil
	}

	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, tenant, found := strings.Cut(pair, ":")
		if !found || key == "" || tenant == "" {
			return fmt.Errorf("invalid api key pair %q, expected key:tenant", pair)
		}
		s.Register(key, TenantInfo{TenantID: tenant})
	}

	return nil
}
