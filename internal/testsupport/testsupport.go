// Package testsupport provides shared fixtures for package tests: fast
// in-process stores, credential fixtures and a fully wired application
// around a temp directory.
package testsupport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"ingestly/internal/auth"
	"ingestly/internal/config"
	"ingestly/internal/dedup"
	"ingestly/internal/logging"
	"ingestly/internal/pipeline"
	"ingestly/internal/ratelimit"
	"ingestly/internal/storage/flatfile"
	"ingestly/internal/tenants"
)

// Default credential fixtures shared across tests.
const (
	APIKeyTenantOne = "key-tenant-one"
	APIKeyTenantTwo = "key-tenant-two"
	TenantOne       = "tenant-one"
	TenantTwo       = "tenant-two"
)

// NewTestConfig returns an isolated configuration rooted in a temp
// directory. It bypasses the process-wide viper singleton so parallel
// tests do not share state.
func NewTestConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		AppName:                   "ingestly",
		AppPort:                   "0",
		Environment:               config.Test,
		LogLevel:                  config.LogLevelError,
		StorageBackend:            config.FileBackend,
		StoragePath:               t.TempDir(),
		RateLimitMax:              600,
		RateLimitWindowSeconds:    60,
		RateLimitRetentionSeconds: 3600,
		RateLimitMaxBuckets:       10000,
		DedupEnabled:              true,
		DedupTTLSeconds:           86400,
		DedupMaxEntries:           100000,
		EvictFraction:             0.10,
		SessionGapSeconds:         1800,
		FilterBots:                true,
		JobIntervalSeconds:        60,
		EventsRetentionDays:       90,
	}
}

// NewCredentialStore returns a store preloaded with the two tenant
// fixtures.
func NewCredentialStore(t *testing.T) *tenants.InMemoryCredentialStore {
	t.Helper()

	store := tenants.NewInMemoryCredentialStore()
	store.Register(APIKeyTenantOne, tenants.TenantInfo{TenantID: TenantOne, Name: "Tenant One"})
	store.Register(APIKeyTenantTwo, tenants.TenantInfo{TenantID: TenantTwo, Name: "Tenant Two"})
	return store
}

// NewFlatFileStore returns a flat-file store rooted in a temp directory.
func NewFlatFileStore(t *testing.T) *flatfile.Store {
	t.Helper()

	store, err := flatfile.NewStore(t.TempDir(), logging.NewTestLogger())
	require.NoError(t, err)
	return store
}

// NewPipeline wires an admission pipeline over a flat-file store with
// the fixture credentials. Useful for handler and pipeline tests.
func NewPipeline(t *testing.T, cfg *config.Config) (*pipeline.Pipeline, *flatfile.Store, *ratelimit.Store) {
	t.Helper()

	logger := logging.NewTestLogger()
	store := NewFlatFileStore(t)
	limits := ratelimit.NewStore(cfg.RateLimitMaxBuckets, cfg.EvictFraction, logger)

	var dedupStore *dedup.Store
	if cfg.DedupEnabled {
		dedupStore = dedup.NewStore(cfg.DedupMaxEntries, cfg.EvictFraction, logger)
	}

	p := pipeline.New(pipeline.Options{
		Config:     cfg,
		Resolver:   auth.NewResolver(cfg.JWTSecret, NewCredentialStore(t), logger),
		RateLimits: limits,
		Dedup:      dedupStore,
		EventStore: store,
		UserStore:  store,
		Logger:     logger,
	})
	return p, store, limits
}
