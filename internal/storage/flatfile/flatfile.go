// Package flatfile implements the default storage backend: append-only
// newline-delimited JSON event logs partitioned per tenant and day, and
// one JSON document per user profile. The layout assumes a single
// service instance; concurrent instances would race on file writes and
// are unsupported.
package flatfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

const (
	eventFilePrefix = "events-"
	eventFileSuffix = ".jsonl"
	usersDirName    = "users"
)

var plainFileName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Store is the flat-file storage backend. It implements both
// storage.EventStore and storage.UserStore.
type Store struct {
	root   string
	logger *slog.Logger

	// One mutex per file path so concurrent writers to the same
	// partition serialize while different partitions stay independent.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a flat-file store rooted at dir, creating it when
// absent.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	return &Store{
		root:   root,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the storage root directory.
func (s *Store) Root() string {
	return s.root
}

// HealthCheck verifies the storage root is writable by creating and
// removing a sentinel file. Existence alone is not enough: a read-only
// mount would pass a stat check and still fail every insert.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sentinel := filepath.Join(s.root, ".healthcheck-"+uuid.NewString())
	if err := os.WriteFile(sentinel, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("storage root not writable: %w", err)
	}
	if err := os.Remove(sentinel); err != nil {
		return fmt.Errorf("failed to remove health sentinel: %w", err)
	}
	return nil
}

// lockFor returns the mutex guarding one file path.
func (s *Store) lockFor(path string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	mu, ok := s.locks[path]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[path] = mu
	}
	return mu
}

// safeFileName maps an arbitrary identifier onto a file-system safe
// name. Plain identifiers are kept readable; anything else is hashed.
func safeFileName(id string) string {
	if plainFileName.MatchString(id) {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}
