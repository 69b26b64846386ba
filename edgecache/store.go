// Package edgecache keeps successful responses in memory so repeated requests
// for the same URL skip the object store.
package edgecache

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	releaseedge "github.com/wolfeidau/release-edge"
)

// Defaults for LRUStore.
const (
	DefaultMaxEntries    = 10_000
	DefaultTTL           = time.Hour
	DefaultMaxEntryBytes = 8 << 20
)

// Entry is a stored response.
type Entry struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// Store is an edge cache partitioned by the name of the handler whose
// responses it holds. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key in partition.
	Get(ctx context.Context, partition, key string) (*Entry, bool)

	// Put stores e under key in partition.
	Put(ctx context.Context, partition, key string, e *Entry) error

	// Purge evicts key from every partition and returns the number of
	// entries removed.
	Purge(ctx context.Context, key string) int
}

// LRUStore is an in-process Store bounded by entry count and age.
type LRUStore struct {
	entries *expirable.LRU[releaseedge.Hash, *Entry]
	logger  *slog.Logger

	mu         sync.RWMutex
	partitions map[string]struct{}
}

// LRUOption configures an LRUStore.
type LRUOption func(*lruConfig)

type lruConfig struct {
	maxEntries int
	ttl        time.Duration
	logger     *slog.Logger
}

// WithMaxEntries bounds the number of cached responses.
func WithMaxEntries(n int) LRUOption {
	return func(c *lruConfig) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithTTL sets how long a response stays cached.
func WithTTL(d time.Duration) LRUOption {
	return func(c *lruConfig) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) LRUOption {
	return func(c *lruConfig) {
		c.logger = logger
	}
}

// NewLRUStore creates an LRUStore.
func NewLRUStore(opts ...LRUOption) *LRUStore {
	cfg := lruConfig{
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &LRUStore{
		entries:    expirable.NewLRU[releaseedge.Hash, *Entry](cfg.maxEntries, nil, cfg.ttl),
		logger:     cfg.logger.With("component", "edgecache"),
		partitions: make(map[string]struct{}),
	}
}

// Get implements Store.
func (s *LRUStore) Get(_ context.Context, partition, key string) (*Entry, bool) {
	return s.entries.Get(entryKey(partition, key))
}

// Put implements Store.
func (s *LRUStore) Put(_ context.Context, partition, key string, e *Entry) error {
	s.mu.Lock()
	s.partitions[partition] = struct{}{}
	s.mu.Unlock()

	s.entries.Add(entryKey(partition, key), e)
	return nil
}

// Purge implements Store.
func (s *LRUStore) Purge(_ context.Context, key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	removed := 0
	for partition := range s.partitions {
		k := entryKey(partition, key)
		if s.entries.Remove(k) {
			removed++
			s.logger.Debug("evicted", "partition", partition, "entry", k.ShortString())
		}
	}
	if removed > 0 {
		s.logger.Debug("purged cached response", "key", key, "entries", removed)
	}
	return removed
}

// Len returns the number of cached responses.
func (s *LRUStore) Len() int {
	return s.entries.Len()
}

func entryKey(partition, key string) releaseedge.Hash {
	return releaseedge.HashStrings(partition, key)
}

var _ Store = (*LRUStore)(nil)
