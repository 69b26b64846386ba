package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"

	releaseedge "github.com/wolfeidau/release-edge"
	"github.com/wolfeidau/release-edge/telemetry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var bucketListings = []byte("listings")

// Listing record encodings.
const (
	encodingIdentity = "identity"
	encodingZstd     = "zstd"

	// compressionThreshold is the payload size below which compression is skipped.
	compressionThreshold = 512

	// maxListingSize bounds a decompressed listing payload.
	maxListingSize = 64 << 20
)

var (
	// ErrCorruptListing is returned when a stored listing fails its digest check.
	ErrCorruptListing = errors.New("listing payload digest mismatch")
)

// listingRecord is the stored form of a Directory.
type listingRecord struct {
	Encoding  string    `json:"encoding"`
	Digest    string    `json:"digest"`
	Size      int       `json:"size"`
	UpdatedAt time.Time `json:"updatedAt"`
	Payload   []byte    `json:"payload"`
}

// ListingStore persists precomputed directory listings in bbolt. Payloads
// are JSON, zstd-compressed when large enough to benefit.
type ListingStore struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
}

// ListingStoreOption configures a ListingStore.
type ListingStoreOption func(*ListingStore)

// WithListingStoreLogger sets the logger.
func WithListingStoreLogger(logger *slog.Logger) ListingStoreOption {
	return func(s *ListingStore) {
		s.logger = logger
	}
}

// WithNoSync disables fsync per transaction. Only for tests.
func WithNoSync(noSync bool) ListingStoreOption {
	return func(s *ListingStore) {
		s.noSync = noSync
	}
}

// OpenListingStore opens or creates the store at path.
func OpenListingStore(path string, opts ...ListingStoreOption) (*ListingStore, error) {
	s := &ListingStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "listing_store")

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening listing store: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketListings)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketListings, err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxListingSize))
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	s.db = db
	s.encoder = enc
	s.decoder = dec

	s.logger.Debug("opened listing store", "path", path)
	return s, nil
}

// Close releases the codec and closes the database.
func (s *ListingStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.encoder != nil {
		s.encoder.Close()
		s.encoder = nil
	}
	if s.decoder != nil {
		s.decoder.Close()
		s.decoder = nil
	}
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get returns the stored listing for key or ErrNotFound.
func (s *ListingStore) Get(_ context.Context, key string) (*Directory, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketListings).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		raw = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	var rec listingRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding listing record %q: %w", key, err)
	}
	payload, err := s.decode(rec)
	if err != nil {
		return nil, fmt.Errorf("listing %q: %w", key, err)
	}

	var dir Directory
	if err := json.Unmarshal(payload, &dir); err != nil {
		return nil, fmt.Errorf("decoding listing %q: %w", key, err)
	}
	return &dir, nil
}

// Put stores dir under key, replacing any previous listing.
func (s *ListingStore) Put(_ context.Context, key string, dir *Directory) error {
	if dir == nil || dir.Passthrough != nil {
		return fmt.Errorf("listing %q: only structured listings can be stored", key)
	}
	payload, err := json.Marshal(dir)
	if err != nil {
		return fmt.Errorf("encoding listing %q: %w", key, err)
	}
	raw, err := json.Marshal(s.encode(payload))
	if err != nil {
		return fmt.Errorf("encoding listing record %q: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketListings).Put([]byte(key), raw)
	})
}

// Delete removes the listing for key. Missing keys are not an error.
func (s *ListingStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketListings).Delete([]byte(key))
	})
}

// Import loads a JSON object of directory key to listing, as written by the
// listing crawler, and stores every entry. It returns the number stored.
func (s *ListingStore) Import(ctx context.Context, r io.Reader) (int, error) {
	var listings map[string]*Directory
	if err := json.NewDecoder(r).Decode(&listings); err != nil {
		return 0, fmt.Errorf("decoding listings: %w", err)
	}
	n := 0
	for key, dir := range listings {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if dir == nil {
			continue
		}
		if err := s.Put(ctx, key, dir); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Crawl walks the directory tree below root on live, breadth first, and
// stores every listing it reads. Directories served by an index.html are
// stored but not descended into. It returns the number stored.
func (s *ListingStore) Crawl(ctx context.Context, live Provider, root string) (int, error) {
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	queue := []string{root}
	n := 0
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]

		dir, err := live.ReadDirectory(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("reading %q: %w", key, err)
		}
		if dir.Passthrough != nil {
			_ = dir.Passthrough.Close()
			continue
		}
		if err := s.Put(ctx, key, dir); err != nil {
			return n, err
		}
		n++
		s.logger.Debug("stored listing", "key", key, "subdirectories", len(dir.Subdirectories), "files", len(dir.Files))

		if dir.HasIndexHTML {
			continue
		}
		for _, sub := range dir.Subdirectories {
			queue = append(queue, key+sub)
		}
	}
	return n, nil
}

func (s *ListingStore) encode(payload []byte) listingRecord {
	rec := listingRecord{
		Encoding:  encodingIdentity,
		Digest:    releaseedge.HashBytes(payload).String(),
		Size:      len(payload),
		UpdatedAt: s.now().UTC(),
		Payload:   payload,
	}
	if len(payload) < compressionThreshold {
		return rec
	}

	s.mu.RLock()
	enc := s.encoder
	s.mu.RUnlock()
	if enc == nil {
		return rec
	}

	if compressed := enc.EncodeAll(payload, nil); len(compressed) < len(payload) {
		rec.Encoding = encodingZstd
		rec.Payload = compressed
	}
	return rec
}

func (s *ListingStore) decode(rec listingRecord) ([]byte, error) {
	payload := rec.Payload
	switch rec.Encoding {
	case encodingIdentity, "":
	case encodingZstd:
		s.mu.RLock()
		dec := s.decoder
		s.mu.RUnlock()
		if dec == nil {
			return nil, errors.New("listing store is closed")
		}
		var err error
		payload, err = dec.DecodeAll(rec.Payload, make([]byte, 0, rec.Size))
		if err != nil {
			return nil, fmt.Errorf("decompressing: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown encoding %q", rec.Encoding)
	}

	if rec.Digest == "" {
		return payload, nil
	}
	want, err := releaseedge.ParseHash(rec.Digest)
	if err != nil || want.IsZero() || releaseedge.HashBytes(payload) != want {
		return nil, ErrCorruptListing
	}
	return payload, nil
}

// ListingCache answers ReadDirectory from a ListingStore and falls back to
// the live provider on a miss. Files always come from the live provider.
type ListingCache struct {
	store  *ListingStore
	live   Provider
	logger *slog.Logger
}

// NewListingCache creates a read-through listing cache in front of live.
func NewListingCache(store *ListingStore, live Provider, logger *slog.Logger) *ListingCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ListingCache{store: store, live: live, logger: logger.With("component", "listing_cache")}
}

// HeadFile implements Provider.
func (c *ListingCache) HeadFile(ctx context.Context, key string) (*File, error) {
	return c.live.HeadFile(ctx, key)
}

// GetFile implements Provider.
func (c *ListingCache) GetFile(ctx context.Context, key string, cond Conditional) (*File, error) {
	return c.live.GetFile(ctx, key, cond)
}

// ReadDirectory implements Provider.
func (c *ListingCache) ReadDirectory(ctx context.Context, key string) (*Directory, error) {
	dir, err := c.store.Get(ctx, key)
	if err == nil {
		telemetry.RecordCacheLookup(ctx, "listing", telemetry.CacheHit)
		return dir, nil
	}
	if !errors.Is(err, ErrNotFound) {
		c.logger.Warn("listing store read failed", "key", key, "error", err)
	}
	telemetry.RecordCacheLookup(ctx, "listing", telemetry.CacheMiss)
	return c.live.ReadDirectory(ctx, key)
}

var _ Provider = (*ListingCache)(nil)
