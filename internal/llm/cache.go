package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// ResponseCache stores completed responses keyed by request hash so repeated
// chunks (common when an analysis is re-run after a model swap back, or in
// tests against a fixture server) skip the network. Implementations must be
// safe for concurrent use.
type ResponseCache interface {
	Get(key string) (text string, ok bool)
	Set(key, text string)
	Close() error
}

// CacheKey derives a stable key from everything that shapes the output.
func CacheKey(req *CompletionRequest) string {
	h := sha256.New()
	h.Write([]byte(req.Model))
	h.Write([]byte{0})
	h.Write([]byte(req.System))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(req.Temperature, 'g', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(req.JSONMode)))
	return hex.EncodeToString(h.Sum(nil))
}

// --- memoryCache ---------------------------------------------------------

type memoryCache struct {
	mu    sync.RWMutex
	store map[string]string
}

func newMemoryCache() ResponseCache {
	return &memoryCache{store: make(map[string]string)}
}

func (c *memoryCache) Get(key string) (string, bool) {
	c.mu.RLock()
	v, ok := c.store[key]
	c.mu.RUnlock()
	return v, ok
}

func (c *memoryCache) Set(key, text string) {
	c.mu.Lock()
	c.store[key] = text
	c.mu.Unlock()
}

func (c *memoryCache) Close() error { return nil }

// --- boltCache -----------------------------------------------------------

const cacheBucket = "llm_responses"

// boltCache persists responses across process restarts in an embedded
// bbolt database.
type boltCache struct {
	db  *bolt.DB
	log *slog.Logger
}

func newBoltCache(path string, log *slog.Logger) (ResponseCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open response cache %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	log.Info("llm.cache.open", "path", path)
	return &boltCache{db: db, log: log}, nil
}

func (c *boltCache) Get(key string) (string, bool) {
	var text string
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			text = string(v)
		}
		return nil
	})
	if err != nil {
		c.log.Warn("llm.cache.get_error", "error", err)
		return "", false
	}
	return text, text != ""
}

func (c *boltCache) Set(key, text string) {
	if err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", cacheBucket)
		}
		return b.Put([]byte(key), []byte(text))
	}); err != nil {
		c.log.Warn("llm.cache.set_error", "error", err)
	}
}

func (c *boltCache) Close() error {
	return c.db.Close()
}
