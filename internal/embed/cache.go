package embed

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nightjarhq/nightjar/internal/vector"
)

// Cache persists embeddings in sqlite, keyed by a salted one-way digest of
// the text so the cache file never holds raw content.
type Cache struct {
	db *sql.DB
	mu sync.Mutex
}

func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	c := &Cache{db: db}
	if err := c.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := c.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (c *Cache) initSchema() error {
	stmt := `CREATE TABLE IF NOT EXISTS embedding_cache (
		key TEXT PRIMARY KEY,
		vec BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`
	if _, err := c.db.Exec(stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the cached vector for key, or ok=false on a miss. Read
// failures count as misses so a damaged cache never blocks embedding.
func (c *Cache) Get(key string) ([]float32, bool) {
	var blob []byte
	err := c.db.QueryRow(`SELECT vec FROM embedding_cache WHERE key = ?`, key).Scan(&blob)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Printf("[embed] cache read failed: %v", err)
		}
		return nil, false
	}

	vec, err := vector.Decode(blob)
	if err != nil {
		log.Printf("[embed] cache entry corrupt, ignoring: %v", err)
		return nil, false
	}
	return vec, true
}

// Put stores a vector under key. Write failures are logged and dropped.
func (c *Cache) Put(key string, vec []float32) {
	blob, err := vector.Encode(vec)
	if err != nil {
		log.Printf("[embed] cache encode failed: %v", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.Exec(
		`INSERT OR REPLACE INTO embedding_cache (key, vec, created_at) VALUES (?, ?, ?)`,
		key, blob, time.Now().Unix(),
	)
	if err != nil {
		log.Printf("[embed] cache write failed: %v", err)
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() (int, error) {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM embedding_cache`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return count, nil
}

type cachedProvider struct {
	inner Provider
	cache *Cache
	model string
	salt  func() string
}

// WithCache wraps inner so repeat embeddings of the same text are served
// from the cache. Keys are derived from the salt returned by activeSalt at
// lookup time; after a rotation the new epoch simply misses and refills.
func WithCache(inner Provider, cache *Cache, model string, activeSalt func() string) Provider {
	return &cachedProvider{inner: inner, cache: cache, model: model, salt: activeSalt}
}

// Close releases the cache handle. Callers holding a Provider can reach it
// through an io.Closer assertion.
func (p *cachedProvider) Close() error {
	return p.cache.Close()
}

func (p *cachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key, ok := p.key(text)
	if !ok {
		return p.inner.Embed(ctx, text)
	}

	if vec, hit := p.cache.Get(key); hit {
		return vec, nil
	}

	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Put(key, vec)
	return vec, nil
}

func (p *cachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}

	vectors := make([][]float32, len(texts))
	missingTexts := make([]string, 0, len(texts))
	missingIndex := make([]int, 0, len(texts))
	keys := make([]string, len(texts))

	for i, text := range texts {
		key, ok := p.key(text)
		if ok {
			if vec, hit := p.cache.Get(key); hit {
				vectors[i] = vec
				keys[i] = key
				continue
			}
		}
		keys[i] = key
		missingTexts = append(missingTexts, text)
		missingIndex = append(missingIndex, i)
	}

	if len(missingTexts) == 0 {
		return vectors, nil
	}

	fetched, err := p.inner.EmbedBatch(ctx, missingTexts)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(missingTexts) {
		return nil, fmt.Errorf("embed batch: inner provider returned %d vectors for %d texts", len(fetched), len(missingTexts))
	}

	for j, idx := range missingIndex {
		vectors[idx] = fetched[j]
		if keys[idx] != "" {
			p.cache.Put(keys[idx], fetched[j])
		}
	}

	return vectors, nil
}

// key derives the salted cache key. Without an active salt caching is
// skipped entirely rather than falling back to an unsalted digest.
func (p *cachedProvider) key(text string) (string, bool) {
	salt := p.salt()
	if strings.TrimSpace(salt) == "" {
		return "", false
	}

	mac := hmac.New(sha256.New, []byte(salt))
	mac.Write([]byte("embed:"))
	mac.Write([]byte(p.model))
	mac.Write([]byte{0})
	mac.Write([]byte(text))
	return hex.EncodeToString(mac.Sum(nil)), true
}
