// Package profile keeps a registry of scraped profile documents keyed by
// content identifier. Re-scraping the same document, with fields in any
// order, lands on the existing row instead of a new one.
package profile

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nightjarhq/nightjar/internal/cid"
)

type Registry struct {
	db *sql.DB
	mu sync.Mutex
}

// Entry is one registered document. Canonical holds the exact bytes the
// identifier was derived from.
type Entry struct {
	CID       string
	Source    string
	Canonical []byte
	FirstSeen int64
	LastSeen  int64
	SeenCount int64
}

func Open(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("open profile registry: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	r := &Registry{db: db}
	if err := r.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := r.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (r *Registry) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
			cid TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT '',
			canonical BLOB NOT NULL,
			first_seen INTEGER NOT NULL,
			last_seen INTEGER NOT NULL,
			seen_count INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profiles_source ON profiles(source, last_seen)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (r *Registry) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Put registers a scraped document. A document seen for the first time is
// inserted and added is true; a re-scrape only bumps last_seen and
// seen_count, leaving the stored bytes untouched. The returned identifier is
// the same either way.
func (r *Registry) Put(doc any, source string) (string, bool, error) {
	canonical, err := cid.CanonicalBytes(doc)
	if err != nil {
		return "", false, fmt.Errorf("canonicalize profile: %w", err)
	}
	id := cid.FromBytes(canonical)
	now := time.Now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.Exec(`
		UPDATE profiles SET last_seen = ?, seen_count = seen_count + 1 WHERE cid = ?
	`, now, id)
	if err != nil {
		return "", false, fmt.Errorf("touch profile: %w", err)
	}
	touched, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("touch profile: %w", err)
	}
	if touched > 0 {
		return id, false, nil
	}

	_, err = r.db.Exec(`
		INSERT INTO profiles (cid, source, canonical, first_seen, last_seen, seen_count)
		VALUES (?, ?, ?, ?, ?, 1)
	`, id, strings.TrimSpace(source), canonical, now, now)
	if err != nil {
		return "", false, fmt.Errorf("insert profile: %w", err)
	}
	return id, true, nil
}

// Get decodes the stored document for an identifier. sql.ErrNoRows surfaces
// for unknown identifiers.
func (r *Registry) Get(id string) (map[string]any, error) {
	var canonical []byte
	err := r.db.QueryRow(`SELECT canonical FROM profiles WHERE cid = ?`, id).Scan(&canonical)
	if err != nil {
		return nil, fmt.Errorf("get profile %s: %w", id, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(canonical, &doc); err != nil {
		return nil, fmt.Errorf("decode profile %s: %w", id, err)
	}
	return doc, nil
}

// Lookup returns the full registry row for an identifier.
func (r *Registry) Lookup(id string) (Entry, error) {
	var e Entry
	err := r.db.QueryRow(`
		SELECT cid, source, canonical, first_seen, last_seen, seen_count
		FROM profiles WHERE cid = ?
	`, id).Scan(&e.CID, &e.Source, &e.Canonical, &e.FirstSeen, &e.LastSeen, &e.SeenCount)
	if err != nil {
		return Entry{}, fmt.Errorf("lookup profile %s: %w", id, err)
	}
	return e, nil
}

func (r *Registry) Has(id string) bool {
	var one int
	err := r.db.QueryRow(`SELECT 1 FROM profiles WHERE cid = ?`, id).Scan(&one)
	return err == nil
}

func (r *Registry) Count() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count profiles: %w", err)
	}
	return n, nil
}
