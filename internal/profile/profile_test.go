package profile

import (
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nightjarhq/nightjar/internal/cid"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "profiles.db"))
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpenAndReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "profiles.db")

	r, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	// Idempotent reopen against the same path.
	r2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open reopen error: %v", err)
	}
	defer r2.Close()

	if _, err := Open("  "); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestPutDeduplicatesAcrossKeyOrder(t *testing.T) {
	r := testRegistry(t)

	first := map[string]any{
		"handle": "nightowl",
		"links":  map[string]any{"site": "https://example.org", "git": "https://git.example.org"},
		"tags":   []any{"research", "go"},
	}
	// Same content assembled in a different order by a later scrape.
	second := map[string]any{
		"tags":   []any{"research", "go"},
		"handle": "nightowl",
		"links":  map[string]any{"git": "https://git.example.org", "site": "https://example.org"},
	}

	id1, added, err := r.Put(first, "scraper-a")
	if err != nil {
		t.Fatalf("Put first: %v", err)
	}
	if !added {
		t.Fatal("first scrape should insert")
	}
	if !cid.IsValid(id1) {
		t.Fatalf("identifier %q is not well formed", id1)
	}

	id2, added, err := r.Put(second, "scraper-b")
	if err != nil {
		t.Fatalf("Put second: %v", err)
	}
	if added {
		t.Fatal("re-scrape should not insert")
	}
	if id2 != id1 {
		t.Fatalf("re-scrape identifier %q != %q", id2, id1)
	}

	if n, err := r.Count(); err != nil || n != 1 {
		t.Fatalf("Count = %d, %v; want 1 row", n, err)
	}

	entry, err := r.Lookup(id1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.SeenCount != 2 {
		t.Fatalf("seen_count = %d, want 2", entry.SeenCount)
	}
	// Re-scrapes never rewrite the stored row.
	if entry.Source != "scraper-a" {
		t.Fatalf("source = %q, want the first scraper", entry.Source)
	}
	if entry.FirstSeen > entry.LastSeen {
		t.Fatalf("first_seen %d after last_seen %d", entry.FirstSeen, entry.LastSeen)
	}

	doc, err := r.Get(id1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc["handle"] != "nightowl" {
		t.Fatalf("stored document corrupted: %v", doc)
	}
}

func TestPutDistinctDocuments(t *testing.T) {
	r := testRegistry(t)

	id1, _, err := r.Put(map[string]any{"handle": "alpha"}, "s")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	id2, added, err := r.Put(map[string]any{"handle": "beta"}, "s")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !added {
		t.Fatal("distinct document should insert")
	}
	if id1 == id2 {
		t.Fatal("distinct documents share an identifier")
	}
	if n, _ := r.Count(); n != 2 {
		t.Fatalf("Count = %d, want 2", n)
	}
}

func TestPutRejectsUnserializableDocument(t *testing.T) {
	r := testRegistry(t)

	if _, _, err := r.Put(map[string]any{"f": make(chan int)}, "s"); err == nil {
		t.Fatal("expected error for an unserializable document")
	}
	if n, _ := r.Count(); n != 0 {
		t.Fatalf("failed put left %d rows", n)
	}
}

func TestGetUnknownIdentifier(t *testing.T) {
	r := testRegistry(t)

	if _, err := r.Get("bafkreiunknown"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("err = %v, want sql.ErrNoRows", err)
	}
	if r.Has("bafkreiunknown") {
		t.Fatal("Has reported an absent identifier")
	}
}

func TestHasAfterPut(t *testing.T) {
	r := testRegistry(t)

	id, _, err := r.Put(map[string]any{"handle": "gamma"}, "s")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !r.Has(id) {
		t.Fatal("Has missed a registered identifier")
	}
}

func TestPutConcurrent(t *testing.T) {
	r := testRegistry(t)
	doc := map[string]any{"handle": "delta", "tags": []any{"go"}}

	const goroutines = 8
	const putsEach = 5
	addedBy := make([]int, goroutines)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < putsEach; i++ {
				_, added, err := r.Put(doc, "s")
				if err != nil {
					t.Errorf("Put: %v", err)
					return
				}
				if added {
					addedBy[g]++
				}
			}
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range addedBy {
		total += n
	}
	if total != 1 {
		t.Fatalf("document inserted %d times, want exactly once", total)
	}
	if n, _ := r.Count(); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	id, _, err := r.Put(doc, "s")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry, err := r.Lookup(id)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if want := int64(goroutines*putsEach + 1); entry.SeenCount != want {
		t.Fatalf("seen_count = %d, want %d", entry.SeenCount, want)
	}
}
