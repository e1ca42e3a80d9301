package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const snapshotFileName = "messages.json"

// Store holds the current epoch's records in memory together with two
// derived structures kept in lockstep: the inverted token-hash index and the
// row-aligned embedding matrix. Every mutation updates record, index, and
// matrix inside one critical section, so the derived structures always
// reflect exactly the records present.
type Store struct {
	mu      sync.RWMutex
	dir     string
	records map[int64]*Record
	order   []int64
	rows    map[int64]int
	index   map[string]map[int64]struct{}
	matrix  [][]float32
	dim     int
}

func NewStore(dir string) *Store {
	s := &Store{dir: dir}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.records = make(map[int64]*Record)
	s.rows = make(map[int64]int)
	s.order = nil
	s.index = make(map[string]map[int64]struct{})
	s.matrix = nil
	s.dim = 0
}

// Append stores a new record and indexes it. An existing MessageID is a
// recognized no-op returning false; errors are reserved for structurally
// invalid records.
func (s *Store) Append(rec Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(rec)
}

func (s *Store) appendLocked(rec Record) (bool, error) {
	if rec.MessageID <= 0 {
		return false, fmt.Errorf("append record: invalid message id: %d", rec.MessageID)
	}
	if _, exists := s.records[rec.MessageID]; exists {
		return false, nil
	}
	if strings.TrimSpace(rec.AuthorHash) == "" {
		return false, fmt.Errorf("append record: message %d: empty author hash", rec.MessageID)
	}
	if len(rec.Embedding) == 0 {
		return false, fmt.Errorf("append record: message %d: empty embedding", rec.MessageID)
	}
	if s.dim > 0 && len(rec.Embedding) != s.dim {
		return false, fmt.Errorf("append record: message %d: embedding dimension %d, store dimension %d", rec.MessageID, len(rec.Embedding), s.dim)
	}
	if s.dim == 0 {
		s.dim = len(rec.Embedding)
	}

	stored := rec.clone()
	s.records[stored.MessageID] = &stored
	s.rows[stored.MessageID] = len(s.order)
	s.order = append(s.order, stored.MessageID)
	s.matrix = append(s.matrix, stored.Embedding)

	for _, hash := range stored.TokenHashes {
		set, ok := s.index[hash]
		if !ok {
			set = make(map[int64]struct{})
			s.index[hash] = set
		}
		set[stored.MessageID] = struct{}{}
	}

	return true, nil
}

// Delete removes a record with its index postings and matrix row. Returns
// the number of records removed, 0 or 1.
func (s *Store) Delete(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return 0
	}

	row := s.rows[id]
	delete(s.records, id)
	delete(s.rows, id)
	s.order = append(s.order[:row], s.order[row+1:]...)
	s.matrix = append(s.matrix[:row], s.matrix[row+1:]...)
	for i := row; i < len(s.order); i++ {
		s.rows[s.order[i]] = i
	}

	for _, hash := range rec.TokenHashes {
		if set, ok := s.index[hash]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.index, hash)
			}
		}
	}

	return 1
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) Has(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.records[id]
	return exists
}

// Get returns a copy of the stored record.
func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return Record{}, false
	}
	return rec.clone(), true
}

// Dim reports the embedding dimension fixed by the first appended record,
// or 0 for an empty store.
func (s *Store) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// IndexSize reports the number of distinct token hashes currently indexed.
func (s *Store) IndexSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// KeywordFilter returns the union of posting sets for the given token
// hashes. Unknown hashes contribute nothing; no match yields an empty set.
func (s *Store) KeywordFilter(hashes []string) map[int64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make(map[int64]struct{})
	for _, hash := range hashes {
		for id := range s.index[hash] {
			matched[id] = struct{}{}
		}
	}
	return matched
}

// SnapshotPath is the durable snapshot location for this store.
func (s *Store) SnapshotPath() string {
	return filepath.Join(s.dir, snapshotFileName)
}

// Flush writes the durable snapshot. The file appears atomically: encode to
// a temporary file in the same directory, sync, then rename over the final
// path, so a concurrently starting reader never observes a partial write.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("flush: create data dir: %w", err)
	}

	data, err := encodeSnapshot(s.snapshotLocked())
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	if err := writeFileAtomic(s.SnapshotPath(), data); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Load merges the snapshot into memory. Records already present win over
// snapshot rows; each loaded row goes through the regular append path so
// index and matrix are rebuilt per record. A missing snapshot is not an
// error.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.SnapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load snapshot: %w", err)
	}

	snap, err := decodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}

	for row := range snap.MessageID {
		rec := Record{
			MessageID:   snap.MessageID[row],
			ChannelID:   snap.ChannelID[row],
			AuthorHash:  snap.AuthorIDHash[row],
			CreatedAt:   snap.CreatedAt[row],
			TokenHashes: snap.TokenHashes[row],
			Embedding:   snap.Embedding[row],
		}
		if _, exists := s.records[rec.MessageID]; exists {
			continue
		}
		if _, err := s.appendLocked(rec); err != nil {
			return fmt.Errorf("load snapshot: row %d: %w", row, err)
		}
	}

	return nil
}

// ArchiveAndReset flushes the store, moves the snapshot into archiveDir
// under a timestamped name, and clears all in-memory state. The whole
// sequence runs under the exclusive lock; on any failure before the rename
// completes, both the snapshot and the in-memory state stay as they were.
// Returns the archive path and the archived row count.
func (s *Store) ArchiveAndReset(archiveDir string) (string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rowCount := len(s.order)
	if err := s.flushLocked(); err != nil {
		return "", 0, err
	}

	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return "", 0, fmt.Errorf("archive: create archive dir: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102-150405.000000000")
	archivePath := filepath.Join(archiveDir, fmt.Sprintf("messages-%s.json", stamp))
	if err := os.Rename(s.SnapshotPath(), archivePath); err != nil {
		return "", 0, fmt.Errorf("archive: move snapshot: %w", err)
	}

	s.resetLocked()
	return archivePath, rowCount, nil
}
