package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const snapshotVersion = 1

// ErrCorruptSnapshot marks structural damage in a snapshot file, as opposed
// to plain I/O failures. Check with errors.Is.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// snapshotFile is the columnar durable form: one parallel array per record
// field, row-aligned across all six columns.
type snapshotFile struct {
	Version      int         `json:"version"`
	Dim          int         `json:"dim"`
	MessageID    []int64     `json:"message_id"`
	ChannelID    []int64     `json:"channel_id"`
	AuthorIDHash []string    `json:"author_id_hash"`
	CreatedAt    []int64     `json:"created_at"`
	TokenHashes  [][]string  `json:"token_hashes"`
	Embedding    [][]float32 `json:"embedding"`
}

func (s *Store) snapshotLocked() *snapshotFile {
	snap := &snapshotFile{
		Version:      snapshotVersion,
		Dim:          s.dim,
		MessageID:    make([]int64, 0, len(s.order)),
		ChannelID:    make([]int64, 0, len(s.order)),
		AuthorIDHash: make([]string, 0, len(s.order)),
		CreatedAt:    make([]int64, 0, len(s.order)),
		TokenHashes:  make([][]string, 0, len(s.order)),
		Embedding:    make([][]float32, 0, len(s.order)),
	}

	for _, id := range s.order {
		rec := s.records[id]
		snap.MessageID = append(snap.MessageID, rec.MessageID)
		snap.ChannelID = append(snap.ChannelID, rec.ChannelID)
		snap.AuthorIDHash = append(snap.AuthorIDHash, rec.AuthorHash)
		snap.CreatedAt = append(snap.CreatedAt, rec.CreatedAt)
		snap.TokenHashes = append(snap.TokenHashes, rec.TokenHashes)
		snap.Embedding = append(snap.Embedding, rec.Embedding)
	}

	return snap
}

func encodeSnapshot(snap *snapshotFile) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*snapshotFile, error) {
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	if err := validateSnapshot(&snap); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

func validateSnapshot(snap *snapshotFile) error {
	if snap.Version != snapshotVersion {
		return fmt.Errorf("unsupported version %d", snap.Version)
	}

	rows := len(snap.MessageID)
	if len(snap.ChannelID) != rows ||
		len(snap.AuthorIDHash) != rows ||
		len(snap.CreatedAt) != rows ||
		len(snap.TokenHashes) != rows ||
		len(snap.Embedding) != rows {
		return fmt.Errorf("misaligned columns: %d/%d/%d/%d/%d/%d",
			rows, len(snap.ChannelID), len(snap.AuthorIDHash),
			len(snap.CreatedAt), len(snap.TokenHashes), len(snap.Embedding))
	}

	if rows > 0 && snap.Dim <= 0 {
		return fmt.Errorf("missing embedding dimension for %d rows", rows)
	}
	for row, emb := range snap.Embedding {
		if len(emb) != snap.Dim {
			return fmt.Errorf("row %d: embedding dimension %d, snapshot dimension %d", row, len(emb), snap.Dim)
		}
	}

	return nil
}

// writeFileAtomic writes data to a sibling temporary file, syncs it, and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
