package corpus

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrRotationAborted marks a rotation that failed before the salt swap. The
// active salt, the snapshot, and the in-memory store are all unchanged when
// this is returned. Check with errors.Is.
var ErrRotationAborted = errors.New("rotation aborted")

// RotationManager owns the active salt and performs epoch rotations against
// its store. Ingestors are built from ActiveSalt; after a successful Rotate
// they must be rebuilt to pick up the new epoch.
type RotationManager struct {
	mu         sync.Mutex
	store      *Store
	archiveDir string
	activeSalt string
}

func NewRotationManager(store *Store, archiveDir, initialSalt string) (*RotationManager, error) {
	if store == nil {
		return nil, fmt.Errorf("new rotation manager: nil store")
	}
	if strings.TrimSpace(archiveDir) == "" {
		return nil, fmt.Errorf("new rotation manager: empty archive dir")
	}
	if strings.TrimSpace(initialSalt) == "" {
		return nil, fmt.Errorf("new rotation manager: empty initial salt")
	}

	return &RotationManager{
		store:      store,
		archiveDir: archiveDir,
		activeSalt: initialSalt,
	}, nil
}

func (m *RotationManager) ActiveSalt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeSalt
}

// Rotate ends the current epoch: flush the store, move its snapshot to a
// timestamped archive path, reset the in-memory state, and only then swap
// the active salt. Any failure before the swap returns ErrRotationAborted
// with everything left as it was. Returns the archive path.
func (m *RotationManager) Rotate(newSalt string) (string, error) {
	newSalt = strings.TrimSpace(newSalt)
	if newSalt == "" {
		return "", fmt.Errorf("rotate salt: empty new salt")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if newSalt == m.activeSalt {
		return "", fmt.Errorf("rotate salt: new salt equals the active salt")
	}

	archivePath, rows, err := m.store.ArchiveAndReset(m.archiveDir)
	if err != nil {
		return "", fmt.Errorf("rotate salt: %w: %w", ErrRotationAborted, err)
	}

	m.activeSalt = newSalt
	m.writeManifest(archivePath, rows)
	log.Printf("[rotation] epoch rotated, %d rows archived to %s", rows, archivePath)

	return archivePath, nil
}

type archiveManifest struct {
	Rows       int    `yaml:"rows"`
	ArchivedAt string `yaml:"archived_at"`
	Snapshot   string `yaml:"snapshot"`
}

// writeManifest drops a small sidecar next to the archive describing what
// was rotated out. Best effort: the rotation already succeeded, so a
// manifest failure is only logged.
func (m *RotationManager) writeManifest(archivePath string, rows int) {
	manifest := archiveManifest{
		Rows:       rows,
		ArchivedAt: time.Now().UTC().Format(time.RFC3339),
		Snapshot:   filepath.Base(archivePath),
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		log.Printf("[rotation] marshal manifest: %v", err)
		return
	}
	if err := os.WriteFile(archivePath+".manifest.yaml", data, 0644); err != nil {
		log.Printf("[rotation] write manifest: %v", err)
	}
}
