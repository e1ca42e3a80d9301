package sched

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/nightjarhq/nightjar/internal/config"
	"github.com/nightjarhq/nightjar/internal/corpus"
)

func seedStore(t *testing.T, store *corpus.Store) {
	t.Helper()
	added, err := store.Append(corpus.Record{
		MessageID:   1,
		ChannelID:   1,
		AuthorHash:  "aabbcc",
		CreatedAt:   1700000000,
		TokenHashes: []string{"hash-a"},
		Embedding:   []float32{1, 0},
	})
	if err != nil || !added {
		t.Fatalf("seed record: added=%v err=%v", added, err)
	}
}

func TestRandomSalt(t *testing.T) {
	a, err := RandomSalt()
	if err != nil {
		t.Fatalf("RandomSalt: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(a) {
		t.Fatalf("salt %q is not 256-bit hex", a)
	}
	b, err := RandomSalt()
	if err != nil {
		t.Fatalf("RandomSalt: %v", err)
	}
	if a == b {
		t.Fatal("two salts should not collide")
	}
}

func TestNew_Validation(t *testing.T) {
	store := corpus.NewStore(t.TempDir())

	if _, err := New(nil, nil, config.MaintenanceConfig{}); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(store, nil, config.MaintenanceConfig{FlushInterval: "soon"}); err == nil {
		t.Error("expected error for unparsable flush interval")
	}
	if _, err := New(store, nil, config.MaintenanceConfig{FlushInterval: "-5s"}); err == nil {
		t.Error("expected error for negative flush interval")
	}
	if _, err := New(store, nil, config.MaintenanceConfig{RotateCron: "0 0 3 * * 0"}); err == nil {
		t.Error("expected error for rotation schedule without a manager")
	}
}

func TestService_StartRejectsBadCron(t *testing.T) {
	base := t.TempDir()
	store := corpus.NewStore(filepath.Join(base, "data"))
	mgr, err := corpus.NewRotationManager(store, filepath.Join(base, "archive"), "epoch-1")
	if err != nil {
		t.Fatalf("NewRotationManager: %v", err)
	}

	svc, err := New(store, mgr, config.MaintenanceConfig{RotateCron: "not a schedule"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestService_PeriodicFlush(t *testing.T) {
	store := corpus.NewStore(filepath.Join(t.TempDir(), "data"))
	seedStore(t, store)

	svc, err := New(store, nil, config.MaintenanceConfig{FlushInterval: "20ms"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(store.SnapshotPath()); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("snapshot never flushed")
}

func TestService_StopTakesFinalSnapshot(t *testing.T) {
	store := corpus.NewStore(filepath.Join(t.TempDir(), "data"))
	seedStore(t, store)

	// No flush interval: only the shutdown flush should write.
	svc, err := New(store, nil, config.MaintenanceConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Stop()

	if _, err := os.Stat(store.SnapshotPath()); err != nil {
		t.Fatalf("no snapshot after Stop: %v", err)
	}
}

func TestService_ScheduledRotation(t *testing.T) {
	base := t.TempDir()
	store := corpus.NewStore(filepath.Join(base, "data"))
	seedStore(t, store)
	mgr, err := corpus.NewRotationManager(store, filepath.Join(base, "archive"), "epoch-1")
	if err != nil {
		t.Fatalf("NewRotationManager: %v", err)
	}

	svc, err := New(store, mgr, config.MaintenanceConfig{RotateCron: "* * * * * *"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type rotation struct {
		salt string
		path string
	}
	rotated := make(chan rotation, 1)
	svc.OnRotate = func(newSalt, archivePath string) {
		select {
		case rotated <- rotation{salt: newSalt, path: archivePath}:
		default:
		}
	}

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	select {
	case r := <-rotated:
		if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(r.salt) {
			t.Fatalf("rotated salt %q is not generated hex", r.salt)
		}
		if mgr.ActiveSalt() != r.salt {
			t.Fatalf("active salt %q does not match rotated salt", mgr.ActiveSalt())
		}
		if _, err := os.Stat(r.path); err != nil {
			t.Fatalf("archive missing: %v", err)
		}
		if store.Len() != 0 {
			t.Fatalf("store holds %d rows after rotation", store.Len())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled rotation never fired")
	}
}
