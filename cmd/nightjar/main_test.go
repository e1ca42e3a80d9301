package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nightjarhq/nightjar/internal/config"
	"github.com/nightjarhq/nightjar/internal/corpus"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Privacy.Salt = "test-epoch-salt"
	cfg.Store.DataDir = filepath.Join(base, "data")
	cfg.Store.ArchiveDir = filepath.Join(base, "archive")
	cfg.Profiles.DBPath = filepath.Join(base, "profiles.db")
	cfg.Embedding = config.EmbeddingConfig{Provider: "lite", Dimension: 32}
	cfg.Search = config.SearchConfig{TopK: 5, Metric: "cosine"}
	return cfg
}

func writeDump(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dump.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write dump: %v", err)
	}
	return path
}

func TestReadMessageDump(t *testing.T) {
	path := writeDump(t,
		`{"id":101,"channel_id":7,"author_id":42,"created_at":1700000001,"content":"vector alpha beta"}`,
		``,
		`{"id":102,"channel_id":7,"author_id":43,"created_at":1700000002,"content":"gamma delta"}`,
	)

	msgs, err := readMessageDump(path)
	if err != nil {
		t.Fatalf("readMessageDump: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (blank line skipped)", len(msgs))
	}
	want := corpus.Message{ID: 101, ChannelID: 7, AuthorID: 42, CreatedAt: 1700000001, Content: "vector alpha beta"}
	if msgs[0] != want {
		t.Fatalf("msgs[0] = %+v, want %+v", msgs[0], want)
	}
}

func TestReadMessageDump_Malformed(t *testing.T) {
	path := writeDump(t, `{"id":1,`)
	if _, err := readMessageDump(path); err == nil {
		t.Fatal("expected error for malformed line")
	}
	if _, err := readMessageDump(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestIngestFileAndSearch(t *testing.T) {
	cfg := testConfig(t)
	dump := writeDump(t,
		`{"id":101,"channel_id":7,"author_id":42,"created_at":1700000001,"content":"vector database alpha"}`,
		`{"id":102,"channel_id":7,"author_id":43,"created_at":1700000002,"content":"gamma delta epsilon"}`,
		`{"id":103,"channel_id":7,"author_id":42,"created_at":1700000003,"content":"unrelated chatter"}`,
	)

	var out bytes.Buffer
	if err := ingestFile(cfg, dump, &out); err != nil {
		t.Fatalf("ingestFile: %v", err)
	}
	if !strings.Contains(out.String(), "added=3") {
		t.Fatalf("output = %q, want added=3", out.String())
	}

	store := corpus.NewStore(cfg.Store.DataDir)
	if _, err := os.Stat(store.SnapshotPath()); err != nil {
		t.Fatalf("ingest did not flush a snapshot: %v", err)
	}

	// The keyword stage restricts candidates to the one message containing
	// the query token.
	out.Reset()
	if err := searchCorpus(cfg, "alpha", 5, &out); err != nil {
		t.Fatalf("searchCorpus: %v", err)
	}
	if !strings.Contains(out.String(), "message=101") {
		t.Fatalf("search output = %q, want message=101", out.String())
	}
	if strings.Contains(out.String(), "message=102") {
		t.Fatalf("search output leaked a non-matching message: %q", out.String())
	}

	out.Reset()
	if err := searchCorpus(cfg, "zzzqq", 5, &out); err != nil {
		t.Fatalf("searchCorpus: %v", err)
	}
	if !strings.Contains(out.String(), "No results.") {
		t.Fatalf("search output = %q, want no results", out.String())
	}
}

func TestIngestFile_Replay(t *testing.T) {
	cfg := testConfig(t)
	dump := writeDump(t,
		`{"id":1,"channel_id":7,"author_id":1,"created_at":1,"content":"one"}`,
		`{"id":2,"channel_id":7,"author_id":1,"created_at":2,"content":"two"}`,
	)

	var out bytes.Buffer
	if err := ingestFile(cfg, dump, &out); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	out.Reset()
	if err := ingestFile(cfg, dump, &out); err != nil {
		t.Fatalf("replay ingest: %v", err)
	}
	if !strings.Contains(out.String(), "added=0") || !strings.Contains(out.String(), "duplicates=2") {
		t.Fatalf("replay output = %q, want added=0 duplicates=2", out.String())
	}
}

func TestRotateEpoch(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg := testConfig(t)

	var out bytes.Buffer
	if err := rotateEpoch(cfg, "", false, &out); err == nil {
		t.Fatal("expected error when neither --salt nor --random given")
	}
	if err := rotateEpoch(cfg, "next-salt", true, &out); err == nil {
		t.Fatal("expected error when both --salt and --random given")
	}

	if err := rotateEpoch(cfg, "next-salt", false, &out); err != nil {
		t.Fatalf("rotateEpoch: %v", err)
	}
	if cfg.Privacy.Salt != "next-salt" {
		t.Fatalf("config salt = %q, want next-salt", cfg.Privacy.Salt)
	}

	// The new salt must be durable across restarts.
	data, err := os.ReadFile(config.ConfigPath())
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	var saved config.Config
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("parse saved config: %v", err)
	}
	if saved.Privacy.Salt != "next-salt" {
		t.Fatalf("saved salt = %q, want next-salt", saved.Privacy.Salt)
	}

	entries, err := os.ReadDir(cfg.Store.ArchiveDir)
	if err != nil || len(entries) == 0 {
		t.Fatalf("archive dir empty after rotation: %v", err)
	}
}

func TestPutProfile_Deduplicates(t *testing.T) {
	cfg := testConfig(t)
	dir := t.TempDir()

	first := filepath.Join(dir, "scrape-a.json")
	second := filepath.Join(dir, "scrape-b.json")
	// Same document, different key order.
	if err := os.WriteFile(first, []byte(`{"handle":"nightowl","site":"https://example.org"}`), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if err := os.WriteFile(second, []byte(`{"site":"https://example.org","handle":"nightowl"}`), 0644); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	var out bytes.Buffer
	if err := putProfile(cfg, first, &out); err != nil {
		t.Fatalf("putProfile: %v", err)
	}
	if !strings.Contains(out.String(), "Registered ") {
		t.Fatalf("output = %q, want a registration", out.String())
	}

	out.Reset()
	if err := putProfile(cfg, second, &out); err != nil {
		t.Fatalf("putProfile reorder: %v", err)
	}
	if !strings.Contains(out.String(), "Already registered ") {
		t.Fatalf("output = %q, want dedup notice", out.String())
	}
	if !strings.Contains(out.String(), "seen 2 times") {
		t.Fatalf("output = %q, want seen count", out.String())
	}
}

func TestPrintStatus(t *testing.T) {
	cfg := testConfig(t)

	var out bytes.Buffer
	if err := printStatus(cfg, &out); err != nil {
		t.Fatalf("printStatus: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Salt: test...salt") {
		t.Fatalf("status = %q, want masked salt", got)
	}
	if strings.Contains(got, "test-epoch-salt") {
		t.Fatal("status leaked the raw salt")
	}
	if !strings.Contains(got, "Store: 0 messages") {
		t.Fatalf("status = %q, want empty store line", got)
	}
	if !strings.Contains(got, "Profiles: none") {
		t.Fatalf("status = %q, want no profiles line", got)
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret(""); got != "not set" {
		t.Errorf("maskSecret(empty) = %q", got)
	}
	if got := maskSecret("short"); got != "set" {
		t.Errorf("maskSecret(short) = %q", got)
	}
	if got := maskSecret("abcdefghijkl"); got != "abcd...ijkl" {
		t.Errorf("maskSecret(long) = %q", got)
	}
}

func TestBuildApp_RequiresSalt(t *testing.T) {
	cfg := testConfig(t)
	cfg.Privacy.Salt = ""
	if _, err := buildApp(cfg); err == nil {
		t.Fatal("expected error without a salt")
	}
}

func TestCollect_RequiresEnabledCollector(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	if err := collectUntilSignal(cfg, &out); err == nil {
		t.Fatal("expected error when the collector is disabled")
	}
}
