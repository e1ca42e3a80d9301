package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nightjarhq/nightjar/internal/collector"
	"github.com/nightjarhq/nightjar/internal/config"
	"github.com/nightjarhq/nightjar/internal/corpus"
	"github.com/nightjarhq/nightjar/internal/embed"
	"github.com/nightjarhq/nightjar/internal/policy"
	"github.com/nightjarhq/nightjar/internal/profile"
	"github.com/nightjarhq/nightjar/internal/sched"
)

var rootCmd = &cobra.Command{
	Use:   "nightjar",
	Short: "nightjar - privacy-preserving community corpus with hybrid retrieval",
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config, generate a hashing salt, and prepare the data dirs",
	RunE:  runInit,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.jsonl>",
	Short: "Ingest a message dump, one JSON object per line",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Hybrid keyword + semantic search over the corpus",
	RunE:  runSearch,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Archive the current epoch and swap the hashing salt",
	RunE:  runRotate,
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage the scraped profile registry",
}

var profilesPutCmd = &cobra.Command{
	Use:   "put <file.json>",
	Short: "Register a scraped profile document, deduplicated by content",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesPut,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nightjar status",
	RunE:  runStatus,
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the Telegram collector and maintenance until interrupted",
	RunE:  runCollect,
}

var (
	queryFlag      string
	topKFlag       int
	rotateSaltFlag string
	rotateRandFlag bool
)

func init() {
	searchCmd.Flags().StringVarP(&queryFlag, "query", "q", "", "Query text")
	searchCmd.Flags().IntVarP(&topKFlag, "top-k", "k", 0, "Maximum results (default from config)")
	rotateCmd.Flags().StringVar(&rotateSaltFlag, "salt", "", "New salt value")
	rotateCmd.Flags().BoolVar(&rotateRandFlag, "random", false, "Generate a random new salt")
	profilesCmd.AddCommand(profilesPutCmd)
	rootCmd.AddCommand(initCmd, ingestCmd, searchCmd, rotateCmd, profilesCmd, statusCmd, collectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	// Best effort: a missing .env is the common case.
	_ = godotenv.Load()
	return config.LoadConfig()
}

// app bundles the pieces most commands need: the loaded store, the rotation
// manager owning the active salt, and the embedding provider.
type app struct {
	cfg      *config.Config
	store    *corpus.Store
	manager  *corpus.RotationManager
	provider embed.Provider
	metric   corpus.Metric
	topK     int
}

func buildApp(cfg *config.Config) (*app, error) {
	if cfg.Privacy.Salt == "" {
		return nil, fmt.Errorf("salt not set. Run 'nightjar init' or set NIGHTJAR_SALT")
	}

	metric, err := corpus.ParseMetric(cfg.Search.Metric)
	if err != nil {
		return nil, err
	}

	store := corpus.NewStore(cfg.Store.DataDir)
	if err := store.Load(); err != nil {
		return nil, err
	}

	manager, err := corpus.NewRotationManager(store, cfg.ArchiveDir(), cfg.Privacy.Salt)
	if err != nil {
		return nil, err
	}

	provider, err := embed.New(cfg.Embedding, manager.ActiveSalt)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    store,
		manager:  manager,
		provider: provider,
		metric:   metric,
		topK:     cfg.Search.TopK,
	}, nil
}

func (a *app) Close() {
	if c, ok := a.provider.(io.Closer); ok {
		_ = c.Close()
	}
}

// newIngestor binds a fresh ingestor to the currently active epoch.
func (a *app) newIngestor() (*corpus.Ingestor, error) {
	return corpus.NewIngestor(a.store, a.provider, a.manager.ActiveSalt(), a.metric, a.topK)
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		salt, err := sched.RandomSalt()
		if err != nil {
			return err
		}
		cfg.Privacy.Salt = salt
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
		fmt.Println("Generated a fresh hashing salt.")
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.Store.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArchiveDir(), 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	fmt.Printf("Data dir ready: %s\n", cfg.Store.DataDir)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Run 'nightjar ingest dump.jsonl' to index a message dump\n")
	fmt.Printf("  2. Run 'nightjar search -q \"some topic\"'\n")
	fmt.Printf("  3. Edit %s to enable the Telegram collector\n", cfgPath)
	return nil
}

// messageLine is one row of an ingest dump.
type messageLine struct {
	ID        int64  `json:"id"`
	ChannelID int64  `json:"channel_id"`
	AuthorID  int64  `json:"author_id"`
	CreatedAt int64  `json:"created_at"`
	Content   string `json:"content"`
}

func readMessageDump(path string) ([]corpus.Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var msgs []corpus.Message
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row messageLine
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, fmt.Errorf("parse %s line %d: %w", path, lineNo, err)
		}
		msgs = append(msgs, corpus.Message{
			ID:        row.ID,
			ChannelID: row.ChannelID,
			AuthorID:  row.AuthorID,
			CreatedAt: row.CreatedAt,
			Content:   row.Content,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dump: %w", err)
	}
	return msgs, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return ingestFile(cfg, args[0], cmd.OutOrStdout())
}

func ingestFile(cfg *config.Config, path string, out io.Writer) error {
	msgs, err := readMessageDump(path)
	if err != nil {
		return err
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ing, err := a.newIngestor()
	if err != nil {
		return err
	}

	rep, ingestErr := ing.IngestMessages(context.Background(), msgs)
	// Flush whatever made it in, even on a failed batch.
	if err := a.store.Flush(); err != nil {
		return fmt.Errorf("flush store: %w", err)
	}

	fmt.Fprintf(out, "Batch %s: added=%d duplicates=%d skipped=%d failed=%d\n",
		rep.BatchID, rep.Added, rep.Duplicates, rep.Skipped, rep.Failed)
	fmt.Fprintf(out, "Store now holds %d messages.\n", a.store.Len())
	return ingestErr
}

func runSearch(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(queryFlag) == "" {
		return fmt.Errorf("provide a query with -q")
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return searchCorpus(cfg, queryFlag, topKFlag, cmd.OutOrStdout())
}

func searchCorpus(cfg *config.Config, query string, topK int, out io.Writer) error {
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ing, err := a.newIngestor()
	if err != nil {
		return err
	}

	hits, err := ing.SearchText(context.Background(), query, topK)
	if err != nil {
		return err
	}
	if len(hits) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}

	for i, hit := range hits {
		rec, ok := a.store.Get(hit.MessageID)
		if !ok {
			continue
		}
		created := time.Unix(rec.CreatedAt, 0).UTC().Format("2006-01-02 15:04")
		fmt.Fprintf(out, "%2d. message=%-12d channel=%-12d score=%.4f  %s\n",
			i+1, rec.MessageID, rec.ChannelID, hit.Score, created)
	}
	return nil
}

func runRotate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return rotateEpoch(cfg, rotateSaltFlag, rotateRandFlag, cmd.OutOrStdout())
}

func rotateEpoch(cfg *config.Config, newSalt string, random bool, out io.Writer) error {
	if random == (strings.TrimSpace(newSalt) != "") {
		return fmt.Errorf("provide exactly one of --salt or --random")
	}
	if random {
		var err error
		newSalt, err = sched.RandomSalt()
		if err != nil {
			return err
		}
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	archivePath, err := a.manager.Rotate(newSalt)
	if err != nil {
		return err
	}

	cfg.Privacy.Salt = newSalt
	if err := config.SaveConfig(cfg); err != nil {
		return fmt.Errorf("epoch archived to %s but saving the new salt failed: %w", archivePath, err)
	}

	fmt.Fprintf(out, "Rotated. Previous epoch archived: %s\n", archivePath)
	fmt.Fprintln(out, "Hashes from the old epoch are no longer linkable to new ingests.")
	return nil
}

func runProfilesPut(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return putProfile(cfg, args[0], cmd.OutOrStdout())
}

func putProfile(cfg *config.Config, path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse profile %s: %w", path, err)
	}

	reg, err := profile.Open(cfg.Profiles.DBPath)
	if err != nil {
		return err
	}
	defer reg.Close()

	id, added, err := reg.Put(doc, filepath.Base(path))
	if err != nil {
		return err
	}
	if added {
		fmt.Fprintf(out, "Registered %s\n", id)
		return nil
	}
	entry, err := reg.Lookup(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Already registered %s (seen %d times)\n", id, entry.SeenCount)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}
	return printStatus(cfg, cmd.OutOrStdout())
}

func printStatus(cfg *config.Config, out io.Writer) error {
	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Data dir: %s\n", cfg.Store.DataDir)
	fmt.Fprintf(out, "Salt: %s\n", maskSecret(cfg.Privacy.Salt))
	fmt.Fprintf(out, "Embedding: %s (dim=%d)\n", cfg.Embedding.Provider, cfg.Embedding.Dimension)
	fmt.Fprintf(out, "Search: metric=%s top-k=%d\n", cfg.Search.Metric, cfg.Search.TopK)

	store := corpus.NewStore(cfg.Store.DataDir)
	if err := store.Load(); err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
	} else {
		fmt.Fprintf(out, "Store: %d messages, %d indexed token hashes, dim=%d\n",
			store.Len(), store.IndexSize(), store.Dim())
	}

	if _, err := os.Stat(cfg.Profiles.DBPath); err == nil {
		reg, err := profile.Open(cfg.Profiles.DBPath)
		if err == nil {
			if n, err := reg.Count(); err == nil {
				fmt.Fprintf(out, "Profiles: %d registered\n", n)
			}
			_ = reg.Close()
		}
	} else {
		fmt.Fprintln(out, "Profiles: none")
	}

	fmt.Fprintf(out, "Telegram collector: enabled=%v allowlist=%d\n",
		cfg.Collector.Telegram.Enabled, len(cfg.Collector.Telegram.AllowFrom))
	rotate := cfg.Maintenance.RotateCron
	if rotate == "" {
		rotate = "disabled"
	}
	fmt.Fprintf(out, "Maintenance: flush=%s rotate=%s\n", cfg.Maintenance.FlushInterval, rotate)
	return nil
}

func maskSecret(s string) string {
	if s == "" {
		return "not set"
	}
	if len(s) > 8 {
		return s[:4] + "..." + s[len(s)-4:]
	}
	return "set"
}

// collectSignals is injectable for tests.
var collectSignals chan os.Signal

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return collectUntilSignal(cfg, cmd.OutOrStdout())
}

func collectUntilSignal(cfg *config.Config, out io.Writer) error {
	if !cfg.Collector.Telegram.Enabled {
		return fmt.Errorf("telegram collector disabled. Enable it in %s", config.ConfigPath())
	}

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	gate, err := policy.New(cfg.Policy.BlockPatterns)
	if err != nil {
		return err
	}

	// Each batch gets an ingestor bound to the salt active at delivery
	// time, so a rotation mid-run simply rebinds the next batch.
	sink := func(ctx context.Context, msgs []corpus.Message) (corpus.Report, error) {
		ing, err := a.newIngestor()
		if err != nil {
			return corpus.Report{}, err
		}
		return ing.IngestMessages(ctx, msgs)
	}

	tg, err := collector.NewTelegram(cfg.Collector.Telegram, gate, sink, cfg.Collector.BatchSize)
	if err != nil {
		return err
	}

	svc, err := sched.New(a.store, a.manager, cfg.Maintenance)
	if err != nil {
		return err
	}
	svc.OnRotate = func(newSalt, archivePath string) {
		cfg.Privacy.Salt = newSalt
		if err := config.SaveConfig(cfg); err != nil {
			log.Printf("[cli] persist rotated salt: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tg.Start(ctx); err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		_ = tg.Stop()
		return err
	}

	fmt.Fprintln(out, "Collecting. Press Ctrl-C to stop.")

	// Use injected signal channel for testing, or create default
	sigCh := collectSignals
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	}
	<-sigCh

	// Drain the collector first so its last batch lands before the final
	// snapshot is taken.
	fmt.Fprintln(out, "Shutting down...")
	_ = tg.Stop()
	svc.Stop()
	return nil
}
