package collector

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nightjarhq/nightjar/internal/config"
	"github.com/nightjarhq/nightjar/internal/corpus"
	"github.com/nightjarhq/nightjar/internal/policy"
)

const (
	defaultBatchSize   = 16
	batchFlushInterval = 5 * time.Second
	pollTimeoutSeconds = 30
)

// Sink receives adapted message batches. The caller decides how to bind a
// batch to the active hashing epoch, typically by building a fresh ingestor
// per call.
type Sink func(ctx context.Context, msgs []corpus.Message) (corpus.Report, error)

// TelegramBot is the slice of the bot API the collector needs; tests
// substitute a mock.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking).
type BotFactory func(token string) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token string) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

// Telegram long-polls a bot for updates, filters them through the sender
// allowlist and the policy gate, and delivers adapted batches to the sink.
type Telegram struct {
	token      string
	allowFrom  map[string]struct{}
	gate       *policy.Gate
	sink       Sink
	batchSize  int
	bot        TelegramBot
	botFactory BotFactory
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewTelegram(cfg config.TelegramConfig, gate *policy.Gate, sink Sink, batchSize int) (*Telegram, error) {
	return NewTelegramWithFactory(cfg, gate, sink, batchSize, defaultBotFactory)
}

// NewTelegramWithFactory creates a Telegram collector with a custom bot
// factory (for testing).
func NewTelegramWithFactory(cfg config.TelegramConfig, gate *policy.Gate, sink Sink, batchSize int, factory BotFactory) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("collector sink is required")
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var allowFrom map[string]struct{}
	if len(cfg.AllowFrom) > 0 {
		allowFrom = make(map[string]struct{}, len(cfg.AllowFrom))
		for _, id := range cfg.AllowFrom {
			allowFrom[id] = struct{}{}
		}
	}

	return &Telegram{
		token:      cfg.Token,
		allowFrom:  allowFrom,
		gate:       gate,
		sink:       sink,
		batchSize:  batchSize,
		botFactory: factory,
	}, nil
}

// IsAllowed reports whether a sender passes the allowlist. An empty
// allowlist admits everyone.
func (t *Telegram) IsAllowed(senderID string) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	_, ok := t.allowFrom[senderID]
	return ok
}

func (t *Telegram) Start(ctx context.Context) error {
	bot, err := t.botFactory(t.token)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	log.Printf("[collector] authorized as @%s", bot.GetSelf().UserName)

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := t.bot.GetUpdatesChan(u)

	go t.run(ctx, updates)

	log.Printf("[collector] polling started")
	return nil
}

func (t *Telegram) run(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(t.done)

	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()

	batch := make([]corpus.Message, 0, t.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = make([]corpus.Message, 0, t.batchSize)
		// Deliver with a fresh context so a cancelled poll loop still
		// drains its last batch.
		rep, err := t.sink(context.Background(), out)
		if err != nil {
			log.Printf("[collector] deliver batch of %d: %v", len(out), err)
			return
		}
		log.Printf("[collector] batch %s: added=%d dup=%d skip=%d fail=%d",
			rep.BatchID, rep.Added, rep.Duplicates, rep.Skipped, rep.Failed)
	}
	collect := func(update tgbotapi.Update) {
		if update.Message == nil {
			return
		}
		msg, ok := t.screen(update.Message)
		if !ok {
			return
		}
		batch = append(batch, msg)
	}

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				flush()
				return
			}
			collect(update)
			if len(batch) >= t.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// Drain updates already received before shutting down.
			for draining := true; draining; {
				select {
				case update, ok := <-updates:
					if !ok {
						draining = false
						break
					}
					collect(update)
				default:
					draining = false
				}
			}
			flush()
			return
		}
	}
}

// screen adapts one gateway message and applies the boundary filters. Both
// rejections log the sender or message id, never the content.
func (t *Telegram) screen(raw *tgbotapi.Message) (corpus.Message, bool) {
	msg, ok := FromTelegram(raw)
	if !ok {
		return corpus.Message{}, false
	}

	senderID := strconv.FormatInt(msg.AuthorID, 10)
	if !t.IsAllowed(senderID) {
		log.Printf("[collector] rejected message from %s", senderID)
		return corpus.Message{}, false
	}

	if t.gate != nil {
		if pattern, blocked := t.gate.Blocked(msg.Content); blocked {
			log.Printf("[collector] blocked message %d (pattern %q)", msg.ID, pattern)
			return corpus.Message{}, false
		}
	}

	return msg, true
}

func (t *Telegram) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	if t.done != nil {
		<-t.done
	}
	log.Printf("[collector] stopped")
	return nil
}
