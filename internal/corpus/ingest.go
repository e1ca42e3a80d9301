package corpus

import (
	"context"
	"fmt"
	"log"
	"strconv"

	"github.com/google/uuid"

	"github.com/nightjarhq/nightjar/internal/embed"
	"github.com/nightjarhq/nightjar/internal/privacy"
)

// Ingestor drives the write and query paths for one hashing epoch. The salt
// is captured at construction: an ingestor built before a rotation keeps
// hashing under the old salt until it is rebuilt, which is what makes
// epochs unlinkable.
type Ingestor struct {
	store    *Store
	provider embed.Provider
	identity *privacy.IdentityHasher
	tokens   *privacy.TokenHasher
	metric   Metric
	topK     int
}

func NewIngestor(store *Store, provider embed.Provider, salt string, metric Metric, topK int) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("new ingestor: nil store")
	}
	if provider == nil {
		return nil, fmt.Errorf("new ingestor: nil embedding provider")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("new ingestor: invalid top-k: %d", topK)
	}

	identity, err := privacy.NewIdentityHasher(salt)
	if err != nil {
		return nil, fmt.Errorf("new ingestor: %w", err)
	}
	tokens, err := privacy.NewTokenHasher(salt)
	if err != nil {
		return nil, fmt.Errorf("new ingestor: %w", err)
	}
	if metric == "" {
		metric = MetricCosine
	}

	return &Ingestor{
		store:    store,
		provider: provider,
		identity: identity,
		tokens:   tokens,
		metric:   metric,
		topK:     topK,
	}, nil
}

// Report summarizes one ingestion batch. Added counts only records newly
// stored; duplicates, validation skips, and embedding failures are tracked
// separately and never abort the batch.
type Report struct {
	BatchID    string
	Added      int
	Duplicates int
	Skipped    int
	Failed     int
}

// IngestMessages hashes, embeds, and stores each message. Per-message
// failures are recovered locally; cancellation stops between messages and
// returns the partial report, leaving every already-appended record fully
// indexed.
func (i *Ingestor) IngestMessages(ctx context.Context, msgs []Message) (Report, error) {
	rep := Report{BatchID: uuid.NewString()}

	for _, msg := range msgs {
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return rep, fmt.Errorf("ingest batch %s: %w", rep.BatchID, err)
			}
		}

		if err := msg.validate(); err != nil {
			rep.Skipped++
			log.Printf("[ingest] skipping message: %v", err)
			continue
		}

		// Duplicate ids are a no-op; checking before the embedding call
		// also avoids paying for a vector that would be thrown away.
		if i.store.Has(msg.ID) {
			rep.Duplicates++
			continue
		}

		emb, err := i.provider.Embed(ctx, msg.Content)
		if err != nil {
			rep.Failed++
			log.Printf("[ingest] embed message %d failed: %v", msg.ID, err)
			continue
		}

		rec := Record{
			MessageID:   msg.ID,
			ChannelID:   msg.ChannelID,
			AuthorHash:  i.identity.Hash(strconv.FormatInt(msg.AuthorID, 10)),
			CreatedAt:   msg.CreatedAt,
			TokenHashes: i.tokens.HashTokens(msg.Content),
			Embedding:   emb,
		}

		added, err := i.store.Append(rec)
		if err != nil {
			rep.Failed++
			log.Printf("[ingest] append message %d failed: %v", msg.ID, err)
			continue
		}
		if added {
			rep.Added++
		} else {
			rep.Duplicates++
		}
	}

	return rep, nil
}

// HashQueryTokens normalizes and hashes query-side tokens with exactly the
// ingestion pipeline, under this ingestor's salt. Hashes are comparable to
// stored token hashes only within the same epoch.
func (i *Ingestor) HashQueryTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		for _, hash := range i.tokens.HashTokens(token) {
			if _, exists := seen[hash]; exists {
				continue
			}
			seen[hash] = struct{}{}
			out = append(out, hash)
		}
	}
	return out
}

// KeywordFilter returns the ids of records matching any of the hashed
// tokens (OR semantics).
func (i *Ingestor) KeywordFilter(hashedTokens []string) map[int64]struct{} {
	return i.store.KeywordFilter(hashedTokens)
}

// Search ranks candidates against a query vector. A nil subset ranks the
// whole store; topK <= 0 falls back to the ingestor's default.
func (i *Ingestor) Search(query []float32, topK int, subset map[int64]struct{}) []Hit {
	if topK <= 0 {
		topK = i.topK
	}
	return i.store.Rank(query, topK, subset, i.metric)
}

// SearchText runs the hybrid query path: hash the query's tokens, restrict
// to keyword matches when any token was extracted, then rank the candidates
// semantically. Text that normalizes to no tokens at all skips the keyword
// stage and ranks the whole store.
func (i *Ingestor) SearchText(ctx context.Context, text string, topK int) ([]Hit, error) {
	hashes := i.tokens.HashTokens(text)

	var subset map[int64]struct{}
	if len(hashes) > 0 {
		subset = i.store.KeywordFilter(hashes)
		if len(subset) == 0 {
			return nil, nil
		}
	}

	query, err := i.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("search text: %w", err)
	}

	return i.Search(query, topK, subset), nil
}

// PurgeMessage removes a record and all derived entries. Purging an absent
// id returns 0 and changes nothing.
func (i *Ingestor) PurgeMessage(id int64) int {
	return i.store.Delete(id)
}
