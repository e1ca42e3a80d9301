package corpus

import (
	"fmt"
	"strings"
)

// Record is a stored message after hashing. It never carries the raw author
// identifier or raw content tokens, only their salted digests.
type Record struct {
	MessageID   int64
	ChannelID   int64
	AuthorHash  string
	CreatedAt   int64
	TokenHashes []string
	Embedding   []float32
}

func (r Record) clone() Record {
	out := r
	out.TokenHashes = append([]string(nil), r.TokenHashes...)
	out.Embedding = append([]float32(nil), r.Embedding...)
	return out
}

// Message is the upstream shape ingestion consumes. Gateway adapters reduce
// whatever they receive down to these five fields before anything reaches
// the ingest path.
type Message struct {
	ID        int64
	ChannelID int64
	AuthorID  int64
	CreatedAt int64
	Content   string
}

func (m Message) validate() error {
	if m.ID <= 0 {
		return fmt.Errorf("message missing id")
	}
	// Channel ids only need to be present; some gateways use negative ids
	// for group channels.
	if m.ChannelID == 0 {
		return fmt.Errorf("message %d: missing channel id", m.ID)
	}
	if m.AuthorID <= 0 {
		return fmt.Errorf("message %d: missing author id", m.ID)
	}
	if m.CreatedAt <= 0 {
		return fmt.Errorf("message %d: missing created-at timestamp", m.ID)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("message %d: blank content", m.ID)
	}
	return nil
}
