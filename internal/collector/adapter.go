// Package collector feeds gateway messages into ingestion. It is the only
// package that imports the gateway SDK; everything past the adapter sees
// the reduced upstream message shape.
package collector

import (
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/nightjarhq/nightjar/internal/corpus"
)

// FromTelegram reduces a gateway message to the upstream shape ingestion
// consumes. Captioned media uses the caption as content. Returns false when
// a required field is absent; such messages are dropped at the boundary.
func FromTelegram(msg *tgbotapi.Message) (corpus.Message, bool) {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return corpus.Message{}, false
	}

	content := msg.Text
	if content == "" && msg.Caption != "" {
		content = msg.Caption
	}
	if strings.TrimSpace(content) == "" {
		return corpus.Message{}, false
	}
	if msg.MessageID <= 0 || msg.Date <= 0 {
		return corpus.Message{}, false
	}
	if msg.Chat.ID == 0 || msg.From.ID <= 0 {
		return corpus.Message{}, false
	}

	return corpus.Message{
		ID:        int64(msg.MessageID),
		ChannelID: msg.Chat.ID,
		AuthorID:  msg.From.ID,
		CreatedAt: int64(msg.Date),
		Content:   content,
	}, true
}
