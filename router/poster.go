package router

import (
	"context"
	"log/slog"

	"lyric-bot/logging"
	"lyric-bot/model"
)

// LogPoster вместо отправки пишет сообщение в лог с уровнем CRITICAL.
// Используется в диагностическом режиме вместо настоящего Poster.
type LogPoster struct {
	Log *slog.Logger
}

// Post реализует Poster.
func (p LogPoster) Post(_ context.Context, body string, inReplyTo model.MessageID) error {
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	logging.Critical(log, `SEND: "`+body+`"`, "in_reply_to", inReplyTo.String())
	return nil
}
