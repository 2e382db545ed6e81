package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"lyric-bot/model"
)

// Execer пишет события: *pgxpool.Pool или транзакция.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SaveEvent сохраняет событие потока в базе с учётом заданного таймаута.
func SaveEvent(ctx context.Context, db Execer, ev model.StreamEvent, timeout time.Duration) error {
	dbCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tagsJSON, _ := json.Marshal(ev.Tags)

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := db.Exec(dbCtx, `
insert into stream_events (
  name, channel, message, tags, event_at
) values ($1, $2, $3, $4, $5);
`, ev.Name, nullString(ev.Channel), nullString(ev.Text), tagsJSON, at.UTC())

	return err
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
