package storage

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lyric-bot/model"
)

// BatchConfig задаёт параметры батчинга для вставки отправленных ответов.
type BatchConfig struct {
	MaxBatch      int
	FlushEvery    time.Duration
	ChanBuffer    int
	StatsLogEvery time.Duration
	FlushTimeout  time.Duration
}

// SentReply описывает ответ, который бот успешно отправил.
type SentReply struct {
	Reply  model.Reply
	SentAt time.Time
}

// Batcher асинхронно пишет отправленные ответы через pgx.Batch.
type Batcher struct {
	input   chan SentReply
	config  BatchConfig
	sender  batchSender
	dropped atomic.Uint64
	done    chan struct{}
}

type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// NewBatcher создаёт батчер и запускает фоновые флаши.
func NewBatcher(ctx context.Context, pool *pgxpool.Pool, cfg BatchConfig) *Batcher {
	return newBatcher(ctx, pool, cfg)
}

// Enqueue пытается добавить ответ в очередь; при переполнении возвращает false.
func (b *Batcher) Enqueue(r SentReply) bool {
	select {
	case b.input <- r:
		return true
	default:
		dropped := b.dropped.Add(1)
		if dropped%100 == 0 {
			log.Printf("батчер: очередь заполнена, всего отброшено %d ответов", dropped)
		}
		return false
	}
}

// Dropped возвращает число ответов, отброшенных из-за переполнения.
func (b *Batcher) Dropped() uint64 {
	return b.dropped.Load()
}

// Done закрывается после финального флаша при отмене контекста.
func (b *Batcher) Done() <-chan struct{} {
	return b.done
}

func (b *Batcher) run(ctx context.Context) {
	defer close(b.done)

	flushTicker := time.NewTicker(b.config.FlushEvery)
	statsTicker := time.NewTicker(b.config.StatsLogEvery)
	defer flushTicker.Stop()
	defer statsTicker.Stop()

	var (
		batch            = &pgx.Batch{}
		pending          = 0
		totalInserted    uint64
		intervalInserted uint64
	)

	const q = `
insert into bot_replies (
  channel, in_reply_to, addressees, body, sent_at
) values ($1,$2,$3,$4,$5)
on conflict do nothing;`

	flush := func() {
		if pending == 0 {
			return
		}

		dbCtx, cancel := context.WithTimeout(context.Background(), b.config.FlushTimeout)
		defer cancel()

		br := b.sender.SendBatch(dbCtx, batch)
		if err := br.Close(); err != nil {
			log.Printf("ошибка флаша батчера: %v", err)
		}

		totalInserted += uint64(pending)
		intervalInserted += uint64(pending)

		batch = &pgx.Batch{}
		pending = 0
	}

	for {
		select {
		case <-ctx.Done():
			b.drain(batch, &pending, q)
			flush()
			log.Printf("батчер: контекст отменён, всего записано ответов = %d", totalInserted)
			return
		case <-flushTicker.C:
			flush()
		case <-statsTicker.C:
			log.Printf(
				"батчер: записано %d ответов за %s (всего %d)",
				intervalInserted, b.config.StatsLogEvery, totalInserted,
			)
			intervalInserted = 0
		case r := <-b.input:
			queueReply(batch, q, r)
			pending++
			if pending >= b.config.MaxBatch {
				flush()
			}
		}
	}
}

// drain забирает то, что уже лежит в очереди, чтобы не потерять при остановке.
func (b *Batcher) drain(batch *pgx.Batch, pending *int, q string) {
	for {
		select {
		case r := <-b.input:
			queueReply(batch, q, r)
			*pending++
		default:
			return
		}
	}
}

func queueReply(batch *pgx.Batch, q string, r SentReply) {
	addressees := make([]string, 0, len(r.Reply.Addressees))
	for _, u := range r.Reply.Addressees {
		addressees = append(addressees, string(u))
	}

	batch.Queue(q,
		nullString(r.Reply.InReplyTo.Channel), nullString(r.Reply.InReplyTo.ID),
		addressees, r.Reply.Body, r.SentAt.UTC(),
	)
}

func newBatcher(ctx context.Context, sender batchSender, cfg BatchConfig) *Batcher {
	b := &Batcher{
		input:  make(chan SentReply, cfg.ChanBuffer),
		config: cfg,
		sender: sender,
		done:   make(chan struct{}),
	}

	go b.run(ctx)

	return b
}
