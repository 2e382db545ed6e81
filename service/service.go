package service

import (
	"context"
	"log"
	"time"

	"lyric-bot/model"
	"lyric-bot/router"
	"lyric-bot/storage"
)

// Service управляет жизненным циклом роутера.
type Service struct {
	router *router.Router
}

// New создаёт Service с уже собранным роутером.
func New(r *router.Router) *Service {
	return &Service{router: r}
}

// Run блокируется, пока поток не закончится, не отменится контекст или не случится ошибка.
func (s *Service) Run(ctx context.Context) error {
	return s.router.Run(ctx)
}

// EventNames — события потока, которые сохраняются в базу.
var EventNames = []string{"notice", "clearchat", "sub", "resub", "subgift", "raid"}

type replyQueue interface {
	Enqueue(storage.SentReply) bool
}

// Handler связывает роутер с хранилищем: сохраняет события потока и
// отправленные ответы.
type Handler struct {
	replies      replyQueue
	db           storage.Execer
	flushTimeout time.Duration
}

// NewHandler собирает Handler, используемый колбэками роутера.
func NewHandler(replies replyQueue, db storage.Execer, flushTimeout time.Duration) *Handler {
	return &Handler{replies: replies, db: db, flushTimeout: flushTimeout}
}

// Events возвращает обработчики событий для router.Config.Handlers.
func (h *Handler) Events() router.Handlers {
	handlers := make(router.Handlers, len(EventNames))
	for _, name := range EventNames {
		handlers[name] = h.HandleEvent
	}
	return handlers
}

// HandleEvent сохраняет событие потока. Ошибка базы не останавливает бота.
func (h *Handler) HandleEvent(ctx context.Context, ev model.StreamEvent) error {
	if err := storage.SaveEvent(ctx, h.db, ev, h.flushTimeout); err != nil {
		log.Printf("ошибка сохранения события %s для #%s: %v", ev.Name, ev.Channel, err)
	}
	return nil
}

// HandleReply ставит отправленный ответ в очередь батчера.
func (h *Handler) HandleReply(_ context.Context, reply model.Reply) {
	if ok := h.replies.Enqueue(storage.SentReply{Reply: reply, SentAt: time.Now()}); !ok {
		log.Printf("батчер: ответ на %s отброшен", reply.InReplyTo)
	}
}
