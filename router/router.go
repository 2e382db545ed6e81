package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"lyric-bot/logging"
	"lyric-bot/metrics"
	"lyric-bot/model"
)

var (
	// ErrTransport: поток не удалось получить или прочитать.
	ErrTransport = errors.New("router: transport error")
	// ErrPost: ответ не удалось отправить.
	ErrPost = errors.New("router: post error")
)

// Stream отдаёт записи по одной. io.EOF означает, что записи закончились.
type Stream interface {
	Next(ctx context.Context) (model.Record, error)
	Close() error
}

// Source открывает новый поток записей.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Poster отправляет сообщение, опционально как ответ на inReplyTo.
type Poster interface {
	Post(ctx context.Context, body string, inReplyTo model.MessageID) error
}

// Selector подбирает строку ответа под текст упоминания.
type Selector interface {
	Select(query string) (string, error)
}

// Logger принимает диагностические события. *slog.Logger подходит.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// EventHandler обрабатывает именованное событие потока.
type EventHandler func(ctx context.Context, ev model.StreamEvent) error

// Handlers сопоставляет имя события и обработчик.
type Handlers map[string]EventHandler

// ReplyHandler получает каждый успешно отправленный ответ.
type ReplyHandler func(ctx context.Context, reply model.Reply)

// Config собирает зависимости роутера.
type Config struct {
	Self     model.Username
	Source   Source
	Poster   Poster
	Selector Selector
	Logger   Logger
	Handlers Handlers
	OnReply  ReplyHandler
}

// Router читает записи из потока и раскладывает их по обработчикам.
type Router struct {
	self     model.Username
	source   Source
	poster   Poster
	selector Selector
	log      Logger
	handlers Handlers
	onReply  ReplyHandler

	stream Stream
	state  atomic.Int32
}

// New проверяет зависимости и создаёт Router в состоянии Idle.
func New(cfg Config) (*Router, error) {
	if cfg.Self == "" {
		return nil, errors.New("router: self username is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("router: source is required")
	}
	if cfg.Poster == nil {
		return nil, errors.New("router: poster is required")
	}
	if cfg.Selector == nil {
		return nil, errors.New("router: selector is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	handlers := make(Handlers, len(cfg.Handlers))
	for name, h := range cfg.Handlers {
		handlers[name] = h
	}

	return &Router{
		self:     cfg.Self,
		source:   cfg.Source,
		poster:   cfg.Poster,
		selector: cfg.Selector,
		log:      log,
		handlers: handlers,
		onReply:  cfg.OnReply,
	}, nil
}

// State возвращает текущее состояние роутера.
func (r *Router) State() State {
	return State(r.state.Load())
}

func (r *Router) setState(s State) {
	r.state.Store(int32(s))
}

// Run открывает поток и обрабатывает записи строго по порядку, пока поток
// не закончится, не отменится контекст или обработка не вернёт ошибку.
// Без ошибки Run завершается, только когда поток исчерпан.
func (r *Router) Run(ctx context.Context) error {
	defer r.setState(Terminated)
	defer r.closeStream()

	if err := r.initialize(ctx); err != nil {
		return err
	}

	for {
		rec, err := r.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			r.log.Info("stream exhausted")
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: next record: %w", ErrTransport, err)
		}

		if err := r.Dispatch(ctx, rec); err != nil {
			return err
		}
	}
}

// Dispatch обрабатывает одну запись. Нераспознанные записи пропускаются без ошибки.
func (r *Router) Dispatch(ctx context.Context, rec model.Record) error {
	r.log.Debug("record", "record", fmt.Sprintf("%+v", rec))

	switch v := rec.(type) {
	case model.StreamEvent:
		metrics.RecordsTotal.WithLabelValues("event").Inc()
		return r.handleEvent(ctx, v)
	case model.Hangup:
		metrics.RecordsTotal.WithLabelValues("hangup").Inc()
		return r.reconnect(ctx)
	case model.Mention:
		metrics.RecordsTotal.WithLabelValues("mention").Inc()
		return r.handleMention(ctx, v)
	case model.Unrecognized:
		metrics.RecordsTotal.WithLabelValues("unrecognized").Inc()
		r.log.Debug("ignoring unrecognized record", "keys", v.Keys)
		return nil
	default:
		metrics.RecordsTotal.WithLabelValues("unrecognized").Inc()
		r.log.Debug("ignoring unrecognized record", "record", fmt.Sprintf("%T", rec))
		return nil
	}
}

func (r *Router) initialize(ctx context.Context) error {
	stream, err := r.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: open stream: %w", ErrTransport, err)
	}
	r.stream = stream
	r.setState(Streaming)
	r.log.Debug("stream opened")
	return nil
}

// reconnect сразу, без задержки, открывает новый поток вместо разорванного.
// Повторов и backoff нет: если новый поток не открылся, это фатально.
func (r *Router) reconnect(ctx context.Context) error {
	r.log.Warn("stream hangup, reconnecting")
	r.setState(Reconnecting)
	metrics.Reconnects.Inc()

	r.closeStream()
	return r.initialize(ctx)
}

func (r *Router) closeStream() {
	if r.stream == nil {
		return
	}
	if err := r.stream.Close(); err != nil {
		r.log.Warn("close stream", "error", err)
	}
	r.stream = nil
}

func (r *Router) handleEvent(ctx context.Context, ev model.StreamEvent) error {
	h, ok := r.handlers[ev.Name]
	if !ok {
		r.log.Info("unhandled event", "event", ev.Name)
		return nil
	}

	r.log.Info("handling event", "event", ev.Name)
	if err := h(ctx, ev); err != nil {
		return fmt.Errorf("event %q: %w", ev.Name, err)
	}
	return nil
}

func (r *Router) handleMention(ctx context.Context, m model.Mention) error {
	r.log.Info("handling mention", "author", m.Author, "text", m.Text)

	to, reason := Addressees(r.self, m)
	if reason != "" {
		metrics.MentionsIgnored.WithLabelValues(reason).Inc()
		r.log.Debug("mention ignored", "reason", reason, "id", m.ID.String())
		return nil
	}

	body, err := r.selector.Select(m.Text)
	if err != nil {
		return fmt.Errorf("select lyric for %s: %w", m.ID, err)
	}

	reply := model.Reply{Addressees: to, Body: body, InReplyTo: m.ID}
	if err := r.poster.Post(ctx, reply.Text(), reply.InReplyTo); err != nil {
		metrics.PostErrors.Inc()
		return fmt.Errorf("%w: reply to %s: %w", ErrPost, m.ID, err)
	}

	metrics.RepliesPosted.Inc()
	if r.onReply != nil {
		r.onReply(ctx, reply)
	}
	return nil
}

// Причины, по которым упоминание остаётся без ответа.
const (
	ReasonSelf         = "self"
	ReasonNotAddressed = "not_addressed"
)

// Addressees возвращает адресатов ответа: автор и упомянутые пользователи
// в порядке появления, без повторов и без самого бота. Если автор сам бот или
// бот не среди кандидатов, возвращает причину отказа.
func Addressees(self model.Username, m model.Mention) ([]model.Username, string) {
	if m.Author == self {
		return nil, ReasonSelf
	}

	out := make([]model.Username, 0, len(m.MentionedUsers)+1)
	seen := make(map[model.Username]struct{}, len(m.MentionedUsers)+1)
	addressed := false

	add := func(u model.Username) {
		if u == self {
			addressed = true
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	add(m.Author)
	for _, u := range m.MentionedUsers {
		add(u)
	}

	if !addressed {
		return nil, ReasonNotAddressed
	}
	return out, ""
}
