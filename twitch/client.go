package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"lyric-bot/config"
	"lyric-bot/model"
	"lyric-bot/router"
)

const (
	recordBuffer = 256
	closeTimeout = 5 * time.Second
)

var errNotConnected = errors.New("twitch: no open connection")

// Source открывает IRC-подключения к Twitch и отдаёт события чата как записи
// роутера. Он же отправляет ответы через текущее подключение.
type Source struct {
	cfg     config.TwitchConfig
	log     *slog.Logger
	address string

	mu      sync.Mutex
	current *twitchirc.Client
}

// NewSource создаёт Source; подключение происходит в Open.
func NewSource(cfg config.TwitchConfig, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{cfg: cfg, log: log}
}

// Open создаёт новый IRC-клиент, подключается и ждёт успешного входа.
func (s *Source) Open(ctx context.Context) (router.Stream, error) {
	client := twitchirc.NewClient(s.cfg.Username, s.cfg.OAuthToken)
	if s.address != "" {
		client.IrcAddress = s.address
		client.TLS = false
	}

	st := &stream{
		src:     s,
		client:  client,
		records: make(chan model.Record, recordBuffer),
		errCh:   make(chan error, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	connected := make(chan struct{})
	var once sync.Once

	client.OnConnect(func() {
		// Клиент сам переподключается после RECONNECT; закрытый поток
		// не должен оживать.
		if st.closed() {
			_ = client.Disconnect()
			return
		}
		s.log.Info("twitch: connected", "channels", s.cfg.Channels)
		client.Join(s.cfg.Channels...)
		once.Do(func() { close(connected) })
	})

	client.OnPrivateMessage(func(m twitchirc.PrivateMessage) {
		st.push(toMention(m))
	})

	client.OnReconnectMessage(func(m twitchirc.ReconnectMessage) {
		s.log.Warn("twitch: server requested RECONNECT", "message", fmt.Sprintf("%+v", m))
		st.push(model.Hangup{})
	})

	client.OnNoticeMessage(func(m twitchirc.NoticeMessage) {
		st.push(noticeEvent(m))
	})

	client.OnUserNoticeMessage(func(m twitchirc.UserNoticeMessage) {
		st.push(userNoticeEvent(m))
	})

	client.OnClearChatMessage(func(m twitchirc.ClearChatMessage) {
		st.push(clearChatEvent(m))
	})

	go func() {
		defer close(st.exited)
		st.errCh <- client.Connect()
	}()

	select {
	case <-connected:
	case err := <-st.errCh:
		return nil, fmt.Errorf("twitch: connect: %w", err)
	case <-ctx.Done():
		if err := st.Close(); err != nil {
			s.log.Warn("twitch: close after cancelled open", "error", err)
		}
		return nil, ctx.Err()
	}

	s.mu.Lock()
	s.current = client
	s.mu.Unlock()

	return st, nil
}

// Post реализует router.Poster: отвечает в тред сообщения inReplyTo.
func (s *Source) Post(_ context.Context, body string, inReplyTo model.MessageID) error {
	s.mu.Lock()
	client := s.current
	s.mu.Unlock()

	if client == nil {
		return errNotConnected
	}
	if inReplyTo.Channel == "" {
		return fmt.Errorf("twitch: no channel to post %q to", body)
	}

	if inReplyTo.ID == "" {
		client.Say(inReplyTo.Channel, body)
	} else {
		client.Reply(inReplyTo.Channel, inReplyTo.ID, body)
	}
	return nil
}

func (s *Source) forget(client *twitchirc.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == client {
		s.current = nil
	}
}

type stream struct {
	src     *Source
	client  *twitchirc.Client
	records chan model.Record
	errCh   chan error
	done    chan struct{}
	exited  chan struct{}
	err     error
	once    sync.Once
}

func (st *stream) closed() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

// push блокируется, пока роутер не заберёт запись или поток не закроют.
// Запись в закрытый поток гасит клиент.
func (st *stream) push(rec model.Record) {
	if st.closed() {
		_ = st.client.Disconnect()
		return
	}
	select {
	case st.records <- rec:
	case <-st.done:
		_ = st.client.Disconnect()
	}
}

func (st *stream) Next(ctx context.Context) (model.Record, error) {
	if st.err != nil {
		return nil, st.err
	}

	select {
	case rec := <-st.records:
		return rec, nil
	case err := <-st.errCh:
		if err == nil {
			err = twitchirc.ErrClientDisconnected
		}
		st.err = fmt.Errorf("twitch: connection closed: %w", err)
		return nil, st.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close останавливает клиент и ждёт выхода из Connect. Если клиент в этот
// момент переподключается, Disconnect сработает в OnConnect.
func (st *stream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		st.src.forget(st.client)

		if derr := st.client.Disconnect(); derr != nil && !errors.Is(derr, twitchirc.ErrConnectionIsNotOpen) {
			err = derr
			return
		}

		select {
		case <-st.exited:
		case <-time.After(closeTimeout):
			err = fmt.Errorf("twitch: client did not stop within %s", closeTimeout)
		}
	})
	return err
}

func toMention(m twitchirc.PrivateMessage) model.Mention {
	return model.Mention{
		Author:         Login(m.User.Name),
		Text:           m.Message,
		ID:             model.MessageID{Channel: normalizeChannel(m.Channel), ID: m.ID},
		MentionedUsers: ParseMentions(m.Message),
	}
}

// ParseMentions извлекает логины из токенов вида @name в порядке появления.
func ParseMentions(text string) []model.Username {
	var out []model.Username
	for _, f := range strings.Fields(text) {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		name := strings.TrimRightFunc(strings.TrimPrefix(f, "@"), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
		})
		if name == "" {
			continue
		}
		out = append(out, Login(name))
	}
	return out
}

// Login приводит имя к логину Twitch: логины всегда в нижнем регистре.
func Login(name string) model.Username {
	return model.Username(strings.ToLower(strings.TrimSpace(name)))
}

func noticeEvent(m twitchirc.NoticeMessage) model.StreamEvent {
	return model.StreamEvent{
		Name:    "notice",
		Channel: normalizeChannel(m.Channel),
		Text:    m.Message,
		Tags:    withMsgID(m.Tags, m.MsgID),
		At:      tagTimestamp(m.Tags),
	}
}

func userNoticeEvent(m twitchirc.UserNoticeMessage) model.StreamEvent {
	name := m.MsgID
	if name == "" {
		name = "usernotice"
	}
	return model.StreamEvent{
		Name:    name,
		Channel: normalizeChannel(m.Channel),
		Text:    m.SystemMsg,
		Tags:    m.Tags,
		At:      tagTimestamp(m.Tags),
	}
}

func clearChatEvent(m twitchirc.ClearChatMessage) model.StreamEvent {
	return model.StreamEvent{
		Name:    "clearchat",
		Channel: normalizeChannel(m.Channel),
		Text:    m.TargetUsername,
		Tags:    m.Tags,
		At:      tagTimestamp(m.Tags),
	}
}

func withMsgID(tags map[string]string, msgID string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	if msgID != "" {
		out["msg-id"] = msgID
	}
	return out
}

func tagTimestamp(tags map[string]string) time.Time {
	if ts := tags["tmi-sent-ts"]; ts != "" {
		if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}

	return time.Now().UTC()
}

func normalizeChannel(ch string) string {
	return strings.TrimPrefix(strings.TrimSpace(ch), "#")
}
