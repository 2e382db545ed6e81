package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lyric-bot/logging"
	"lyric-bot/lyrics"
	"lyric-bot/metrics"
	"lyric-bot/model"
)

const self = model.Username("pyswizzle")

type stubStream struct {
	records []model.Record
	closed  bool
}

func (s *stubStream) Next(ctx context.Context) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.records) == 0 {
		return nil, io.EOF
	}
	rec := s.records[0]
	s.records = s.records[1:]
	return rec, nil
}

func (s *stubStream) Close() error {
	s.closed = true
	return nil
}

// stubSource отдаёт заранее подготовленные потоки по одному на каждый Open.
type stubSource struct {
	streams []*stubStream
	opens   int
	err     error
}

func (s *stubSource) Open(context.Context) (Stream, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.opens >= len(s.streams) {
		return nil, errors.New("no more streams")
	}
	st := s.streams[s.opens]
	s.opens++
	return st, nil
}

type post struct {
	body      string
	inReplyTo model.MessageID
}

type stubPoster struct {
	posts []post
	err   error
}

func (p *stubPoster) Post(_ context.Context, body string, inReplyTo model.MessageID) error {
	if p.err != nil {
		return p.err
	}
	p.posts = append(p.posts, post{body: body, inReplyTo: inReplyTo})
	return nil
}

type stubSelector struct {
	line    string
	err     error
	queries []string
}

func (s *stubSelector) Select(q string) (string, error) {
	s.queries = append(s.queries, q)
	return s.line, s.err
}

func newRouter(t *testing.T, src Source, poster Poster, sel Selector, handlers Handlers) *Router {
	t.Helper()
	r, err := New(Config{
		Self:     self,
		Source:   src,
		Poster:   poster,
		Selector: sel,
		Logger:   logging.Discard(),
		Handlers: handlers,
	})
	require.NoError(t, err)
	return r
}

func mention(author string, text string, id string, mentioned ...string) model.Mention {
	users := make([]model.Username, 0, len(mentioned))
	for _, m := range mentioned {
		users = append(users, model.Username(m))
	}
	return model.Mention{
		Author:         model.Username(author),
		Text:           text,
		ID:             model.MessageID{ID: id},
		MentionedUsers: users,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Self: self, Source: &stubSource{}, Poster: &stubPoster{}})
	assert.Error(t, err)
}

func TestRunRepliesToMention(t *testing.T) {
	src := &stubSource{streams: []*stubStream{{records: []model.Record{
		mention("alice", "@pyswizzle shake it", "42", "pyswizzle", "bob"),
	}}}}
	poster := &stubPoster{}
	sel := &stubSelector{line: "shake it off"}
	r := newRouter(t, src, poster, sel, nil)
	before := testutil.ToFloat64(metrics.RepliesPosted)

	assert.Equal(t, Idle, r.State())
	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, Terminated, r.State())

	require.Len(t, poster.posts, 1)
	assert.Equal(t, "@alice @bob shake it off", poster.posts[0].body)
	assert.Equal(t, model.MessageID{ID: "42"}, poster.posts[0].inReplyTo)
	assert.Equal(t, []string{"@pyswizzle shake it"}, sel.queries)
	assert.True(t, src.streams[0].closed)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.RepliesPosted))
}

func TestMentionFromSelfIsIgnored(t *testing.T) {
	poster := &stubPoster{}
	r := newRouter(t, &stubSource{}, poster, &stubSelector{line: "x"}, nil)

	require.NoError(t, r.Dispatch(context.Background(), mention("pyswizzle", "@pyswizzle hi", "1", "pyswizzle")))
	assert.Empty(t, poster.posts)
}

func TestMentionNotAddressedIsIgnored(t *testing.T) {
	poster := &stubPoster{}
	r := newRouter(t, &stubSource{}, poster, &stubSelector{line: "x"}, nil)

	require.NoError(t, r.Dispatch(context.Background(), mention("alice", "@bob hi", "1", "bob")))
	assert.Empty(t, poster.posts)
}

func TestAddressees(t *testing.T) {
	to, reason := Addressees(self, mention("alice", "", "1", "bob", "pyswizzle", "alice", "bob", "carol"))
	assert.Empty(t, reason)
	assert.Equal(t, []model.Username{"alice", "bob", "carol"}, to)

	_, reason = Addressees(self, mention("pyswizzle", "", "1", "alice"))
	assert.Equal(t, ReasonSelf, reason)

	_, reason = Addressees(self, mention("alice", "", "1", "PySwizzle"))
	assert.Equal(t, ReasonNotAddressed, reason)
}

func TestHangupReacquiresStream(t *testing.T) {
	first := &stubStream{records: []model.Record{model.Hangup{}}}
	second := &stubStream{records: []model.Record{mention("alice", "hello world", "7", "pyswizzle")}}
	src := &stubSource{streams: []*stubStream{first, second}}
	poster := &stubPoster{}
	r := newRouter(t, src, poster, &stubSelector{line: "hello world"}, nil)

	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 2, src.opens)
	assert.True(t, first.closed)
	require.Len(t, poster.posts, 1)
	assert.Equal(t, "@alice hello world", poster.posts[0].body)
}

func TestHangupReacquireFailureIsFatal(t *testing.T) {
	src := &stubSource{streams: []*stubStream{{records: []model.Record{model.Hangup{}}}}}
	r := newRouter(t, src, &stubPoster{}, &stubSelector{line: "x"}, nil)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, Terminated, r.State())
}

func TestInitializeFailureIsFatal(t *testing.T) {
	src := &stubSource{err: errors.New("auth failed")}
	r := newRouter(t, src, &stubPoster{}, &stubSelector{line: "x"}, nil)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "auth failed")
}

func TestStreamEventDispatch(t *testing.T) {
	var got []model.StreamEvent
	handlers := Handlers{
		"follow": func(_ context.Context, ev model.StreamEvent) error {
			got = append(got, ev)
			return nil
		},
	}
	src := &stubSource{streams: []*stubStream{{records: []model.Record{
		model.StreamEvent{Name: "follow"},
		model.StreamEvent{Name: "favorite"},
	}}}}
	poster := &stubPoster{}
	r := newRouter(t, src, poster, &stubSelector{line: "x"}, handlers)

	require.NoError(t, r.Run(context.Background()))
	assert.Equal(t, []model.StreamEvent{{Name: "follow"}}, got)
	assert.Empty(t, poster.posts)
}

func TestStreamEventHandlerError(t *testing.T) {
	boom := errors.New("boom")
	handlers := Handlers{"notice": func(context.Context, model.StreamEvent) error { return boom }}
	r := newRouter(t, &stubSource{}, &stubPoster{}, &stubSelector{}, handlers)

	err := r.Dispatch(context.Background(), model.StreamEvent{Name: "notice"})
	assert.ErrorIs(t, err, boom)
}

func TestUnrecognizedRecordIsIgnored(t *testing.T) {
	calls := 0
	handlers := Handlers{"": func(context.Context, model.StreamEvent) error {
		calls++
		return nil
	}}
	src := &stubSource{streams: []*stubStream{{records: []model.Record{
		model.Unrecognized{Keys: []string{"delete"}},
		nil,
	}}}}
	poster := &stubPoster{}
	sel := &stubSelector{line: "x"}
	r := newRouter(t, src, poster, sel, handlers)

	require.NoError(t, r.Run(context.Background()))
	assert.Zero(t, calls)
	assert.Empty(t, poster.posts)
	assert.Empty(t, sel.queries)
	assert.Equal(t, 1, src.opens)
}

func TestPostErrorStopsRun(t *testing.T) {
	src := &stubSource{streams: []*stubStream{{records: []model.Record{
		mention("alice", "hi", "1", "pyswizzle"),
		mention("bob", "hi", "2", "pyswizzle"),
	}}}}
	poster := &stubPoster{err: errors.New("rate limited")}
	sel := &stubSelector{line: "x"}
	r := newRouter(t, src, poster, sel, nil)

	err := r.Run(context.Background())
	assert.ErrorIs(t, err, ErrPost)
	assert.Len(t, sel.queries, 1)
}

func TestSelectErrorIsFatal(t *testing.T) {
	poster := &stubPoster{}
	r := newRouter(t, &stubSource{}, poster, &stubSelector{err: lyrics.ErrEmptyCorpus}, nil)

	err := r.Dispatch(context.Background(), mention("alice", "hi", "1", "pyswizzle"))
	assert.ErrorIs(t, err, lyrics.ErrEmptyCorpus)
	assert.Empty(t, poster.posts)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &stubSource{streams: []*stubStream{{records: []model.Record{model.Hangup{}}}}}
	r := newRouter(t, src, &stubPoster{}, &stubSelector{}, nil)

	assert.ErrorIs(t, r.Run(ctx), context.Canceled)
}

func TestRunWithLyricStore(t *testing.T) {
	store, err := lyrics.Load(strings.NewReader("hello world\ngoodbye world\ncats are great\n"))
	require.NoError(t, err)

	src := &stubSource{streams: []*stubStream{{records: []model.Record{
		mention("alice", "@pyswizzle say hello to the world", "9", "pyswizzle"),
	}}}}
	poster := &stubPoster{}
	r := newRouter(t, src, poster, store, nil)

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, poster.posts, 1)
	assert.Equal(t, "@alice hello world", poster.posts[0].body)
}

type captureHandler struct {
	messages []string
	attrs    []map[string]any
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.messages = append(h.messages, r.Message)
	attrs := map[string]any{}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.attrs = append(h.attrs, attrs)
	return nil
}
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler      { return h }

func TestLogPoster(t *testing.T) {
	var buf bytes.Buffer
	p := LogPoster{Log: logging.New(&buf, logging.LevelCritical)}

	require.NoError(t, p.Post(context.Background(), "@alice hi", model.MessageID{ID: "5"}))
	assert.Contains(t, buf.String(), "level=CRITICAL")
	assert.Contains(t, buf.String(), "in_reply_to=5")
}

func TestLogPosterKeepsBodyVerbatim(t *testing.T) {
	h := &captureHandler{}
	p := LogPoster{Log: slog.New(h)}

	body := "@alice \"we are never\" ever\tgetting back"
	require.NoError(t, p.Post(context.Background(), body, model.MessageID{}))
	assert.Equal(t, []string{`SEND: "` + body + `"`}, h.messages)
}

func TestOnReplyReceivesPostedReply(t *testing.T) {
	var got []model.Reply
	r, err := New(Config{
		Self:     self,
		Source:   &stubSource{},
		Poster:   &stubPoster{},
		Selector: &stubSelector{line: "long live"},
		OnReply:  func(_ context.Context, reply model.Reply) { got = append(got, reply) },
	})
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(context.Background(), mention("alice", "hi", "3", "pyswizzle", "bob")))
	assert.Equal(t, []model.Reply{{
		Addressees: []model.Username{"alice", "bob"},
		Body:       "long live",
		InReplyTo:  model.MessageID{ID: "3"},
	}}, got)
}

func TestUnrecognizedRecordLogsKeys(t *testing.T) {
	h := &captureHandler{}
	r, err := New(Config{
		Self:     self,
		Source:   &stubSource{},
		Poster:   &stubPoster{},
		Selector: &stubSelector{},
		Logger:   slog.New(h),
	})
	require.NoError(t, err)

	require.NoError(t, r.Dispatch(context.Background(), model.Unrecognized{Keys: []string{"delete", "limit"}}))

	var keys any
	for i, msg := range h.messages {
		if msg == "ignoring unrecognized record" {
			keys = h.attrs[i]["keys"]
		}
	}
	assert.Equal(t, []string{"delete", "limit"}, keys)
}
