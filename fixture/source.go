package fixture

import (
	"context"
	"errors"
	"io"

	"lyric-bot/model"
	"lyric-bot/router"
)

var errClosed = errors.New("fixture: stream closed")

// Source отдаёт записанные записи как router.Source. Новый Open продолжает
// с той записи, на которой остановился предыдущий поток.
type Source struct {
	records []model.Record
	pos     int
	opens   int
}

// NewSource создаёт Source поверх списка записей.
func NewSource(records []model.Record) *Source {
	return &Source{records: records}
}

// Opens возвращает число открытых потоков.
func (s *Source) Opens() int {
	return s.opens
}

// Open реализует router.Source.
func (s *Source) Open(ctx context.Context) (router.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.opens++
	return &stream{src: s}, nil
}

type stream struct {
	src    *Source
	closed bool
}

func (st *stream) Next(ctx context.Context) (model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if st.closed {
		return nil, errClosed
	}
	if st.src.pos >= len(st.src.records) {
		return nil, io.EOF
	}

	rec := st.src.records[st.src.pos]
	st.src.pos++
	return rec, nil
}

func (st *stream) Close() error {
	st.closed = true
	return nil
}
