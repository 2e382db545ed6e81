package model

import (
	"fmt"
	"strings"
	"time"
)

// Username идентифицирует пользователя, регистр значим.
type Username string

// MessageID ссылается на сообщение, на которое отвечаем в треде.
// Channel пуст для источников без понятия канала.
type MessageID struct {
	Channel string
	ID      string
}

// String форматирует ссылку как #channel/id или просто id.
func (id MessageID) String() string {
	if id.Channel == "" {
		return id.ID
	}
	return "#" + id.Channel + "/" + id.ID
}

// Record описывает запись входящего потока: StreamEvent, Hangup, Mention или Unrecognized.
type Record interface {
	record()
}

// StreamEvent — именованное событие потока (notice, sub, raid, ...).
type StreamEvent struct {
	Name    string
	Channel string
	Text    string
	Tags    map[string]string
	At      time.Time
}

// Hangup сообщает, что транспорт разорвал соединение.
type Hangup struct{}

// Mention описывает сообщение с упоминаниями пользователей.
type Mention struct {
	Author         Username
	Text           string
	ID             MessageID
	MentionedUsers []Username
}

// Unrecognized обозначает запись, не подошедшую ни под одну форму. Роутер её пропускает.
type Unrecognized struct {
	Keys []string
}

func (StreamEvent) record()  {}
func (Hangup) record()       {}
func (Mention) record()      {}
func (Unrecognized) record() {}

// Reply описывает ответ на упоминание.
type Reply struct {
	Addressees []Username
	Body       string
	InReplyTo  MessageID
}

// Text собирает текст ответа: упоминания через пробел, затем строка.
func (r Reply) Text() string {
	var b strings.Builder
	for _, u := range r.Addressees {
		fmt.Fprintf(&b, "@%s ", u)
	}
	b.WriteString(r.Body)
	return b.String()
}
