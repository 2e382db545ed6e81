// Package fixture читает заранее записанный список записей потока для
// диагностического запуска без подключения к чату.
//
// Формат: YAML (или JSON) список объектов в форме исходных записей:
//
//	- event: follow
//	- hangup: true
//	- text: "@pyswizzle hello"
//	  id: 1
//	  user: {screen_name: alice}
//	  entities: {user_mentions: [{screen_name: pyswizzle}]}
//
// Вид записи определяется по ключам в порядке event, hangup, text.
// Остальные записи, а также event без имени и text без автора, становятся
// model.Unrecognized.
package fixture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"lyric-bot/model"
)

type screenName struct {
	ScreenName string `yaml:"screen_name"`
}

type rawMention struct {
	Text     string     `yaml:"text"`
	ID       any        `yaml:"id"`
	Channel  string     `yaml:"channel"`
	User     screenName `yaml:"user"`
	Entities struct {
		UserMentions []screenName `yaml:"user_mentions"`
	} `yaml:"entities"`
}

type rawEvent struct {
	Event   any               `yaml:"event"`
	Channel string            `yaml:"channel"`
	Text    string            `yaml:"text"`
	Tags    map[string]string `yaml:"tags"`
}

// LoadFile читает записи из файла.
func LoadFile(path string) ([]model.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fixture: open %s: %w", path, err)
	}
	defer f.Close()

	return Load(f)
}

// Load разбирает список записей.
func Load(r io.Reader) ([]model.Record, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("fixture: decode: %w", err)
	}

	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}
	if root.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("fixture: expected a list of records, got %s", root.Tag)
	}

	records := make([]model.Record, 0, len(root.Content))
	for i, n := range root.Content {
		rec, err := classify(n)
		if err != nil {
			return nil, fmt.Errorf("fixture: record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func classify(n *yaml.Node) (model.Record, error) {
	if n.Kind != yaml.MappingNode {
		return model.Unrecognized{}, nil
	}

	var keys map[string]any
	if err := n.Decode(&keys); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	malformed := model.Unrecognized{Keys: names}

	if _, ok := keys["event"]; ok {
		var ev rawEvent
		if err := n.Decode(&ev); err != nil {
			return nil, err
		}
		name, ok := ev.Event.(string)
		if !ok || name == "" {
			return malformed, nil
		}
		return model.StreamEvent{
			Name:    name,
			Channel: ev.Channel,
			Text:    ev.Text,
			Tags:    ev.Tags,
		}, nil
	}

	if _, ok := keys["hangup"]; ok {
		return model.Hangup{}, nil
	}

	if _, ok := keys["text"]; ok {
		var m rawMention
		if err := n.Decode(&m); err != nil {
			return nil, err
		}
		if m.User.ScreenName == "" {
			return malformed, nil
		}

		mentioned := make([]model.Username, 0, len(m.Entities.UserMentions))
		for _, u := range m.Entities.UserMentions {
			if u.ScreenName == "" {
				continue
			}
			mentioned = append(mentioned, model.Username(u.ScreenName))
		}

		id := ""
		if m.ID != nil {
			id = fmt.Sprint(m.ID)
		}

		return model.Mention{
			Author:         model.Username(m.User.ScreenName),
			Text:           m.Text,
			ID:             model.MessageID{Channel: m.Channel, ID: id},
			MentionedUsers: mentioned,
		}, nil
	}

	return malformed, nil
}
