package lyrics

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"
)

var (
	// ErrCorpus возвращается, если корпус не найден, не читается или пуст после фильтрации.
	ErrCorpus = errors.New("lyrics: corpus error")
	// ErrEmptyCorpus возвращается при выборе строки из незагруженного корпуса.
	ErrEmptyCorpus = errors.New("lyrics: empty corpus")
)

const maxLineSize = 1 << 20

// Store хранит корпус строк и его копию в нижнем регистре с теми же индексами.
type Store struct {
	lines []string
	lower []string
	intn  func(n int) int
}

// Option настраивает Store.
type Option func(*Store)

// WithRand задаёт источник случайности для выбора среди равных кандидатов.
func WithRand(r *rand.Rand) Option {
	return func(s *Store) {
		s.intn = r.IntN
	}
}

// LoadFile читает корпус из файла.
func LoadFile(path string, opts ...Option) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCorpus, path, err)
	}
	defer f.Close()

	return Load(f, opts...)
}

// Load читает корпус построчно, пропуская пустые строки.
func Load(r io.Reader, opts ...Option) (*Store, error) {
	s := &Store{intn: rand.IntN}
	for _, opt := range opts {
		opt(s)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.lines = append(s.lines, line)
		s.lower = append(s.lower, strings.ToLower(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrCorpus, err)
	}

	if len(s.lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrCorpus)
	}

	return s, nil
}

// Len возвращает число строк корпуса.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.lines)
}

// Lines возвращает копию корпуса в исходном порядке.
func (s *Store) Lines() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.lines...)
}

// Select возвращает случайную строку среди строк с максимальным числом
// совпавших токенов запроса. Токен совпадает, если он является подстрокой строки.
func (s *Store) Select(query string) (string, error) {
	if s.Len() == 0 {
		return "", ErrEmptyCorpus
	}

	tokens := Tokenize(query)

	best := -1
	var ties []int
	for i, line := range s.lower {
		score := Score(tokens, line)
		switch {
		case score > best:
			best = score
			ties = append(ties[:0], i)
		case score == best:
			ties = append(ties, i)
		}
	}

	return s.lines[ties[s.intn(len(ties))]], nil
}

// Tokenize разбивает запрос в нижнем регистре по пробелам на уникальные токены.
func Tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Score считает токены, входящие в lowerLine как подстрока.
func Score(tokens []string, lowerLine string) int {
	n := 0
	for _, t := range tokens {
		if strings.Contains(lowerLine, t) {
			n++
		}
	}
	return n
}
