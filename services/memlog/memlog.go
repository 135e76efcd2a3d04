// Package memlog keeps a bounded in-memory log, newest record first, so the
// console and HTTP front ends can show recent history without a filesystem.
// Capacity is measured in characters of record text.
package memlog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
)

const discardText = "log discarded: too large for storage"

var ErrCapacity = errors.New("memlog: capacity below minimum")

type Record struct {
	At    time.Time     `json:"at"`
	Level zapcore.Level `json:"level"`
	Name  string        `json:"name,omitempty"`
	Text  string        `json:"text"`
}

// Tag is the four-letter level marker.
func (r Record) Tag() string {
	switch {
	case r.Level < zapcore.InfoLevel:
		return "DEBG"
	case r.Level == zapcore.InfoLevel:
		return "INFO"
	case r.Level == zapcore.WarnLevel:
		return "WARN"
	default:
		return "ERRO"
	}
}

func (r Record) String() string {
	var b strings.Builder
	b.WriteString(r.At.Format("15:04:05.000"))
	b.WriteByte(' ')
	b.WriteString(r.Tag())
	b.WriteByte(' ')
	if r.Name != "" {
		b.WriteByte('[')
		b.WriteString(r.Name)
		b.WriteString("] ")
	}
	b.WriteString(r.Text)
	return b.String()
}

type Store struct {
	mu       sync.Mutex
	records  []Record // oldest first
	used     int
	capacity int
	now      func() time.Time
}

func New(capacity int) (*Store, error) {
	if capacity < len(discardText) {
		return nil, ErrCapacity
	}
	return &Store{capacity: capacity, now: time.Now}, nil
}

// Add stores a record, evicting the oldest until it fits. A record larger
// than the whole store is replaced by a warning.
func (s *Store) Add(level zapcore.Level, name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(text) > s.capacity {
		level, name, text = zapcore.WarnLevel, "memlog", discardText
	}
	for s.capacity-s.used < len(text) {
		s.used -= len(s.records[0].Text)
		s.records[0] = Record{}
		s.records = s.records[1:]
	}
	s.used += len(text)
	s.records = append(s.records, Record{At: s.now(), Level: level, Name: name, Text: text})
}

// Records returns a copy, newest first.
func (s *Store) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	for i, r := range s.records {
		out[len(out)-1-i] = r
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.records = nil
	s.used = 0
	s.mu.Unlock()
}

// Usage reports characters used and total capacity.
func (s *Store) Usage() (used, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, s.capacity
}

// Core adapts the store to zap.
func (s *Store) Core(enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, s: s}
}

type core struct {
	zapcore.LevelEnabler
	s      *Store
	fields []zapcore.Field
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	return &core{
		LevelEnabler: c.LevelEnabler,
		s:            c.s,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
	}
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	text := ent.Message
	all := append(append([]zapcore.Field(nil), c.fields...), fields...)
	if len(all) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range all {
			f.AddTo(enc)
		}
		keys := make([]string, 0, len(enc.Fields))
		for k := range enc.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(text)
		for _, k := range keys {
			b.WriteByte(' ')
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(toString(enc.Fields[k]))
		}
		text = b.String()
	}
	c.s.Add(ent.Level, ent.LoggerName, text)
	return nil
}

func (c *core) Sync() error { return nil }

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
