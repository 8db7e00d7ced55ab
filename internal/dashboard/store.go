package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// recent keeps the last limit items appended to it. It is safe for concurrent
// use.
type recent[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRecent[T any](limit int) *recent[T] {
	if limit <= 0 {
		limit = 200
	}
	return &recent[T]{limit: limit}
}

func (r *recent[T]) add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, item)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

func (r *recent[T]) snapshot() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// logRecord is a captured log entry as served by /api/logs.
type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining the most recent entries of the logger it
// is attached to. logrus cannot remove hooks, so close only disables it.
type logStore struct {
	*recent[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{recent: newRecent[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	for k, v := range entry.Data {
		if k == "component" {
			record.Component, _ = v.(string)
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.add(record)
	return nil
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
