package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// fileEntry is one line of the file log.
type fileEntry struct {
	ID            string            `json:"id"`
	AggregateType string            `json:"aggregate_type"`
	AggregateID   string            `json:"aggregate_id"`
	EventType     string            `json:"event_type"`
	Timestamp     time.Time         `json:"timestamp"`
	Attempt       int               `json:"attempt"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
}

// FileLog appends messages as newline-delimited JSON and syncs after every
// write, so an acknowledged message survives a crash.
type FileLog struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileLog opens (or creates) path for appending.
func NewFileLog(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file log: %w", err)
	}
	return &FileLog{f: f}, nil
}

func (l *FileLog) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(fileEntry{
		ID:            msg.ID.String(),
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Timestamp:     msg.Timestamp,
		Attempt:       msg.Attempt,
		Headers:       msg.Headers,
		Payload:       msg.Payload,
	})
	if err != nil {
		return Permanent(fmt.Errorf("encode file log entry: %w", err))
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("write file log: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync file log: %w", err)
	}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
