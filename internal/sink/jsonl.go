package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chainwatch/internal/render"
)

// JSONLSink appends rendered payloads to a JSONL file, one notification per
// line. Used for dry runs and local development.
type JSONLSink struct {
	path string
	mu   sync.Mutex
}

type jsonlLine struct {
	Channel string         `json:"channel"`
	Payload render.Payload `json:"payload"`
	SentAt  string         `json:"sent_at"`
}

func NewJSONLSink(path string) *JSONLSink {
	return &JSONLSink{path: path}
}

func (s *JSONLSink) Send(_ context.Context, routingKey string, payload render.Payload) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	line, err := json.Marshal(jsonlLine{
		Channel: routingKey,
		Payload: payload,
		SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := writer.Write(line); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}

	return nil
}
