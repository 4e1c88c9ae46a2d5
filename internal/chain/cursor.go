package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CursorStore persists the last processed block so a restarted watcher can
// resume instead of re-scanning its full look-back window.
type CursorStore interface {
	Load(ctx context.Context) (uint64, bool, error)
	Save(ctx context.Context, block uint64) error
}

// Cursor tracks the last processed block.
type Cursor struct {
	LastProcessedBlock uint64 `json:"last_processed_block"`
	UpdatedAt          string `json:"updated_at"`
}

// FileCursorStore persists the cursor to a JSON file.
type FileCursorStore struct {
	path string
}

func NewFileCursorStore(path string) *FileCursorStore {
	return &FileCursorStore{path: path}
}

func (c *FileCursorStore) Load(_ context.Context) (uint64, bool, error) {
	stat, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("stat cursor: %w", err)
	}
	if stat.IsDir() {
		return 0, false, fmt.Errorf("cursor path is a directory")
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return 0, false, fmt.Errorf("read cursor: %w", err)
	}

	var cursor Cursor
	if err := json.Unmarshal(data, &cursor); err != nil {
		return 0, false, fmt.Errorf("parse cursor: %w", err)
	}

	return cursor.LastProcessedBlock, true, nil
}

func (c *FileCursorStore) Save(_ context.Context, block uint64) error {
	dir := filepath.Dir(c.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cursor dir: %w", err)
		}
	}

	cursor := Cursor{
		LastProcessedBlock: block,
		UpdatedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write cursor tmp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		return fmt.Errorf("rename cursor: %w", err)
	}

	return nil
}
