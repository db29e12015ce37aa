package logship

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Cursor marks how far a source has been read. Sources use the fields
// that fit their tracking model: line counts for the kernel ring,
// journald cursors for the journal, inode plus byte offset for files.
type Cursor struct {
	LastLine   int    `json:"last_line,omitempty"`
	Journal    string `json:"cursor,omitempty"`
	ByteOffset int64  `json:"byte_offset,omitempty"`
	Inode      uint64 `json:"inode,omitempty"`
	UpdatedAt  int64  `json:"last_timestamp,omitempty"`
}

const cursorFileName = "log-cursors.json"

// CursorStore persists per-source cursors under the agent auth dir so
// restarts resume where shipping left off.
type CursorStore struct {
	path string
}

func NewCursorStore(authDir string) *CursorStore {
	return &CursorStore{path: filepath.Join(authDir, cursorFileName)}
}

// Load reads all cursors. A missing or corrupt file yields an empty map
// so shipping falls back to a fresh backfill.
func (c *CursorStore) Load() map[string]Cursor {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return map[string]Cursor{}
	}
	cursors := map[string]Cursor{}
	if err := json.Unmarshal(data, &cursors); err != nil {
		return map[string]Cursor{}
	}
	return cursors
}

// Save writes all cursors atomically via a rename.
func (c *CursorStore) Save(cursors map[string]Cursor) error {
	data, err := json.MarshalIndent(cursors, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cursors: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("failed to create cursor dir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cursors: %w", err)
	}
	return os.Rename(tmp, c.path)
}
