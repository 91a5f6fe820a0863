package compaction

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eunmann/cache-audit/pkg/fileutil"
)

// Checkpoint is the persisted scan position of every shard.
type Checkpoint struct {
	Match     string         `json:"match"`
	Shards    int            `json:"shards"`
	Cursors   map[int]string `json:"cursors"`
	Done      map[int]bool   `json:"done"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// checkpointer saves cursors after each page. A nil checkpointer is inert.
type checkpointer struct {
	mu   sync.Mutex
	path string
	cp   Checkpoint
}

// openCheckpoint loads path when it belongs to the same match pattern and
// shard layout; otherwise the walk starts over.
func openCheckpoint(path, match string, shards int) (*checkpointer, bool, error) {
	if path == "" {
		return nil, false, nil
	}
	c := &checkpointer{
		path: path,
		cp: Checkpoint{
			Match:   match,
			Shards:  shards,
			Cursors: make(map[int]string),
			Done:    make(map[int]bool),
		},
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var prev Checkpoint
	if err := json.Unmarshal(data, &prev); err != nil {
		return nil, false, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if prev.Match != match || prev.Shards != shards {
		return c, false, nil
	}
	for k, v := range prev.Cursors {
		c.cp.Cursors[k] = v
	}
	for k, v := range prev.Done {
		c.cp.Done[k] = v
	}
	return c, true, nil
}

// position returns where shard should resume and whether it already finished.
func (c *checkpointer) position(shard int) (cursor string, done bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cp.Cursors[shard], c.cp.Done[shard]
}

// advance records that every key before next in shard was processed.
func (c *checkpointer) advance(shard int, next string) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if next == "" {
		delete(c.cp.Cursors, shard)
		c.cp.Done[shard] = true
	} else {
		c.cp.Cursors[shard] = next
	}
	c.cp.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(c.cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := fileutil.WriteFileAtomic(c.path, data); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// remove deletes the checkpoint after a complete run.
func (c *checkpointer) remove() error {
	if c == nil {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}
