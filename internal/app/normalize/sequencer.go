package normalize

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Sequencer hands out strictly increasing per-asset sequence ids.
// Each asset's counter lives in its own critical section, so assets
// proceed independently. The high-water mark is persisted to a side
// file before an id is returned; together with the buffer's own latest
// seq this keeps assignment monotonic across process restarts.
type Sequencer struct {
	mu       sync.Mutex
	dir      string
	counters map[string]*assetCounter
}

type assetCounter struct {
	mu   sync.Mutex
	path string
	next uint64
}

// NewSequencer opens (or creates) the sequence directory. floors maps
// asset id to the buffer's highest appended seq, which is the
// durability authority: assignment resumes exactly there. The side file
// may run ahead when a crash landed between handout and append; those
// ids never reached the buffer and are reclaimed so the per-asset
// sequence stays dense.
func NewSequencer(dir string, floors map[string]uint64) (*Sequencer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Sequencer{dir: dir, counters: make(map[string]*assetCounter)}

	for assetID, floor := range floors {
		c, err := s.counter(assetID)
		if err != nil {
			return nil, err
		}
		c.next = floor
	}
	return s, nil
}

func (s *Sequencer) counter(assetID string) (*assetCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.counters[assetID]; ok {
		return c, nil
	}
	c := &assetCounter{path: filepath.Join(s.dir, url.PathEscape(assetID)+".seq")}
	if err := c.load(); err != nil {
		return nil, err
	}
	s.counters[assetID] = c
	return c, nil
}

func (c *assetCounter) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("sequence file parse %s: %w", c.path, err)
	}
	c.next = u
	return nil
}

// Next allocates the asset's next sequence id. The new high-water mark
// hits disk before the id is handed out; a crash between handout and
// buffer append leaves the side file ahead, which restart reconciles
// against the buffer.
func (s *Sequencer) Next(assetID string) (uint64, error) {
	c, err := s.counter(assetID)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.next + 1
	if err := os.WriteFile(c.path, []byte(fmt.Sprintf("%d\n", next)), 0o644); err != nil {
		return 0, fmt.Errorf("persist sequence %s: %w", assetID, err)
	}
	c.next = next
	return next, nil
}

// Current returns the last assigned id for the asset, zero if none.
func (s *Sequencer) Current(assetID string) (uint64, error) {
	c, err := s.counter(assetID)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next, nil
}
