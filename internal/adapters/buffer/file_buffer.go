// Package buffer implements the edge durable buffer as a set of
// per-asset append-only log files. Record format per entry:
// [8 bytes seq][4 bytes len][len bytes json]. A torn tail left by a
// crash mid-write is truncated away on bootstrap, so an entry is
// either fully present or absent after recovery.
package buffer

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/domain"
	"github.com/Dashboard4-0/manufacturing-dashboard-5.0-sub000/internal/ports"
)

const recordHeaderLen = 12

// ErrSeqRegression is returned when an append does not advance the
// asset's sequence. The normalizer owns sequence assignment; a
// regression means two writers raced, which the design forbids.
var ErrSeqRegression = errors.New("append sequence not monotonic")

// FileBuffer is a crash-safe ports.EdgeBuffer backed by one log file
// per asset under a single directory.
type FileBuffer struct {
	mu       sync.Mutex
	dir      string
	capBytes int64
	segments map[string]*segment
}

type segment struct {
	mu        sync.Mutex
	path      string
	metaPath  string
	file      *os.File
	latest    uint64
	truncated uint64
	sizeBytes int64
	// oldest is the Timestamp of the first retained record; zero when
	// the segment is fully drained.
	oldest time.Time
}

// NewFileBuffer opens dir, recovering every asset segment found there.
// capBytes bounds total on-disk size; zero means unbounded.
func NewFileBuffer(dir string, capBytes int64) (*FileBuffer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	b := &FileBuffer{
		dir:      dir,
		capBytes: capBytes,
		segments: make(map[string]*segment),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		assetID, err := url.PathUnescape(strings.TrimSuffix(name, ".log"))
		if err != nil {
			return nil, fmt.Errorf("buffer segment name %q: %w", name, err)
		}
		if _, err := b.segment(assetID); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *FileBuffer) segment(assetID string) (*segment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.segments[assetID]; ok {
		return s, nil
	}
	base := filepath.Join(b.dir, url.PathEscape(assetID))
	s := &segment{
		path:     base + ".log",
		metaPath: base + ".trunc",
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	b.segments[assetID] = s
	return s, nil
}

func (s *segment) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	if err := s.loadMeta(); err != nil {
		f.Close()
		return err
	}
	if err := s.scan(); err != nil {
		f.Close()
		return err
	}
	if s.latest < s.truncated {
		s.latest = s.truncated
	}
	_, err = s.file.Seek(0, io.SeekEnd)
	return err
}

// scan walks the log, records size/first/last seq, and truncates any
// torn tail left by an interrupted append.
func (s *segment) scan() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(s.file)

	var (
		offset int64
		first  uint64
		last   uint64
	)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				if err := s.file.Truncate(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("buffer scan header: %w", err)
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if err := s.file.Truncate(offset); err != nil {
					return err
				}
				break
			}
			return fmt.Errorf("buffer scan body: %w", err)
		}
		offset += recordHeaderLen + int64(length)

		if first == 0 {
			first = seq
			var ev domain.Event
			if err := json.Unmarshal(body, &ev); err == nil {
				s.oldest = ev.Timestamp
			}
		}
		last = seq
	}

	s.sizeBytes = offset
	s.latest = last
	if first > 0 && first-1 > s.truncated {
		// Meta lagged a completed truncation; the log is authoritative.
		s.truncated = first - 1
	}
	return nil
}

func (s *segment) loadMeta() error {
	data, err := os.ReadFile(s.metaPath)
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
		return fmt.Errorf("buffer meta parse: %w", err)
	}
	s.truncated = u
	return nil
}

func (s *segment) persistMetaLocked() error {
	return os.WriteFile(s.metaPath, []byte(fmt.Sprintf("%d\n", s.truncated)), 0o644)
}

// Append durably stores ev under its asset's segment. The write is
// fsynced before the position is returned: an acknowledged append
// survives power loss.
func (b *FileBuffer) Append(ev *domain.Event) (ports.Position, error) {
	if b.capBytes > 0 && b.totalSize() >= b.capBytes {
		return ports.Position{}, ports.ErrBufferFull
	}

	s, err := b.segment(ev.AssetID)
	if err != nil {
		return ports.Position{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Seq <= s.latest {
		return ports.Position{}, fmt.Errorf("%w: seq %d latest %d asset %s",
			ErrSeqRegression, ev.Seq, s.latest, ev.AssetID)
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return ports.Position{}, err
	}

	var hdr [recordHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], ev.Seq)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))

	if _, err := s.file.Write(hdr[:]); err != nil {
		return ports.Position{}, err
	}
	if _, err := s.file.Write(body); err != nil {
		return ports.Position{}, err
	}
	if err := s.file.Sync(); err != nil {
		return ports.Position{}, err
	}

	if s.sizeBytes == 0 || s.oldest.IsZero() {
		s.oldest = ev.Timestamp
	}
	s.latest = ev.Seq
	s.sizeBytes += recordHeaderLen + int64(len(body))

	return ports.Position{AssetID: ev.AssetID, Seq: ev.Seq}, nil
}

// ReadFrom streams the asset's retained events with seq > afterSeq in
// order. The log is read from a fresh handle so iteration never moves
// the append offset.
func (b *FileBuffer) ReadFrom(assetID string, afterSeq uint64, fn func(ev *domain.Event) error) error {
	s, err := b.segment(assetID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])

		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if seq <= afterSeq {
			continue
		}

		var ev domain.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("corrupt buffer entry seq %d: %w", seq, err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
}

// TruncateUpTo discards records with seq <= upTo by rewriting the
// segment without them and renaming the rewrite into place. Idempotent;
// a no-op when upTo does not advance the truncation point.
func (b *FileBuffer) TruncateUpTo(assetID string, upTo uint64) error {
	s, err := b.segment(assetID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if upTo <= s.truncated {
		return nil
	}

	tmp := s.path + ".compact"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	in, err := os.Open(s.path)
	if err != nil {
		out.Close()
		return err
	}

	var (
		kept      int64
		newOldest time.Time
	)
	r := bufio.NewReader(in)
	w := bufio.NewWriter(out)
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			break
		}
		seq := binary.BigEndian.Uint64(hdr[0:8])
		length := binary.BigEndian.Uint32(hdr[8:12])
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			break
		}
		if seq <= upTo {
			continue
		}
		if kept == 0 {
			var ev domain.Event
			if err := json.Unmarshal(body, &ev); err == nil {
				newOldest = ev.Timestamp
			}
		}
		if _, err := w.Write(hdr[:]); err != nil {
			in.Close()
			out.Close()
			return err
		}
		if _, err := w.Write(body); err != nil {
			in.Close()
			out.Close()
			return err
		}
		kept += recordHeaderLen + int64(length)
	}
	in.Close()

	if err := w.Flush(); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.sizeBytes = kept
	s.truncated = upTo
	s.oldest = newOldest

	return s.persistMetaLocked()
}

// Discard removes every trace of the asset's buffer. Irreversible and
// operator-visible; callers log and count it.
func (b *FileBuffer) Discard(assetID string) error {
	b.mu.Lock()
	s, ok := b.segments[assetID]
	if ok {
		delete(b.segments, assetID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Remove(s.metaPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Assets lists asset ids with an open segment, recovered or live.
func (b *FileBuffer) Assets() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.segments))
	for id := range b.segments {
		out = append(out, id)
	}
	return out
}

// Stats reports total and per-asset occupancy plus the timestamp of the
// oldest unacknowledged event across all assets.
func (b *FileBuffer) Stats() ports.BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := ports.BufferStats{PerAsset: make(map[string]ports.AssetBufferStats, len(b.segments))}
	for id, s := range b.segments {
		s.mu.Lock()
		stats.SizeBytes += s.sizeBytes
		if !s.oldest.IsZero() && s.sizeBytes > 0 &&
			(stats.OldestUnacked.IsZero() || s.oldest.Before(stats.OldestUnacked)) {
			stats.OldestUnacked = s.oldest
		}
		stats.PerAsset[id] = ports.AssetBufferStats{
			LatestSeq:    s.latest,
			TruncatedSeq: s.truncated,
			SizeBytes:    s.sizeBytes,
		}
		s.mu.Unlock()
	}
	return stats
}

func (b *FileBuffer) totalSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var total int64
	for _, s := range b.segments {
		s.mu.Lock()
		total += s.sizeBytes
		s.mu.Unlock()
	}
	return total
}

// Close releases every segment file handle.
func (b *FileBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, s := range b.segments {
		s.mu.Lock()
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		s.mu.Unlock()
	}
	b.segments = make(map[string]*segment)
	return errors.Join(errs...)
}

var _ ports.EdgeBuffer = (*FileBuffer)(nil)
