// Package ledgerstore holds the durable ledger.Store implementations: a
// segmented JSONL file store and an append-only SQL table.
package ledgerstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Mindburn-Labs/qhub/pkg/ledger"
)

const (
	segmentPrefix = "segment-"
	segmentSuffix = ".jsonl"

	// DefaultSegmentSize is the number of entries per segment file.
	DefaultSegmentSize = 10000

	maxLineBytes = 16 << 20
)

// Segment describes one sealed segment file.
type Segment struct {
	Path     string
	FirstSeq uint64
	LastSeq  uint64
}

// Name is the segment's file name.
func (s Segment) Name() string {
	return filepath.Base(s.Path)
}

// SealHook is called, off the write path, after a segment is full.
type SealHook func(ctx context.Context, seg Segment) error

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithSegmentSize sets the number of entries per segment.
func WithSegmentSize(n int) FileOption {
	return func(s *FileStore) {
		if n > 0 {
			s.segmentSize = n
		}
	}
}

// WithSealHook registers a hook run when a segment is sealed.
func WithSealHook(h SealHook) FileOption {
	return func(s *FileStore) { s.onSeal = h }
}

// WithoutFsync skips fsync after each append. Only for tests and benchmarks.
func WithoutFsync() FileOption {
	return func(s *FileStore) { s.fsync = false }
}

// FileStore keeps entries as JSON lines in fixed-size segment files named by
// their first sequence number. Sealed segments are never reopened for write.
type FileStore struct {
	dir         string
	segmentSize int
	fsync       bool
	onSeal      SealHook
	logger      *slog.Logger

	mu         sync.RWMutex
	segments   []uint64 // first sequence of each segment, ascending
	current    *os.File
	currentN   int
	last       *ledger.Entry
	checkpoint *ledger.Entry
	hooks      sync.WaitGroup
}

// NewFileStore opens (or creates) a segment directory.
func NewFileStore(dir string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	s := &FileStore{
		dir:         dir,
		segmentSize: DefaultSegmentSize,
		fsync:       true,
		logger:      slog.Default().With("component", "ledger_file_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) segmentPath(first uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%012d%s", segmentPrefix, first, segmentSuffix))
}

func (s *FileStore) load() error {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	for _, de := range names {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		var first uint64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), "%d", &first); err != nil {
			return fmt.Errorf("bad segment name %s: %w", name, err)
		}
		s.segments = append(s.segments, first)
	}
	sort.Slice(s.segments, func(i, j int) bool { return s.segments[i] < s.segments[j] })
	if len(s.segments) > 0 {
		if err := s.repairTail(s.segmentPath(s.segments[len(s.segments)-1])); err != nil {
			return err
		}
	}

	// One pass to find the head and the latest checkpoint.
	for _, first := range s.segments {
		n := 0
		err := s.readSegment(first, func(e *ledger.Entry) bool {
			cp := *e
			s.last = &cp
			if e.IsCheckpoint() {
				s.checkpoint = &cp
			}
			n++
			return true
		})
		if err != nil {
			return err
		}
		s.currentN = n
	}
	if len(s.segments) > 0 && s.currentN < s.segmentSize {
		f, err := os.OpenFile(s.segmentPath(s.segments[len(s.segments)-1]), os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("reopen segment: %w", err)
		}
		s.current = f
	}
	return nil
}

// repairTail truncates bytes after the last newline of the open segment. A
// crash during Append leaves at most one unterminated line there.
func (s *FileStore) repairTail(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read segment tail: %w", err)
	}
	keep := bytes.LastIndexByte(raw, '\n') + 1
	if keep == len(raw) {
		return nil
	}
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("truncate torn segment tail: %w", err)
	}
	s.logger.Warn("truncated torn ledger line", "segment", filepath.Base(path), "bytes", len(raw)-keep)
	return nil
}

func (s *FileStore) readSegment(first uint64, fn func(*ledger.Entry) bool) error {
	f, err := os.Open(s.segmentPath(first))
	if err != nil {
		return fmt.Errorf("open segment %d: %w", first, err)
	}
	defer func() { _ = f.Close() }()
	return scanEntries(f, fn)
}

func scanEntries(r io.Reader, fn func(*ledger.Entry) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	sc.Split(completeLines)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e ledger.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("decode ledger line: %w", err)
		}
		if !fn(&e) {
			return nil
		}
	}
	return sc.Err()
}

// completeLines splits on newlines and drops a trailing line with no
// newline, which is a write still in progress or a torn tail.
func completeLines(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}

func (s *FileStore) Append(ctx context.Context, entry ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := uint64(0)
	if s.last != nil {
		want = s.last.Sequence + 1
	}
	if entry.Sequence != want {
		return fmt.Errorf("append out of order: got sequence %d, want %d", entry.Sequence, want)
	}

	if s.current == nil {
		f, err := os.OpenFile(s.segmentPath(entry.Sequence), os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("create segment: %w", err)
		}
		s.current = f
		s.currentN = 0
		s.segments = append(s.segments, entry.Sequence)
	}

	// Payload bytes are hashed as stored, so HTML escaping must stay off.
	var line bytes.Buffer
	enc := json.NewEncoder(&line)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entry); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if _, err := s.current.Write(line.Bytes()); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if s.fsync {
		if err := s.current.Sync(); err != nil {
			return fmt.Errorf("sync segment: %w", err)
		}
	}

	cp := entry
	s.last = &cp
	if entry.IsCheckpoint() {
		s.checkpoint = &cp
	}
	s.currentN++
	if s.currentN >= s.segmentSize {
		s.seal()
	}
	return nil
}

// seal closes the current segment. Caller holds s.mu.
func (s *FileStore) seal() {
	if s.current == nil {
		return
	}
	if err := s.current.Close(); err != nil {
		s.logger.Error("close sealed segment", "error", err)
	}
	s.current = nil
	first := s.segments[len(s.segments)-1]
	seg := Segment{Path: s.segmentPath(first), FirstSeq: first, LastSeq: s.last.Sequence}
	s.currentN = 0
	if s.onSeal == nil {
		return
	}
	s.hooks.Add(1)
	go func() {
		defer s.hooks.Done()
		if err := s.onSeal(context.Background(), seg); err != nil {
			s.logger.Error("segment seal hook failed", "segment", seg.Name(), "error", err)
		}
	}()
}

func (s *FileStore) Last(_ context.Context) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil, nil
	}
	cp := *s.last
	return &cp, nil
}

func (s *FileStore) LastCheckpoint(_ context.Context) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checkpoint == nil {
		return nil, nil
	}
	cp := *s.checkpoint
	return &cp, nil
}

func (s *FileStore) Read(ctx context.Context, from uint64, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	segments := append([]uint64(nil), s.segments...)
	var head *ledger.Entry
	if s.last != nil {
		cp := *s.last
		head = &cp
	}
	s.mu.RUnlock()
	// Entries past the head seen here may still be mid-write.
	if head == nil || from > head.Sequence {
		return nil, nil
	}

	// The segment holding from is the last one starting at or before it.
	idx := sort.Search(len(segments), func(i int) bool { return segments[i] > from }) - 1
	if idx < 0 {
		idx = 0
	}

	var (
		out  []ledger.Entry
		done bool
	)
	for ; idx < len(segments) && !done; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		err := s.readSegment(segments[idx], func(e *ledger.Entry) bool {
			if e.Sequence > head.Sequence {
				done = true
				return false
			}
			if e.Sequence < from {
				return true
			}
			out = append(out, *e)
			done = limit > 0 && len(out) >= limit
			return !done
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return out, nil
}

// Segments lists all segment files, sealed or not.
func (s *FileStore) Segments() []Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Segment, 0, len(s.segments))
	for i, first := range s.segments {
		seg := Segment{Path: s.segmentPath(first), FirstSeq: first}
		if i+1 < len(s.segments) {
			seg.LastSeq = s.segments[i+1] - 1
		} else if s.last != nil {
			seg.LastSeq = s.last.Sequence
		}
		out = append(out, seg)
	}
	return out
}

// Close closes the open segment and waits for pending seal hooks.
func (s *FileStore) Close() error {
	s.mu.Lock()
	var err error
	if s.current != nil {
		err = s.current.Close()
		s.current = nil
	}
	s.mu.Unlock()
	s.hooks.Wait()
	return err
}
