// Package audit persists the decision log as JSON Lines files, one or more
// per UTC day, with a size cap per file and age-based retention.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/Sentinel-Gate/policyledger/internal/domain/audit"
)

const (
	defaultRetentionDays = 7
	defaultMaxFileSizeMB = 100
	defaultCacheSize     = 1000
	retentionSweep       = time.Hour
	maxLineBytes         = 1 << 20
)

// Config holds configuration for the file store.
type Config struct {
	// Dir holds the decision files. Created when missing.
	Dir string
	// RetentionDays is how many days of files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB starts a new part once a file reaches it (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent records kept in memory (default 1000).
	CacheSize int
}

// FileStore implements audit.Store and audit.QueryStore.
type FileStore struct {
	dir       string
	limit     int64
	retention int
	logger    *slog.Logger
	recent    *audit.Ring

	mu     sync.Mutex
	seg    segment
	file   *os.File
	size   int64
	closed bool

	stopSweep context.CancelFunc
	swept     chan struct{}
}

var (
	_ audit.Store      = (*FileStore)(nil)
	_ audit.QueryStore = (*FileStore)(nil)
)

// NewFileStore opens today's newest part for appending, drops expired files,
// reloads the recent-record cache from disk and starts an hourly retention
// sweep. Close stops the sweep.
func NewFileStore(cfg Config, logger *slog.Logger) (*FileStore, error) {
	cfg.RetentionDays = orDefault(cfg.RetentionDays, defaultRetentionDays)
	cfg.MaxFileSizeMB = orDefault(cfg.MaxFileSizeMB, defaultMaxFileSizeMB)
	cfg.CacheSize = orDefault(cfg.CacheSize, defaultCacheSize)

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create decision log directory: %w", err)
	}
	s := &FileStore{
		dir:       cfg.Dir,
		limit:     int64(cfg.MaxFileSizeMB) << 20,
		retention: cfg.RetentionDays,
		logger:    logger,
		recent:    audit.NewRing(cfg.CacheSize),
		swept:     make(chan struct{}),
	}

	now := time.Now().UTC()
	if err := s.switchTo(lastPart(s.dir, segmentFor(now).day)); err != nil {
		return nil, err
	}
	s.expire(now)
	s.warm()

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	go s.sweep(ctx)
	return s, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Append writes each record to the part for its UTC day. A new day opens a
// new file and a full file moves on to the next part.
func (s *FileStore) Append(_ context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return os.ErrClosed
	}

	for _, r := range records {
		if day := segmentFor(r.Timestamp).day; day != s.seg.day {
			if err := s.switchTo(lastPart(s.dir, day)); err != nil {
				return err
			}
		}
		if s.size >= s.limit {
			if err := s.switchTo(s.seg.next()); err != nil {
				return err
			}
		}

		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode decision record: %w", err)
		}
		n, err := s.file.Write(append(line, '\n'))
		s.size += int64(n)
		if err != nil {
			return fmt.Errorf("write decision record: %w", err)
		}
		s.recent.Add(r)
	}
	return nil
}

// Flush syncs the open file to disk.
func (s *FileStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

// Close stops the retention sweep and closes the open file. Further Appends
// fail with os.ErrClosed. Closing twice is a no-op.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.closeFile()
	s.mu.Unlock()

	s.stopSweep()
	<-s.swept
	return err
}

// Recent returns up to n of the latest records, newest first.
func (s *FileStore) Recent(n int) []audit.Record {
	return s.recent.Recent(n)
}

// Query scans the files whose day falls inside the filter window and returns
// matches newest first.
func (s *FileStore) Query(ctx context.Context, filter audit.Filter) ([]audit.Record, error) {
	filter, err := filter.Normalize()
	if err != nil {
		return nil, err
	}
	var out []audit.Record
	err = s.each(ctx, filter.StartTime, filter.EndTime, func(r audit.Record) {
		if filter.Matches(r) {
			out = append(out, r)
		}
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b audit.Record) int { return b.Timestamp.Compare(a.Timestamp) })
	return out[:min(len(out), filter.Limit)], nil
}

// QueryStats counts the records in [start, end] by kind, outcome and target.
func (s *FileStore) QueryStats(ctx context.Context, start, end time.Time) (*audit.Stats, error) {
	if end.Sub(start) > audit.MaxQueryRange {
		return nil, audit.ErrDateRangeExceeded
	}
	stats := &audit.Stats{
		ByKind:    map[string]int64{},
		ByOutcome: map[string]int64{},
		ByTarget:  map[string]int64{},
	}
	err := s.each(ctx, start, end, func(r audit.Record) {
		stats.Total++
		stats.ByKind[r.Kind]++
		stats.ByOutcome[r.Outcome]++
		stats.ByTarget[r.TargetID]++
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// each calls fn for every stored record timestamped within [start, end].
func (s *FileStore) each(ctx context.Context, start, end time.Time, fn func(audit.Record)) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	from, to := segmentFor(start).day, segmentFor(end).day
	for _, g := range listSegments(s.dir) {
		if g.day < from || g.day > to {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.read(g, func(r audit.Record) {
			if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
				fn(r)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// read decodes g line by line. Malformed lines are logged and skipped.
func (s *FileStore) read(g segment, fn func(audit.Record)) error {
	f, err := os.Open(filepath.Join(s.dir, g.name()))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", g.name(), err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var r audit.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.logger.Warn("skipping malformed decision line", "file", g.name(), "error", err)
			continue
		}
		fn(r)
	}
	return sc.Err()
}

// switchTo makes g the open file. Callers hold s.mu or own s exclusively.
func (s *FileStore) switchTo(g segment) error {
	if err := s.closeFile(); err != nil {
		s.logger.Warn("closing decision file", "file", s.seg.name(), "error", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, g.name()), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open decision file %s: %w", g.name(), err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat decision file %s: %w", g.name(), err)
	}
	s.seg, s.file, s.size = g, f, st.Size()
	return nil
}

func (s *FileStore) closeFile() error {
	if s.file == nil {
		return nil
	}
	_ = s.file.Sync()
	err := s.file.Close()
	s.file = nil
	return err
}

// expire removes files older than the retention window.
func (s *FileStore) expire(now time.Time) {
	cutoff := segmentFor(now.AddDate(0, 0, -s.retention)).day
	removed := 0
	for _, g := range listSegments(s.dir) {
		if g.day >= cutoff {
			break
		}
		if err := os.Remove(filepath.Join(s.dir, g.name())); err != nil {
			s.logger.Error("removing expired decision file", "file", g.name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired decision files removed", "count", removed)
	}
}

func (s *FileStore) sweep(ctx context.Context) {
	defer close(s.swept)
	t := time.NewTicker(retentionSweep)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			s.expire(now.UTC())
		}
	}
}

// warm loads the tail of the newest non-empty file into the recent cache.
func (s *FileStore) warm() {
	segs := listSegments(s.dir)
	for i := len(segs) - 1; i >= 0; i-- {
		if st, err := os.Stat(filepath.Join(s.dir, segs[i].name())); err != nil || st.Size() == 0 {
			continue
		}
		var tail []audit.Record
		if err := s.read(segs[i], func(r audit.Record) { tail = append(tail, r) }); err != nil {
			s.logger.Error("reading decision file for cache", "file", segs[i].name(), "error", err)
		}
		for _, r := range tail[max(0, len(tail)-s.recent.Cap()):] {
			s.recent.Add(r)
		}
		return
	}
}
