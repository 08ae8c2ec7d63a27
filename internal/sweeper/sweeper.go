// Package sweeper evicts uploaded files once they outlive a maximum age.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
)

// DefaultMaxAge is the eviction age used when callers pass none.
const DefaultMaxAge = time.Hour

// KeepFile is never evicted.
const KeepFile = ".gitkeep"

// Result tallies one sweep.
type Result struct {
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// EvictedFunc is told about every file the sweeper removed.
type EvictedFunc func(ctx context.Context, name string, at time.Time)

// Sweeper deletes files in one directory by modification age.
type Sweeper struct {
	dir     string
	clock   ingest.Clock
	logger  *zap.Logger
	evicted EvictedFunc
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithEvicted registers a hook called after each deletion.
func WithEvicted(fn EvictedFunc) Option {
	return func(s *Sweeper) { s.evicted = fn }
}

// New returns a sweeper over dir.
func New(dir string, clock ingest.Clock, logger *zap.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{dir: dir, clock: clock, logger: logger.Named("sweeper")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep deletes every file older than maxAge. A failure on one file is
// counted and never stops the others.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) Result {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug("upload directory does not exist, nothing to sweep", zap.String("dir", s.dir))
		return Result{}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("list upload directory", zap.String("dir", s.dir), zap.Error(err))
		metrics.ObserveSweep(0, 1)
		return Result{Errors: 1}
	}

	now := s.clock.Now()
	var res Result
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		name := entry.Name()
		if name == KeepFile {
			continue
		}
		deleted, err := s.sweepOne(name, now, maxAge)
		if err != nil {
			res.Errors++
			s.logger.Warn("sweep file", zap.String("file", name), zap.Error(err))
			continue
		}
		if !deleted {
			continue
		}
		res.Deleted++
		if s.evicted != nil {
			s.evicted(ctx, name, now)
		}
	}

	metrics.ObserveSweep(res.Deleted, res.Errors)
	s.logger.Info("sweep complete",
		zap.Int("deleted", res.Deleted),
		zap.Int("errors", res.Errors),
		zap.Duration("max_age", maxAge),
	)
	return res
}

func (s *Sweeper) sweepOne(name string, now time.Time, maxAge time.Duration) (bool, error) {
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	age := now.Sub(info.ModTime())
	if age <= maxAge {
		return false, nil
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", name)
	}
	if err := os.Remove(path); err != nil {
		return false, err
	}
	s.logger.Debug("evicted file", zap.String("file", name), zap.Duration("age", age))
	return true, nil
}

// Run sweeps once per interval until ctx is canceled, plus once up front when runOnStart is set.
func (s *Sweeper) Run(ctx context.Context, interval, maxAge time.Duration, runOnStart bool) {
	if interval <= 0 {
		interval = DefaultMaxAge
	}
	if runOnStart {
		s.Sweep(ctx, maxAge)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx, maxAge)
		}
	}
}
