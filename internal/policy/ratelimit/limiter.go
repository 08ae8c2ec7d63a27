package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/clock/system"
	"github.com/kr0osti/image-processor/internal/ingest"
)

// DefaultMessage is returned when a limiter has no message configured.
const DefaultMessage = "Too many requests, please try again later."

// Config describes one limiter.
type Config struct {
	Name    string
	Limit   int
	Window  time.Duration
	Message string
}

// Decision is the outcome of one check.
type Decision struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	Count      int64
	ResetAt    time.Time
	RetryAfter int64
}

// Limiter applies one (limit, window) pair to client keys.
type Limiter struct {
	cfg    Config
	store  Store
	clock  ingest.Clock
	logger *zap.Logger
}

// New builds a limiter over store. Limiters sharing a store keep independent
// windows because keys are prefixed with the limiter name.
func New(cfg Config, store Store, clock ingest.Clock, logger *zap.Logger) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Message == "" {
		cfg.Message = DefaultMessage
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Limiter{cfg: cfg, store: store, clock: clock, logger: logger.Named("ratelimit")}
}

// Name returns the limiter name.
func (l *Limiter) Name() string { return l.cfg.Name }

// Message returns the rejection message.
func (l *Limiter) Message() string { return l.cfg.Message }

// Check counts one request for clientKey. A failing store allows the request.
func (l *Limiter) Check(ctx context.Context, clientKey string) Decision {
	now := l.clock.Now()
	limit := int64(l.cfg.Limit)

	entry, err := l.store.Hit(ctx, l.cfg.Name+":"+clientKey, l.cfg.Window, now)
	if err != nil {
		l.logger.Warn("rate limit store unavailable, allowing request",
			zap.String("limiter", l.cfg.Name),
			zap.String("key", clientKey),
			zap.Error(err),
		)
		return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: now.Add(l.cfg.Window)}
	}

	d := Decision{
		Allowed: entry.Count <= limit,
		Limit:   limit,
		Count:   entry.Count,
		ResetAt: entry.ResetAt,
	}
	if d.Allowed {
		d.Remaining = limit - entry.Count
		return d
	}
	d.RetryAfter = ceilSeconds(entry.ResetAt.Sub(now))
	return d
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
