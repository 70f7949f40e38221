// Package orchestrator drives a media file from discovery to a verified
// remote copy: fingerprint, dedup, upload, catalog, relocate, record. It also
// runs the resumable collection reorder.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"

	"mediaup/internal/failure"
	"mediaup/internal/fileguard"
	"mediaup/internal/hash"
	"mediaup/internal/journal"
	"mediaup/internal/observe"
	"mediaup/internal/quota"
	"mediaup/internal/remote"
	"mediaup/internal/state"
)

// ErrCooldownActive is returned, with the Quota kind, for work refused while
// the quota cooldown runs.
var ErrCooldownActive = errors.New("quota cooldown active")

type Config struct {
	MaxFileSize  int64
	Extensions   []string
	ProcessedDir string // subfolder of the source directory, e.g. "Uploaded"
	CollectionID string // optional; uploads are inserted here when set
	Privacy      string

	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration

	PageSize int

	// Terminal state writes are retried this many times before giving up.
	PersistAttempts int
	PersistDelay    time.Duration
}

// Journal receives every state transition. Failures are logged only.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
}

type Orchestrator struct {
	cfg      Config
	store    *state.Store
	quota    *quota.Governor
	guard    *fileguard.Guard
	hasher   *hash.Hasher
	remote   remote.Service
	observer observe.Observer
	journal  Journal
	logger   *zap.Logger

	now    func() time.Time
	sleep  func(time.Duration)
	exists func(string) bool
}

type Option func(*Orchestrator)

// WithObserver replaces the default observer, which writes to the logger.
// Include observe.Zap in a Multi to keep status lines in the log.
func WithObserver(o observe.Observer) Option {
	return func(x *Orchestrator) { x.observer = o }
}

func WithJournal(j Journal) Option {
	return func(x *Orchestrator) { x.journal = j }
}

// WithClock replaces the time source and the sleeper used between
// persistence retries.
func WithClock(now func() time.Time, sleep func(time.Duration)) Option {
	return func(x *Orchestrator) {
		x.now = now
		x.sleep = sleep
	}
}

func New(
	cfg Config,
	store *state.Store,
	gov *quota.Governor,
	guard *fileguard.Guard,
	hasher *hash.Hasher,
	svc remote.Service,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = 3
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = "Uploaded"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:      cfg,
		store:    store,
		quota:    gov,
		guard:    guard,
		hasher:   hasher,
		remote:   svc,
		observer: observe.Zap(logger),
		logger:   logger,
		now:      time.Now,
		sleep:    time.Sleep,
		exists:   fileExists,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// status hands an operator-facing line to the observer's log sink.
func (o *Orchestrator) status(level observe.Level, msg string, fields ...observe.Field) {
	o.observer.Log(level, msg, fields...)
}

// persist runs write until it succeeds or the attempts run out.
func (o *Orchestrator) persist(what string, write func() error) error {
	var err error
	for attempt := 1; attempt <= o.cfg.PersistAttempts; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		o.logger.Warn("state write failed", zap.String("what", what), zap.Int("attempt", attempt), zap.Error(err))
		if attempt < o.cfg.PersistAttempts && o.cfg.PersistDelay > 0 {
			o.sleep(o.cfg.PersistDelay)
		}
	}
	return err
}

func (o *Orchestrator) record(ctx context.Context, e journal.Entry) {
	if o.journal == nil {
		return
	}
	if e.At.IsZero() {
		e.At = o.now()
	}
	if err := o.journal.Append(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("journal append failed", zap.String("path", e.Path), zap.Error(err))
	}
}

// cooldownGate returns a Quota error while the cooldown runs.
func (o *Orchestrator) cooldownGate(op, subject string) error {
	end, ok, err := o.quota.CooldownEnd()
	if err != nil {
		return failure.Persistence("read quota marker", subject, err)
	}
	if !ok || !o.now().Before(end) {
		return nil
	}
	o.logger.Info("in quota cooldown", zap.String("op", op), zap.Time("until", end))
	return failure.Quota(op, subject, &cooldownError{until: end})
}

type cooldownError struct {
	until time.Time
}

func (e *cooldownError) Error() string {
	return ErrCooldownActive.Error() + " until " + e.until.Format(time.RFC3339)
}

func (e *cooldownError) Unwrap() error { return ErrCooldownActive }
