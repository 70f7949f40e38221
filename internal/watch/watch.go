// Package watch keeps a folder drained: it runs a batch on every poll tick,
// wakes early when fsnotify reports a new media file, and sleeps through a
// quota cooldown instead of polling into it.
package watch

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"mediaup/internal/discover"
	"mediaup/internal/failure"
	"mediaup/internal/orchestrator"
)

type Uploader interface {
	UploadFolder(ctx context.Context, dir string) (orchestrator.BatchResult, error)
}

type CooldownSource interface {
	CooldownEnd() (time.Time, bool, error)
}

type Config struct {
	Folder       string
	Extensions   []string
	PollInterval time.Duration
	// Settle is the quiet time after the last file event before a batch
	// starts, so files still being written are not picked up mid-copy.
	Settle time.Duration
}

type Watcher struct {
	cfg      Config
	uploader Uploader
	quota    CooldownSource
	logger   *zap.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	// cycles, when non-nil, is signalled without blocking after every
	// pass. Only tests set it; New leaves it nil.
	cycles chan struct{}
}

func New(cfg Config, up Uploader, quota CooldownSource, logger *zap.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		cfg:      cfg,
		uploader: up,
		quota:    quota,
		logger:   logger.With(zap.String("folder", cfg.Folder)),
		now:      time.Now,
		after:    time.After,
	}
}

// Run blocks until ctx ends. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	events, errs, closeFn := w.subscribe()
	defer closeFn()

	w.logger.Info("watching folder", zap.Duration("poll", w.cfg.PollInterval))
	wait := time.Duration(0)
	for {
		tick := w.after(wait)
		var settle <-chan time.Time
	waiting:
		for {
			select {
			case <-ctx.Done():
				w.logger.Info("watcher stopped")
				return nil
			case <-tick:
				break waiting
			case <-settle:
				break waiting
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if w.relevant(ev) {
					w.logger.Debug("file event", zap.String("path", ev.Name), zap.Stringer("op", ev.Op))
					settle = w.after(w.cfg.Settle)
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				w.logger.Warn("file watch error", zap.Error(err))
			}
		}

		wait = w.cycle(ctx)
		if w.cycles != nil {
			select {
			case w.cycles <- struct{}{}:
			default:
			}
		}
	}
}

// subscribe starts fsnotify on the folder. Without it the poll ticker still
// drains the folder.
func (w *Watcher) subscribe() (<-chan fsnotify.Event, <-chan error, func()) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("file notifications unavailable, polling only", zap.Error(err))
		return nil, nil, func() {}
	}
	if err := fw.Add(w.cfg.Folder); err != nil {
		w.logger.Warn("cannot watch folder, polling only", zap.Error(err))
		_ = fw.Close()
		return nil, nil, func() {}
	}
	return fw.Events, fw.Errors, func() { _ = fw.Close() }
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return discover.Supported(ev.Name, w.cfg.Extensions)
}

// cycle runs one batch unless a cooldown is active and returns how long to
// wait before the next one.
func (w *Watcher) cycle(ctx context.Context) time.Duration {
	if d, ok := w.cooldownLeft(); ok {
		w.logger.Info("in quota cooldown, sleeping", zap.Time("until", w.now().Add(d)))
		return d
	}

	res, err := w.uploader.UploadFolder(ctx, w.cfg.Folder)
	switch {
	case err == nil:
		if res.Total > 0 {
			w.logger.Info("batch done", zap.Stringer("result", res))
		}
	case failure.IsQuota(err):
		if d, ok := w.cooldownLeft(); ok {
			w.logger.Warn("quota exceeded, pausing until cooldown ends", zap.Duration("for", d))
			return d
		}
	case errors.Is(err, context.Canceled):
	default:
		w.logger.Error("batch failed", zap.Error(err))
	}
	return w.cfg.PollInterval
}

func (w *Watcher) cooldownLeft() (time.Duration, bool) {
	end, ok, err := w.quota.CooldownEnd()
	if err != nil {
		w.logger.Warn("cannot read quota marker", zap.Error(err))
		return 0, false
	}
	if !ok {
		return 0, false
	}
	d := end.Sub(w.now())
	return d, d > 0
}
