// Package quota derives the cooldown window from the persisted quota marker
// and estimates what an operation will cost against the daily limit.
package quota

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"mediaup/internal/state"
)

type Operation string

const (
	OpReorder            Operation = "reorder"
	OpUpload             Operation = "upload"
	OpUploadToCollection Operation = "upload_to_collection"
	OpInsert             Operation = "insert"
)

// Costs are quota units charged per remote call.
type Costs struct {
	List   int // one page of collection items
	Update int // one item position update
	Upload int
	Insert int // one collection insert
}

type Config struct {
	Cooldown   time.Duration
	Buffer     time.Duration
	DailyLimit int
	PageSize   int
	Costs      Costs
}

type markerStore interface {
	QuotaMarker() (state.QuotaMarker, error)
	SetQuotaHit(at time.Time) error
	ClearQuota() error
}

type Governor struct {
	store  markerStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(store markerStore, cfg Config, logger *zap.Logger) *Governor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Governor{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (g *Governor) SetClock(now func() time.Time) { g.now = now }

// CooldownEnd returns the end of the cooldown started by the last quota hit.
// ok is false when no hit is recorded.
func (g *Governor) CooldownEnd() (end time.Time, ok bool, err error) {
	m, err := g.store.QuotaMarker()
	if err != nil {
		return time.Time{}, false, err
	}
	if m.LastQuotaHit == nil {
		return time.Time{}, false, nil
	}
	return m.LastQuotaHit.Add(g.cfg.Cooldown + g.cfg.Buffer), true, nil
}

func (g *Governor) IsInCooldown() (bool, error) {
	end, ok, err := g.CooldownEnd()
	if err != nil || !ok {
		return false, err
	}
	return g.now().Before(end), nil
}

func (g *Governor) RecordQuotaHit() error {
	now := g.now()
	if err := g.store.SetQuotaHit(now); err != nil {
		return fmt.Errorf("record quota hit: %w", err)
	}
	g.logger.Warn("quota exceeded, cooldown started",
		zap.Time("until", now.Add(g.cfg.Cooldown+g.cfg.Buffer)))
	return nil
}

// Clear drops the marker and ends any cooldown.
func (g *Governor) Clear() error {
	if err := g.store.ClearQuota(); err != nil {
		return fmt.Errorf("clear quota: %w", err)
	}
	g.logger.Info("quota cooldown cleared")
	return nil
}

// EstimateCost returns the quota units n items of op will consume.
func (g *Governor) EstimateCost(op Operation, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("estimate %s: negative item count %d", op, n)
	}
	c := g.cfg.Costs
	switch op {
	case OpReorder:
		pages := (n + g.cfg.PageSize - 1) / g.cfg.PageSize
		return pages*c.List + n*c.Update, nil
	case OpUpload:
		return n * c.Upload, nil
	case OpUploadToCollection:
		return n * (c.Upload + c.Insert), nil
	case OpInsert:
		return n * c.Insert, nil
	default:
		return 0, fmt.Errorf("estimate: unknown operation %q", op)
	}
}

func (g *Governor) DailyLimit() int { return g.cfg.DailyLimit }

func (g *Governor) ExceedsDailyLimit(cost int) bool {
	return g.cfg.DailyLimit > 0 && cost > g.cfg.DailyLimit
}
