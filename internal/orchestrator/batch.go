package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediaup/internal/discover"
	"mediaup/internal/failure"
	"mediaup/internal/journal"
	"mediaup/internal/observe"
	"mediaup/internal/state"
)

type FileError struct {
	Path string
	Kind failure.Kind
	Err  error
}

type BatchResult struct {
	ID            string
	Total         int
	Succeeded     int
	Failed        int
	Skipped       int
	QuotaExceeded bool
	Stopped       bool // the context ended before every file was tried
	Errors        []FileError
}

func (r BatchResult) String() string {
	s := fmt.Sprintf("%d succeeded, %d skipped, %d failed of %d", r.Succeeded, r.Skipped, r.Failed, r.Total)
	switch {
	case r.QuotaExceeded:
		s += " (stopped: quota exceeded)"
	case r.Stopped:
		s += " (stopped)"
	}
	return s
}

// Recover resets every interrupted upload whose file still exists back to
// pending. Run it once at startup before accepting work.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	reset, err := o.store.ResetInterrupted(o.exists)
	if err != nil {
		return 0, err
	}
	for _, p := range reset {
		o.record(ctx, journal.Entry{Path: p, From: string(state.StateUploading), To: string(state.StatePending)})
	}
	if len(reset) > 0 {
		o.status(observe.LevelInfo, "reset interrupted uploads", observe.F("count", len(reset)))
		o.observer.Notify(observe.Event{Kind: observe.EventRecovered, At: o.now(), Count: len(reset),
			Message: fmt.Sprintf("reset %d interrupted upload(s) to pending", len(reset))})
	}
	return len(reset), nil
}

// ReadyForRetry lists failed files whose retry is due, whose attempts are not
// exhausted and which still exist, sorted by path.
func (o *Orchestrator) ReadyForRetry() ([]string, error) {
	recs, err := o.store.FileRecords()
	if err != nil {
		return nil, err
	}
	var out []string
	for p, rec := range recs {
		if rec.State == state.StateFailed && o.retryDue(rec) && o.exists(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (o *Orchestrator) retryDue(rec state.FileRecord) bool {
	if rec.RetryCount >= o.cfg.MaxAttempts {
		return false
	}
	return rec.NextRetryAt == nil || !o.now().Before(*rec.NextRetryAt)
}

// eligible reports whether a batch should try path now.
func (o *Orchestrator) eligible(recs map[string]state.FileRecord, path string) bool {
	rec, ok := recs[path]
	if !ok || rec.State != state.StateFailed {
		return true
	}
	return o.retryDue(rec)
}

// UploadFolder uploads every supported file directly inside dir, in name
// order. It stops at the first quota error and returns it.
func (o *Orchestrator) UploadFolder(ctx context.Context, dir string) (BatchResult, error) {
	res := BatchResult{ID: uuid.NewString()}
	if err := o.cooldownGate("batch", dir); err != nil {
		res.QuotaExceeded = failure.IsQuota(err)
		return res, err
	}

	files, err := discover.MediaFiles(ctx, dir, o.cfg.Extensions)
	if err != nil {
		return res, fmt.Errorf("list %s: %w", dir, err)
	}
	recs, err := o.store.FileRecords()
	if err != nil {
		return res, err
	}
	return o.run(ctx, res, files, func(p string) bool { return o.eligible(recs, p) })
}

// RetryFailed uploads every file ReadyForRetry returns.
func (o *Orchestrator) RetryFailed(ctx context.Context) (BatchResult, error) {
	res := BatchResult{ID: uuid.NewString()}
	if err := o.cooldownGate("retry", ""); err != nil {
		res.QuotaExceeded = failure.IsQuota(err)
		return res, err
	}
	files, err := o.ReadyForRetry()
	if err != nil {
		return res, err
	}
	return o.run(ctx, res, files, func(string) bool { return true })
}

func (o *Orchestrator) run(ctx context.Context, res BatchResult, files []string, eligible func(string) bool) (BatchResult, error) {
	log := o.logger.With(zap.String("batch", res.ID))
	res.Total = len(files)
	if len(files) == 0 {
		o.status(observe.LevelInfo, "no media files found", observe.F("batch", res.ID))
		return res, nil
	}
	o.status(observe.LevelInfo, "batch started", observe.F("batch", res.ID), observe.F("files", len(files)))

	for i, p := range files {
		if ctx.Err() != nil {
			o.status(observe.LevelInfo, "batch stopped", observe.F("batch", res.ID), observe.F("done", i), observe.F("total", len(files)))
			res.Stopped = true
			break
		}
		o.observer.Progress(int64(i), int64(len(files)), "batch")

		if !eligible(p) {
			log.Debug("retry not due, skipping", zap.String("path", p))
			res.Skipped++
			continue
		}

		out, err := o.UploadFile(ctx, p)
		switch {
		case err == nil && out.Status == StatusAlreadyUploaded:
			res.Skipped++
		case err == nil:
			res.Succeeded++
		case failure.IsQuota(err):
			res.QuotaExceeded = true
			res.Errors = append(res.Errors, FileError{Path: p, Kind: failure.KindQuota, Err: err})
			o.status(observe.LevelWarn, "quota exceeded, stopping batch", observe.F("batch", res.ID), observe.F("path", p))
			o.finish(res)
			return res, err
		case failure.KindOf(err) == failure.KindValidation:
			res.Skipped++
			res.Errors = append(res.Errors, FileError{Path: p, Kind: failure.KindValidation, Err: err})
		default:
			res.Failed++
			res.Errors = append(res.Errors, FileError{Path: p, Kind: failure.KindOf(err), Err: err})
		}
	}

	if !res.Stopped {
		o.observer.Progress(int64(len(files)), int64(len(files)), "batch")
	}
	o.finish(res)
	return res, nil
}

func (o *Orchestrator) finish(res BatchResult) {
	o.status(observe.LevelInfo, "batch finished", observe.F("batch", res.ID), observe.F("result", res.String()))
	o.observer.Notify(observe.Event{Kind: observe.EventBatchCompleted, At: o.now(), Count: res.Succeeded, Message: res.String()})
}
