package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"mediaup/internal/failure"
	"mediaup/internal/hash"
	"mediaup/internal/journal"
	"mediaup/internal/observe"
	"mediaup/internal/remote"
	"mediaup/internal/state"
)

var (
	ErrNotRegular        = errors.New("not a regular file")
	ErrTooLarge          = errors.New("file exceeds maximum size")
	ErrRetriesExhausted  = errors.New("retries exhausted, manual intervention required")
	ErrCollectionMissing = errors.New("collection no longer exists")
)

type Status string

const (
	StatusUploaded        Status = "uploaded"
	StatusAlreadyUploaded Status = "already_uploaded"
	StatusPartial         Status = "partial"
)

type Outcome struct {
	Status   Status
	Path     string
	Digest   string
	RemoteID string
	MovedTo  string // empty when the source could not be relocated
	Message  string
}

// RetryDelay is the wait before retry n (1-based): initial*2^(n-1), capped
// at limit.
func RetryDelay(n int, initial, limit time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	d := initial
	for i := 1; i < n; i++ {
		d *= 2
		if d >= limit || d <= 0 {
			return limit
		}
	}
	return min(d, limit)
}

// UploadFile moves one file to the remote service.
//
// An error of Quota kind means the batch must stop. A Partial error comes
// with the remote id in the outcome: the media exists remotely and must not
// be uploaded again.
func (o *Orchestrator) UploadFile(ctx context.Context, path string) (Outcome, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Outcome{}, failure.Validation("upload", path, err)
	}
	path = abs
	out := Outcome{Path: path}

	if !o.guard.ValidatePath(path, "") {
		return out, failure.Validation("upload", path, errors.New("invalid path"))
	}
	info, err := os.Stat(path)
	if err != nil {
		return out, failure.Validation("upload", path, err)
	}
	if !info.Mode().IsRegular() {
		return out, failure.Validation("upload", path, ErrNotRegular)
	}
	if o.cfg.MaxFileSize > 0 && info.Size() > o.cfg.MaxFileSize {
		return out, failure.Validation("upload", path, fmt.Errorf("%w: %s > %s", ErrTooLarge,
			humanize.IBytes(uint64(info.Size())), humanize.IBytes(uint64(o.cfg.MaxFileSize))))
	}

	if err := o.cooldownGate("upload", path); err != nil {
		return out, err
	}

	sum, err := o.hasher.Compute(path)
	if err != nil {
		if errors.Is(err, hash.ErrNotAFile) || errors.Is(err, hash.ErrPermissionDenied) {
			return out, failure.Validation("fingerprint", path, err)
		}
		return out, failure.Integrity("fingerprint", path, err)
	}
	out.Digest = sum.Digest

	uploaded, err := o.store.IsUploaded(sum.Digest)
	if err != nil {
		return out, failure.Persistence("check history", path, err)
	}
	if uploaded {
		out.Status = StatusAlreadyUploaded
		out.Message = filepath.Base(path) + " already uploaded"
		o.status(observe.LevelInfo, "skipping duplicate", observe.F("path", path), observe.F("digest", sum.Digest))
		o.observer.Notify(observe.Event{Kind: observe.EventAlreadyUploaded, At: o.now(), Path: path, Message: out.Message})
		return out, nil
	}

	prev, _, err := o.store.FileRecord(path)
	if err != nil {
		return out, failure.Persistence("read state", path, err)
	}
	if err := o.store.SetFileRecord(path, state.FileRecord{State: state.StateUploading, RetryCount: prev.RetryCount}); err != nil {
		return out, err
	}
	o.record(ctx, journal.Entry{Path: path, Digest: sum.Digest, From: string(prev.State), To: string(state.StateUploading), Attempt: prev.RetryCount + 1})
	o.observer.Notify(observe.Event{Kind: observe.EventUploadStarted, At: o.now(), Path: path, Bytes: sum.Size})
	o.status(observe.LevelInfo, "uploading",
		observe.F("path", path), observe.F("size", humanize.IBytes(uint64(sum.Size))), observe.F("attempt", prev.RetryCount+1))

	label := "upload " + filepath.Base(path)
	remoteID, err := o.remote.Upload(context.WithoutCancel(ctx), remote.UploadRequest{
		Path: path,
		Metadata: remote.Metadata{
			Title:       strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Privacy:     o.cfg.Privacy,
			ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
			Digest:      sum.Digest,
			Size:        sum.Size,
			CRC32C:      sum.CRC32C,
		},
		Progress: func(sent, total int64) { o.observer.Progress(sent, total, label) },
	})
	if err != nil {
		return out, o.uploadFailed(ctx, path, sum.Digest, prev.RetryCount, err)
	}
	out.RemoteID = remoteID

	if err := o.catalog(ctx, path, remoteID); err != nil {
		return o.partial(ctx, out, err)
	}

	if dst, err := o.relocate(path, sum.Digest); err != nil {
		o.status(observe.LevelWarn, "could not relocate uploaded file", observe.F("path", path), observe.F("error", err.Error()))
		o.observer.Notify(observe.Event{Kind: observe.EventMoveFailed, At: o.now(), Path: path, Err: err})
	} else {
		out.MovedTo = dst
	}

	if err := o.persist("history", func() error {
		return o.store.AddHistory(sum.Digest, filepath.Base(path), remoteID)
	}); err != nil {
		return out, err
	}
	if err := o.persist("completed", func() error {
		return o.store.SetFileRecord(path, state.FileRecord{State: state.StateCompleted})
	}); err != nil {
		return out, err
	}
	o.record(ctx, journal.Entry{Path: path, Digest: sum.Digest, From: string(state.StateUploading), To: string(state.StateCompleted), Attempt: prev.RetryCount + 1, RemoteID: remoteID})

	out.Status = StatusUploaded
	out.Message = fmt.Sprintf("uploaded %s as %s", filepath.Base(path), remoteID)
	o.status(observe.LevelInfo, "upload complete", observe.F("path", path), observe.F("remote_id", remoteID))
	o.observer.Notify(observe.Event{Kind: observe.EventUploadCompleted, At: o.now(), Path: path, RemoteID: remoteID, Bytes: sum.Size, Message: out.Message})
	return out, nil
}

// uploadFailed records a failed upload. Quota failures start the cooldown
// and schedule nothing; other failures count against the retry budget.
func (o *Orchestrator) uploadFailed(ctx context.Context, path, digest string, retries int, cause error) error {
	entry := journal.Entry{Path: path, Digest: digest, From: string(state.StateUploading), To: string(state.StateFailed), Attempt: retries + 1, Error: cause.Error()}

	if remote.IsQuota(cause) {
		if err := o.quota.RecordQuotaHit(); err != nil {
			o.logger.Error("could not record quota hit", zap.Error(err))
		}
		if err := o.persist("failed", func() error {
			return o.store.SetFileRecord(path, state.FileRecord{State: state.StateFailed, RetryCount: retries})
		}); err != nil {
			return err
		}
		o.record(ctx, entry)
		o.observer.Notify(observe.Event{Kind: observe.EventQuotaExceeded, At: o.now(), Path: path, Err: cause})
		return failure.Quota("upload", path, cause)
	}

	n := retries + 1
	rec := state.FileRecord{State: state.StateFailed, RetryCount: n}
	var fe *failure.Error
	if n < o.cfg.MaxAttempts {
		next := o.now().Add(RetryDelay(n, o.cfg.RetryInitial, o.cfg.RetryMax))
		rec.NextRetryAt = &next
		fe = failure.Transient("upload", path, cause)
		o.status(observe.LevelWarn, "upload failed, retry scheduled",
			observe.F("path", path), observe.F("attempt", n), observe.F("max", o.cfg.MaxAttempts), observe.F("next", next), observe.F("error", cause.Error()))
	} else {
		fe = failure.Transient("upload", path, fmt.Errorf("%w: %w", ErrRetriesExhausted, cause))
		o.status(observe.LevelError, "upload failed permanently",
			observe.F("path", path), observe.F("attempts", n), observe.F("error", cause.Error()))
	}

	if err := o.persist("failed", func() error { return o.store.SetFileRecord(path, rec) }); err != nil {
		return err
	}
	o.record(ctx, entry)
	o.observer.Notify(observe.Event{Kind: observe.EventUploadFailed, At: o.now(), Path: path, Count: n, Err: cause})
	return fe
}

// catalog inserts remoteID into the target collection. Only a missing
// collection is reported; other failures are logged and the upload stands.
func (o *Orchestrator) catalog(ctx context.Context, path, remoteID string) error {
	id := o.cfg.CollectionID
	if id == "" {
		return nil
	}
	ctx = context.WithoutCancel(ctx)

	ok, err := o.remote.CollectionExists(ctx, id)
	if err != nil {
		o.catalogWarning(path, id, err)
		return nil
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrCollectionMissing)
	}

	err = o.remote.InsertIntoCollection(ctx, remoteID, id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, remote.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", id, ErrCollectionMissing, err)
	default:
		o.catalogWarning(path, id, err)
		return nil
	}
}

func (o *Orchestrator) catalogWarning(path, collectionID string, err error) {
	if remote.IsQuota(err) {
		if qerr := o.quota.RecordQuotaHit(); qerr != nil {
			o.logger.Error("could not record quota hit", zap.Error(qerr))
		}
	}
	o.status(observe.LevelWarn, "could not add upload to collection",
		observe.F("path", path), observe.F("collection", collectionID), observe.F("error", err.Error()))
}

// partial records an upload whose collection vanished: history keeps it from
// being uploaded again, the record is failed for the operator, the file
// stays where it is.
func (o *Orchestrator) partial(ctx context.Context, out Outcome, cause error) (Outcome, error) {
	out.Status = StatusPartial
	out.Message = fmt.Sprintf("uploaded %s as %s but could not add it to the collection", filepath.Base(out.Path), out.RemoteID)

	if err := o.persist("history", func() error {
		return o.store.AddHistory(out.Digest, filepath.Base(out.Path), out.RemoteID)
	}); err != nil {
		return out, err
	}
	if err := o.persist("failed", func() error {
		return o.store.SetFileRecord(out.Path, state.FileRecord{State: state.StateFailed, RetryCount: o.cfg.MaxAttempts})
	}); err != nil {
		return out, err
	}
	o.record(ctx, journal.Entry{Path: out.Path, Digest: out.Digest, From: string(state.StateUploading), To: string(state.StateFailed), RemoteID: out.RemoteID, Error: cause.Error()})

	o.status(observe.LevelError, out.Message, observe.F("remote_id", out.RemoteID), observe.F("error", cause.Error()))
	o.observer.Notify(observe.Event{Kind: observe.EventPartialSuccess, At: o.now(), Path: out.Path, RemoteID: out.RemoteID, Err: cause, Message: out.Message})
	return out, failure.New(failure.KindPartial, "catalog", out.Path, cause)
}

func (o *Orchestrator) relocate(path, digest string) (string, error) {
	dir := filepath.Join(filepath.Dir(path), o.cfg.ProcessedDir)
	if err := o.guard.EnsureDir(dir); err != nil {
		return "", err
	}
	res, err := o.guard.SafeMove(path, filepath.Join(dir, filepath.Base(path)), digest)
	if err != nil {
		return "", err
	}
	return res.Destination, nil
}
