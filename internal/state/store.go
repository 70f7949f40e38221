package state

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"mediaup/internal/failure"
)

const (
	HistoryFile    = "upload_history.json"
	RecordsFile    = "upload_state.json"
	QuotaFile      = "quota_state.json"
	CheckpointFile = "reorder_checkpoint.json"
)

// Files lists every file the store owns.
var Files = []string{HistoryFile, RecordsFile, QuotaFile, CheckpointFile}

// Store is the only reader and writer of the state directory. Every accessor
// reads the file again under that file's mutex; nothing is cached between
// calls.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time

	locks map[string]*sync.Mutex
}

func Open(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failure.Persistence("open state dir", dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	locks := make(map[string]*sync.Mutex, len(Files))
	for _, name := range Files {
		locks[name] = &sync.Mutex{}
	}
	return &Store{dir: dir, logger: logger, now: time.Now, locks: locks}, nil
}

func (s *Store) Dir() string { return s.dir }

// SetClock replaces the time source used for record timestamps.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) path(name string) string { return filepath.Join(s.dir, name) }

func (s *Store) lock(name string) func() {
	mu := s.locks[name]
	mu.Lock()
	return mu.Unlock
}

// load reads name and decodes it. A missing file yields the empty value. A
// file that does not decode is copied aside as <name>.corrupt.<unix>, the
// empty value is written in its place and returned.
func load[T any](s *Store, name string, empty func() T, decode func([]byte) (T, error)) (T, error) {
	path := s.path(name)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return empty(), nil
	}
	if err != nil {
		return empty(), failure.Persistence("read state", path, err)
	}

	v, err := decode(data)
	if err == nil {
		return v, nil
	}

	corrupt := failure.New(failure.KindStateCorruption, "load state", path, err)
	backup, berr := s.quarantine(path)
	if berr != nil {
		s.logger.Error("could not back up corrupt state file", zap.String("file", name), zap.Error(berr))
	}
	s.logger.Warn("state file corrupt, starting empty",
		zap.String("file", name), zap.String("backup", backup), zap.Error(corrupt))

	v = empty()
	if err := writeJSON(path, map[string]any{}); err != nil {
		s.logger.Error("could not reset corrupt state file", zap.String("file", name), zap.Error(err))
	}
	return v, nil
}

func (s *Store) quarantine(path string) (string, error) {
	base := path + ".corrupt." + strconv.FormatInt(s.now().Unix(), 10)
	backup := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(backup); errors.Is(err, fs.ErrNotExist) {
			break
		}
		backup = fmt.Sprintf("%s.%d", base, i)
	}
	return backup, copyFile(path, backup, os.O_EXCL)
}

func copyFile(src, dst string, flag int) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|flag, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (s *Store) save(name string, v any) error {
	if err := writeJSON(s.path(name), v); err != nil {
		return failure.Persistence("write state", s.path(name), err)
	}
	return nil
}

func emptyHistory() map[string]HistoryRecord { return map[string]HistoryRecord{} }
func emptyRecords() map[string]FileRecord    { return map[string]FileRecord{} }
func emptyQuota() QuotaMarker                { return QuotaMarker{} }
func noCheckpoint() *ReorderCheckpoint       { return nil }

// ---- history ----

func (s *Store) IsUploaded(digest string) (bool, error) {
	defer s.lock(HistoryFile)()
	h, err := load(s, HistoryFile, emptyHistory, decodeHistory)
	if err != nil {
		return false, err
	}
	_, ok := h[digest]
	return ok, nil
}

// AddHistory records digest as uploaded. An existing entry is kept.
func (s *Store) AddHistory(digest, filename, remoteID string) error {
	defer s.lock(HistoryFile)()
	h, err := load(s, HistoryFile, emptyHistory, decodeHistory)
	if err != nil {
		return err
	}
	if _, ok := h[digest]; ok {
		return nil
	}
	h[digest] = HistoryRecord{Filename: filename, UploadedAt: s.now(), RemoteID: remoteID}
	return s.save(HistoryFile, encodeHistory(h))
}

func (s *Store) History() (map[string]HistoryRecord, error) {
	defer s.lock(HistoryFile)()
	return load(s, HistoryFile, emptyHistory, decodeHistory)
}

// ---- upload state ----

// SetFileRecord stamps rec with the current time and stores it under path.
func (s *Store) SetFileRecord(path string, rec FileRecord) error {
	defer s.lock(RecordsFile)()
	m, err := load(s, RecordsFile, emptyRecords, decodeRecords)
	if err != nil {
		return err
	}
	rec.Timestamp = s.now()
	m[path] = rec
	return s.save(RecordsFile, encodeRecords(m))
}

func (s *Store) FileRecord(path string) (FileRecord, bool, error) {
	defer s.lock(RecordsFile)()
	m, err := load(s, RecordsFile, emptyRecords, decodeRecords)
	if err != nil {
		return FileRecord{}, false, err
	}
	rec, ok := m[path]
	return rec, ok, nil
}

func (s *Store) FileRecords() (map[string]FileRecord, error) {
	defer s.lock(RecordsFile)()
	return load(s, RecordsFile, emptyRecords, decodeRecords)
}

// ResetInterrupted moves every uploading record whose file still exists back
// to pending and returns the reset paths in sorted order. The retry count is
// kept.
func (s *Store) ResetInterrupted(exists func(path string) bool) ([]string, error) {
	defer s.lock(RecordsFile)()
	m, err := load(s, RecordsFile, emptyRecords, decodeRecords)
	if err != nil {
		return nil, err
	}
	var reset []string
	now := s.now()
	for path, rec := range m {
		if rec.State != StateUploading || !exists(path) {
			continue
		}
		rec.State = StatePending
		rec.Timestamp = now
		m[path] = rec
		reset = append(reset, path)
	}
	if len(reset) == 0 {
		return nil, nil
	}
	if err := s.save(RecordsFile, encodeRecords(m)); err != nil {
		return nil, err
	}
	sort.Strings(reset)
	return reset, nil
}

// ---- quota ----

func (s *Store) QuotaMarker() (QuotaMarker, error) {
	defer s.lock(QuotaFile)()
	return load(s, QuotaFile, emptyQuota, decodeQuota)
}

func (s *Store) SetQuotaHit(at time.Time) error {
	defer s.lock(QuotaFile)()
	return s.save(QuotaFile, encodeQuota(QuotaMarker{LastQuotaHit: &at}))
}

func (s *Store) ClearQuota() error {
	defer s.lock(QuotaFile)()
	return s.save(QuotaFile, encodeQuota(QuotaMarker{}))
}

// ---- reorder checkpoint ----

// Checkpoint returns the saved checkpoint for collectionID, or nil when none
// exists or the saved one belongs to another collection.
func (s *Store) Checkpoint(collectionID string) (*ReorderCheckpoint, error) {
	defer s.lock(CheckpointFile)()
	cp, err := load(s, CheckpointFile, noCheckpoint, decodeCheckpoint)
	if err != nil || cp == nil || cp.CollectionID != collectionID {
		return nil, err
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(cp ReorderCheckpoint) error {
	if cp.LastCommittedIndex < -1 || cp.LastCommittedIndex >= len(cp.Items) {
		return fmt.Errorf("save checkpoint: index %d out of range for %d items", cp.LastCommittedIndex, len(cp.Items))
	}
	if err := validFailedIndexes(cp.FailedIndexes, len(cp.Items)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if cp.Items == nil {
		cp.Items = []Item{}
	}
	defer s.lock(CheckpointFile)()
	return s.save(CheckpointFile, cp)
}

func (s *Store) ClearCheckpoint() error {
	defer s.lock(CheckpointFile)()
	return s.save(CheckpointFile, map[string]any{})
}

// ---- maintenance ----

func (s *Store) Stats() (Stats, error) {
	var st Stats
	h, err := s.History()
	if err != nil {
		return st, err
	}
	st.TotalUploads = len(h)

	recs, err := s.FileRecords()
	if err != nil {
		return st, err
	}
	for _, r := range recs {
		switch r.State {
		case StatePending:
			st.Pending++
		case StateUploading:
			st.Uploading++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		}
	}

	q, err := s.QuotaMarker()
	if err != nil {
		return st, err
	}
	st.QuotaHitRecorded = q.LastQuotaHit != nil
	return st, nil
}

// ExportBackup copies every existing state file into dir as
// <name>.<YYYYMMDD_HHMMSS>.backup and returns the paths written.
func (s *Store) ExportBackup(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, failure.Persistence("backup", dir, err)
	}
	stamp := s.now().Format("20060102_150405")
	var written []string
	for _, name := range Files {
		unlock := s.lock(name)
		dst := filepath.Join(dir, name+"."+stamp+".backup")
		err := copyFile(s.path(name), dst, os.O_TRUNC)
		unlock()
		switch {
		case errors.Is(err, fs.ErrNotExist):
			continue
		case err != nil:
			return written, failure.Persistence("backup", dst, err)
		}
		s.logger.Info("backed up state file", zap.String("file", name), zap.String("backup", dst))
		written = append(written, dst)
	}
	return written, nil
}
