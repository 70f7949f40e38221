package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var fixedNow = time.Date(2025, 10, 22, 14, 30, 0, 0, time.UTC)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	s.SetClock(func() time.Time { return fixedNow })
	return s
}

func TestFirstRunDefaults(t *testing.T) {
	s := newStore(t)

	up, err := s.IsUploaded("abc")
	require.NoError(t, err)
	assert.False(t, up)

	recs, err := s.FileRecords()
	require.NoError(t, err)
	assert.Empty(t, recs)

	q, err := s.QuotaMarker()
	require.NoError(t, err)
	assert.Nil(t, q.LastQuotaHit)

	cp, err := s.Checkpoint("c1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestHistoryIsKeyedByDigest(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddHistory("d1", "clip.mp4", "r1"))
	require.NoError(t, s.AddHistory("d1", "renamed.mp4", "r2"))

	h, err := s.History()
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, "clip.mp4", h["d1"].Filename)
	assert.Equal(t, "r1", h["d1"].RemoteID)
	assert.True(t, h["d1"].UploadedAt.Equal(fixedNow))

	raw, err := os.ReadFile(filepath.Join(s.Dir(), HistoryFile))
	require.NoError(t, err)
	assert.JSONEq(t, `{"d1":{"filename":"clip.mp4","upload_date":"2025-10-22T14:30:00Z","remote_id":"r1"}}`, string(raw))
}

func TestFileRecordRoundTrip(t *testing.T) {
	s := newStore(t)
	next := fixedNow.Add(2 * time.Minute)
	require.NoError(t, s.SetFileRecord("/v/a.mp4", FileRecord{State: StateFailed, RetryCount: 2, NextRetryAt: &next}))
	require.NoError(t, s.SetFileRecord("/v/b.mp4", FileRecord{State: StateUploading}))

	a, ok, err := s.FileRecord("/v/a.mp4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateFailed, a.State)
	assert.Equal(t, 2, a.RetryCount)
	require.NotNil(t, a.NextRetryAt)
	assert.True(t, a.NextRetryAt.Equal(next))

	b, ok, err := s.FileRecord("/v/b.mp4")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, b.RetryCount)
	assert.Nil(t, b.NextRetryAt)

	raw, err := os.ReadFile(filepath.Join(s.Dir(), RecordsFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"next_retry_time": "2025-10-22T14:32:00Z"`)
}

func TestAcceptsZonelessTimestamps(t *testing.T) {
	s := newStore(t)
	writeRaw(t, s, RecordsFile, `{"/v/a.mp4":{"state":"failed","timestamp":"2025-10-22T14:30:00.123456","retry_count":1,"next_retry_time":"2025-10-22T14:31:00"}}`)
	writeRaw(t, s, QuotaFile, `{"last_quota_hit":"2025-10-22T14:30:00"}`)

	rec, ok, err := s.FileRecord("/v/a.mp4")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, rec.NextRetryAt)
	assert.True(t, rec.NextRetryAt.Equal(time.Date(2025, 10, 22, 14, 31, 0, 0, time.Local)))
	assert.Equal(t, 1, rec.RetryCount)

	q, err := s.QuotaMarker()
	require.NoError(t, err)
	require.NotNil(t, q.LastQuotaHit)
}

func writeRaw(t *testing.T, s *Store, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), []byte(content), 0o644))
}

func TestCorruptFilesAreQuarantined(t *testing.T) {
	cases := map[string]struct {
		file    string
		content string
	}{
		"malformed history":      {HistoryFile, `{"d1": {"filename": "a"`},
		"history missing key":    {HistoryFile, `{"d1": {"filename": "a", "upload_date": "x"}}`},
		"history not an object":  {HistoryFile, `["d1"]`},
		"unknown state":          {RecordsFile, `{"/a": {"state": "done", "timestamp": "2025-10-22T14:30:00Z"}}`},
		"retry count not an int": {RecordsFile, `{"/a": {"state": "failed", "timestamp": "2025-10-22T14:30:00Z", "retry_count": "3"}}`},
		"record missing stamp":   {RecordsFile, `{"/a": {"state": "failed"}}`},
		"quota not a time":       {QuotaFile, `{"last_quota_hit": "yesterday"}`},
		"quota wrong type":       {QuotaFile, `{"last_quota_hit": 17}`},
		"checkpoint missing key": {CheckpointFile, `{"collection_id": "c1", "ordered_items": []}`},
		"checkpoint items shape": {CheckpointFile, `{"collection_id": "c1", "ordered_items": {}, "last_committed_index": 0}`},
		"checkpoint index range": {CheckpointFile, `{"collection_id": "c1", "ordered_items": [], "last_committed_index": 4}`},
		"failed index range":     {CheckpointFile, `{"collection_id": "c1", "ordered_items": [{"item_handle": "h1"}], "last_committed_index": 0, "failed_indexes": [3]}`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			writeRaw(t, s, tc.file, tc.content)

			_, err := s.Stats()
			require.NoError(t, err)
			_, err = s.Checkpoint("c1")
			require.NoError(t, err)

			backup := filepath.Join(s.Dir(), fmt.Sprintf("%s.corrupt.%d", tc.file, fixedNow.Unix()))
			saved, err := os.ReadFile(backup)
			require.NoError(t, err)
			assert.Equal(t, tc.content, string(saved))

			// reset in place, so a second read does not quarantine again
			_, err = s.Stats()
			require.NoError(t, err)
			_, err = s.Checkpoint("c1")
			require.NoError(t, err)
			matches, err := filepath.Glob(filepath.Join(s.Dir(), "*.corrupt.*"))
			require.NoError(t, err)
			assert.Len(t, matches, 1)
		})
	}
}

func TestCorruptionLeavesOtherFilesAlone(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddHistory("d1", "a.mp4", "r1"))
	writeRaw(t, s, RecordsFile, `not json`)

	recs, err := s.FileRecords()
	require.NoError(t, err)
	assert.Empty(t, recs)

	up, err := s.IsUploaded("d1")
	require.NoError(t, err)
	assert.True(t, up)
}

func TestCrashBeforeRenameKeepsOriginal(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SetFileRecord("/v/a.mp4", FileRecord{State: StatePending}))
	path := filepath.Join(s.Dir(), RecordsFile)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	crash := errors.New("power lost")
	renameFile = func(string, string) error { return crash }
	t.Cleanup(func() { renameFile = os.Rename })

	err = s.SetFileRecord("/v/a.mp4", FileRecord{State: StateUploading})
	require.Error(t, err)
	assert.ErrorIs(t, err, crash)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	tmps, err := filepath.Glob(filepath.Join(s.Dir(), ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmps)
}

func TestResetInterrupted(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()
	present := filepath.Join(dir, "present.mp4")
	require.NoError(t, os.WriteFile(present, []byte("x"), 0o644))
	gone := filepath.Join(dir, "gone.mp4")

	require.NoError(t, s.SetFileRecord(present, FileRecord{State: StateUploading, RetryCount: 1}))
	require.NoError(t, s.SetFileRecord(gone, FileRecord{State: StateUploading}))
	require.NoError(t, s.SetFileRecord("/v/done.mp4", FileRecord{State: StateCompleted}))

	exists := func(p string) bool {
		_, err := os.Stat(p)
		return err == nil
	}
	reset, err := s.ResetInterrupted(exists)
	require.NoError(t, err)
	assert.Equal(t, []string{present}, reset)

	rec, _, err := s.FileRecord(present)
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, 1, rec.RetryCount)

	rec, _, err = s.FileRecord(gone)
	require.NoError(t, err)
	assert.Equal(t, StateUploading, rec.State)

	again, err := s.ResetInterrupted(exists)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestQuotaMarker(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SetQuotaHit(fixedNow))

	q, err := s.QuotaMarker()
	require.NoError(t, err)
	require.NotNil(t, q.LastQuotaHit)
	assert.True(t, q.LastQuotaHit.Equal(fixedNow))

	require.NoError(t, s.ClearQuota())
	q, err = s.QuotaMarker()
	require.NoError(t, err)
	assert.Nil(t, q.LastQuotaHit)
}

func TestCheckpoint(t *testing.T) {
	s := newStore(t)
	items := []Item{{Handle: "h1", RemoteID: "r1", Title: "a"}, {Handle: "h2", RemoteID: "r2", Title: "b"}}
	require.NoError(t, s.SaveCheckpoint(ReorderCheckpoint{CollectionID: "c1", Items: items, LastCommittedIndex: 0}))

	cp, err := s.Checkpoint("c1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, items, cp.Items)
	assert.Equal(t, 0, cp.LastCommittedIndex)
	assert.Equal(t, 1, cp.Remaining())

	other, err := s.Checkpoint("c2")
	require.NoError(t, err)
	assert.Nil(t, other)

	assert.Error(t, s.SaveCheckpoint(ReorderCheckpoint{CollectionID: "c1", Items: items, LastCommittedIndex: 2}))
	assert.Error(t, s.SaveCheckpoint(ReorderCheckpoint{CollectionID: "c1", Items: items, LastCommittedIndex: 0, FailedIndexes: []int{1, 1}}))

	require.NoError(t, s.SaveCheckpoint(ReorderCheckpoint{CollectionID: "c1", Items: items, LastCommittedIndex: 1, FailedIndexes: []int{0}}))
	cp, err = s.Checkpoint("c1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, []int{0}, cp.FailedIndexes)

	require.NoError(t, s.ClearCheckpoint())
	cp, err = s.Checkpoint("c1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestStatsAndBackup(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.AddHistory("d1", "a.mp4", "r1"))
	require.NoError(t, s.SetFileRecord("/a", FileRecord{State: StateCompleted}))
	require.NoError(t, s.SetFileRecord("/b", FileRecord{State: StateFailed, RetryCount: 1}))
	require.NoError(t, s.SetFileRecord("/c", FileRecord{State: StatePending}))
	require.NoError(t, s.SetQuotaHit(fixedNow))

	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{TotalUploads: 1, Pending: 1, Completed: 1, Failed: 1, QuotaHitRecorded: true}, st)

	out := filepath.Join(t.TempDir(), "backups")
	written, err := s.ExportBackup(out)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(out, "upload_history.json.20251022_143000.backup"),
		filepath.Join(out, "upload_state.json.20251022_143000.backup"),
		filepath.Join(out, "quota_state.json.20251022_143000.backup"),
	}, written)
}

func TestConcurrentWritersDoNotLoseRecords(t *testing.T) {
	s := newStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.SetFileRecord(fmt.Sprintf("/v/%02d.mp4", i), FileRecord{State: StatePending}))
		}(i)
	}
	wg.Wait()

	recs, err := s.FileRecords()
	require.NoError(t, err)
	assert.Len(t, recs, 20)
}
