package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// On-disk shapes. Required keys are pointers so a missing key is
// distinguishable from an empty value.

type historyEntry struct {
	Filename   *string `json:"filename"`
	UploadDate *string `json:"upload_date"`
	RemoteID   *string `json:"remote_id"`
}

type recordEntry struct {
	State         *FileState `json:"state"`
	Timestamp     *string    `json:"timestamp"`
	RetryCount    *int       `json:"retry_count,omitempty"`
	NextRetryTime *string    `json:"next_retry_time,omitempty"`
}

type quotaEntry struct {
	LastQuotaHit *string `json:"last_quota_hit,omitempty"`
}

type checkpointEntry struct {
	CollectionID       *string `json:"collection_id"`
	Items              *[]Item `json:"ordered_items"`
	LastCommittedIndex *int    `json:"last_committed_index"`
	FailedIndexes      []int   `json:"failed_indexes,omitempty"`
}

var errMissingKey = errors.New("missing required key")

// localLayouts are accepted besides RFC 3339 for files written without a zone.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", s)
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func decodeHistory(data []byte) (map[string]HistoryRecord, error) {
	var raw map[string]*historyEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]HistoryRecord, len(raw))
	for digest, e := range raw {
		if e == nil || e.Filename == nil || e.UploadDate == nil || e.RemoteID == nil {
			return nil, fmt.Errorf("history %s: %w", digest, errMissingKey)
		}
		// an unreadable date must not drop the entry, dedup depends on it
		at, _ := parseTime(*e.UploadDate)
		out[digest] = HistoryRecord{Filename: *e.Filename, UploadedAt: at, RemoteID: *e.RemoteID}
	}
	return out, nil
}

func encodeHistory(m map[string]HistoryRecord) map[string]historyEntry {
	out := make(map[string]historyEntry, len(m))
	for digest, r := range m {
		name, date, id := r.Filename, formatTime(r.UploadedAt), r.RemoteID
		out[digest] = historyEntry{Filename: &name, UploadDate: &date, RemoteID: &id}
	}
	return out
}

func decodeRecords(data []byte) (map[string]FileRecord, error) {
	var raw map[string]*recordEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]FileRecord, len(raw))
	for path, e := range raw {
		if e == nil || e.State == nil || e.Timestamp == nil {
			return nil, fmt.Errorf("upload state %s: %w", path, errMissingKey)
		}
		if !e.State.Valid() {
			return nil, fmt.Errorf("upload state %s: invalid state %q", path, *e.State)
		}
		at, err := parseTime(*e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("upload state %s: %w", path, err)
		}
		rec := FileRecord{State: *e.State, Timestamp: at}
		if e.RetryCount != nil {
			if *e.RetryCount < 0 {
				return nil, fmt.Errorf("upload state %s: negative retry_count", path)
			}
			rec.RetryCount = *e.RetryCount
		}
		// an unparsable schedule means retry now
		if e.NextRetryTime != nil {
			if next, err := parseTime(*e.NextRetryTime); err == nil {
				rec.NextRetryAt = &next
			}
		}
		out[path] = rec
	}
	return out, nil
}

func encodeRecords(m map[string]FileRecord) map[string]recordEntry {
	out := make(map[string]recordEntry, len(m))
	for path, r := range m {
		st, ts := r.State, formatTime(r.Timestamp)
		e := recordEntry{State: &st, Timestamp: &ts}
		if r.RetryCount > 0 {
			n := r.RetryCount
			e.RetryCount = &n
		}
		if r.NextRetryAt != nil {
			next := formatTime(*r.NextRetryAt)
			e.NextRetryTime = &next
		}
		out[path] = e
	}
	return out
}

func decodeQuota(data []byte) (QuotaMarker, error) {
	var raw quotaEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return QuotaMarker{}, err
	}
	if raw.LastQuotaHit == nil {
		return QuotaMarker{}, nil
	}
	at, err := parseTime(*raw.LastQuotaHit)
	if err != nil {
		return QuotaMarker{}, fmt.Errorf("quota state: %w", err)
	}
	return QuotaMarker{LastQuotaHit: &at}, nil
}

func encodeQuota(q QuotaMarker) quotaEntry {
	if q.LastQuotaHit == nil {
		return quotaEntry{}
	}
	s := formatTime(*q.LastQuotaHit)
	return quotaEntry{LastQuotaHit: &s}
}

func decodeCheckpoint(data []byte) (*ReorderCheckpoint, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if len(probe) == 0 {
		return nil, nil
	}

	var raw checkpointEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.CollectionID == nil || raw.Items == nil || raw.LastCommittedIndex == nil {
		return nil, fmt.Errorf("reorder checkpoint: %w", errMissingKey)
	}
	items := *raw.Items
	idx := *raw.LastCommittedIndex
	if idx < -1 || idx >= len(items) {
		return nil, fmt.Errorf("reorder checkpoint: last_committed_index %d out of range for %d items", idx, len(items))
	}
	for i, it := range items {
		if it.Handle == "" {
			return nil, fmt.Errorf("reorder checkpoint: item %d has no handle", i)
		}
	}
	if err := validFailedIndexes(raw.FailedIndexes, len(items)); err != nil {
		return nil, fmt.Errorf("reorder checkpoint: %w", err)
	}
	return &ReorderCheckpoint{
		CollectionID:       *raw.CollectionID,
		Items:              items,
		LastCommittedIndex: idx,
		FailedIndexes:      raw.FailedIndexes,
	}, nil
}

// validFailedIndexes requires strictly ascending indexes inside [0, n).
func validFailedIndexes(failed []int, n int) error {
	for i, idx := range failed {
		if idx < 0 || idx >= n {
			return fmt.Errorf("failed index %d out of range for %d items", idx, n)
		}
		if i > 0 && idx <= failed[i-1] {
			return fmt.Errorf("failed indexes not ascending at %d", idx)
		}
	}
	return nil
}
