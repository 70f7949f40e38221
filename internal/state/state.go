// Package state persists the four records the upload engine depends on:
// upload history, per-file upload state, the quota marker and the reorder
// checkpoint. Each lives in its own JSON file and is replaced atomically.
package state

import "time"

type FileState string

const (
	StatePending   FileState = "pending"
	StateUploading FileState = "uploading"
	StateCompleted FileState = "completed"
	StateFailed    FileState = "failed"
)

func (s FileState) Valid() bool {
	switch s {
	case StatePending, StateUploading, StateCompleted, StateFailed:
		return true
	}
	return false
}

// FileRecord is the lifecycle entry for one source path.
type FileRecord struct {
	State       FileState
	Timestamp   time.Time
	RetryCount  int        // zero until a failure is recorded
	NextRetryAt *time.Time // nil when no retry is scheduled
}

// HistoryRecord marks a content digest as durably accepted by the remote
// service.
type HistoryRecord struct {
	Filename   string
	UploadedAt time.Time
	RemoteID   string
}

type QuotaMarker struct {
	LastQuotaHit *time.Time
}

type Item struct {
	Handle   string `json:"item_handle"`
	RemoteID string `json:"remote_id"`
	Title    string `json:"title"`
}

// ReorderCheckpoint holds a computed collection order and how far its
// commits got. LastCommittedIndex is -1 before the first commit.
// FailedIndexes lists items whose position update failed with a non-quota
// error, in ascending order.
type ReorderCheckpoint struct {
	CollectionID       string `json:"collection_id"`
	Items              []Item `json:"ordered_items"`
	LastCommittedIndex int    `json:"last_committed_index"`
	FailedIndexes      []int  `json:"failed_indexes,omitempty"`
}

// Remaining is the number of items not yet committed.
func (c *ReorderCheckpoint) Remaining() int {
	return len(c.Items) - (c.LastCommittedIndex + 1)
}

type Stats struct {
	TotalUploads     int  `json:"total_uploads"`
	Pending          int  `json:"pending"`
	Uploading        int  `json:"uploading"`
	Completed        int  `json:"completed"`
	Failed           int  `json:"failed"`
	QuotaHitRecorded bool `json:"quota_hit_recorded"`
}
