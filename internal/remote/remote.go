// Package remote defines what the upload engine needs from a media hosting
// service. Adapters live in subpackages.
package remote

import (
	"context"
	"errors"
)

var (
	// ErrQuotaExceeded is wrapped by every error that means the service's
	// quota or upload limit was hit.
	ErrQuotaExceeded = errors.New("remote quota exceeded")
	ErrNotFound      = errors.New("remote object not found")
)

type Metadata struct {
	Title       string
	Description string
	Privacy     string
	ContentType string

	// Filled from the local fingerprint so adapters can verify the upload.
	Digest string
	Size   int64
	CRC32C uint32
}

type UploadRequest struct {
	Path     string
	Metadata Metadata

	// Progress, when set, receives bytes sent so far and the total.
	Progress func(sent, total int64)
}

// Item is one entry of a collection. Handle identifies the membership, not
// the media; RemoteID identifies the media.
type Item struct {
	Handle   string
	RemoteID string
	Title    string
}

type Page struct {
	Items     []Item
	NextToken string // empty on the last page
}

type Service interface {
	// Upload sends the file and returns its remote id.
	Upload(ctx context.Context, req UploadRequest) (string, error)
	// InsertIntoCollection returns an error wrapping ErrNotFound when the
	// collection is gone.
	InsertIntoCollection(ctx context.Context, remoteID, collectionID string) error
	CollectionExists(ctx context.Context, collectionID string) (bool, error)
	ListCollectionItems(ctx context.Context, collectionID, pageToken string, pageSize int) (Page, error)
	UpdateItemPosition(ctx context.Context, handle, collectionID, remoteID string, position int) error
}

func IsQuota(err error) bool { return errors.Is(err, ErrQuotaExceeded) }
