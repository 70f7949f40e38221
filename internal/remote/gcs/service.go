// Package gcs implements remote.Service on a Cloud Storage bucket.
//
// Layout under the configured prefix:
//
//	media/<digest><ext>                     uploaded media
//	collections/<id>/.collection            collection marker
//	collections/<id>/items/<handle>         membership, metadata remote_id, title, position
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"mediaup/internal/remote"
)

const (
	metaRemoteID = "remote_id"
	metaTitle    = "title"
	metaPosition = "position"
	metaDigest   = "md5"
	metaPrivacy  = "privacy"
	markerObject = ".collection"
)

type Service struct {
	bucket *storage.BucketHandle
	prefix string
	logger *zap.Logger

	verifyAttempts int
	verifyDelay    time.Duration
	newHandle      func() string
}

var _ remote.Service = (*Service)(nil)

func New(client *storage.Client, bucket, prefix string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		bucket:         client.Bucket(bucket),
		prefix:         strings.Trim(prefix, "/"),
		logger:         logger,
		verifyAttempts: 3,
		verifyDelay:    200 * time.Millisecond,
		newHandle:      uuid.NewString,
	}
}

func (s *Service) name(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

func (s *Service) mediaName(req remote.UploadRequest) string {
	id := req.Metadata.Digest
	if id == "" {
		id = s.newHandle()
	}
	return s.name("media", id+strings.ToLower(filepath.Ext(req.Path)))
}

func (s *Service) markerName(collectionID string) string {
	return s.name("collections", collectionID, markerObject)
}

func (s *Service) itemsPrefix(collectionID string) string {
	return s.name("collections", collectionID, "items") + "/"
}

// Upload writes the file to media/ and verifies size and CRC32C of the stored
// object. The remote id is the object name.
func (s *Service) Upload(ctx context.Context, req remote.UploadRequest) (string, error) {
	f, err := os.Open(req.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	objName := s.mediaName(req)
	obj := s.bucket.Object(objName)

	w := obj.NewWriter(ctx)
	w.ContentType = req.Metadata.ContentType
	if w.ContentType == "" {
		w.ContentType = "application/octet-stream"
	}
	w.Metadata = map[string]string{
		metaTitle:   req.Metadata.Title,
		metaDigest:  req.Metadata.Digest,
		metaPrivacy: req.Metadata.Privacy,
	}
	if req.Metadata.Description != "" {
		w.Metadata["description"] = req.Metadata.Description
	}
	if req.Progress != nil {
		w.ProgressFunc = func(sent int64) { req.Progress(sent, size) }
	}

	s.logger.Debug("uploading object",
		zap.String("object", objName), zap.String("size", humanize.IBytes(uint64(size))))

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", classify(err)
	}
	if err := w.Close(); err != nil {
		return "", classify(err)
	}

	// fetch attributes and verify
	var attrs *storage.ObjectAttrs
	for i := 0; i < s.verifyAttempts; i++ {
		attrs, err = obj.Attrs(ctx)
		if err == nil {
			break
		}
		time.Sleep(s.verifyDelay)
	}
	if err != nil {
		return "", classify(err)
	}

	if attrs.Size != size {
		return "", fmt.Errorf("verify size mismatch: local=%d remote=%d", size, attrs.Size)
	}
	if req.Metadata.CRC32C != 0 && attrs.CRC32C != req.Metadata.CRC32C {
		return "", fmt.Errorf("verify crc32c mismatch: local=%d remote=%d", req.Metadata.CRC32C, attrs.CRC32C)
	}
	return objName, nil
}

// CreateCollection writes the marker object. Creating an existing collection
// is not an error.
func (s *Service) CreateCollection(ctx context.Context, collectionID, title string) error {
	w := s.bucket.Object(s.markerName(collectionID)).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.Metadata = map[string]string{metaTitle: title}
	if err := w.Close(); err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == 412 {
			return nil
		}
		return classify(err)
	}
	return nil
}

func (s *Service) CollectionExists(ctx context.Context, collectionID string) (bool, error) {
	_, err := s.bucket.Object(s.markerName(collectionID)).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, classify(err)
	}
}

// InsertIntoCollection appends remoteID at the end of the collection.
func (s *Service) InsertIntoCollection(ctx context.Context, remoteID, collectionID string) error {
	ok, err := s.CollectionExists(ctx, collectionID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("collection %s: %w", collectionID, remote.ErrNotFound)
	}

	title := path.Base(remoteID)
	if attrs, err := s.bucket.Object(remoteID).Attrs(ctx); err == nil && attrs.Metadata[metaTitle] != "" {
		title = attrs.Metadata[metaTitle]
	}

	count, err := s.countItems(ctx, collectionID)
	if err != nil {
		return err
	}

	handle := s.newHandle()
	w := s.bucket.Object(s.itemsPrefix(collectionID) + handle).NewWriter(ctx)
	w.Metadata = map[string]string{
		metaRemoteID: remoteID,
		metaTitle:    title,
		metaPosition: strconv.Itoa(count),
	}
	if err := w.Close(); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Service) countItems(ctx context.Context, collectionID string) (int, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.itemsPrefix(collectionID)})
	n := 0
	for {
		_, err := it.Next()
		if err == iterator.Done {
			return n, nil
		}
		if err != nil {
			return 0, classify(err)
		}
		n++
	}
}

// ListCollectionItems pages through memberships in handle order, which is not
// position order.
func (s *Service) ListCollectionItems(ctx context.Context, collectionID, pageToken string, pageSize int) (remote.Page, error) {
	ok, err := s.CollectionExists(ctx, collectionID)
	if err != nil {
		return remote.Page{}, err
	}
	if !ok {
		return remote.Page{}, fmt.Errorf("collection %s: %w", collectionID, remote.ErrNotFound)
	}

	if pageSize <= 0 {
		pageSize = 50
	}
	prefix := s.itemsPrefix(collectionID)
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	var attrs []*storage.ObjectAttrs
	next, err := iterator.NewPager(it, pageSize, pageToken).NextPage(&attrs)
	if err != nil {
		return remote.Page{}, classify(err)
	}

	page := remote.Page{NextToken: next, Items: make([]remote.Item, 0, len(attrs))}
	for _, a := range attrs {
		page.Items = append(page.Items, remote.Item{
			Handle:   strings.TrimPrefix(a.Name, prefix),
			RemoteID: a.Metadata[metaRemoteID],
			Title:    a.Metadata[metaTitle],
		})
	}
	return page, nil
}

func (s *Service) UpdateItemPosition(ctx context.Context, handle, collectionID, remoteID string, position int) error {
	obj := s.bucket.Object(s.itemsPrefix(collectionID) + handle)
	_, err := obj.Update(ctx, storage.ObjectAttrsToUpdate{
		Metadata: map[string]string{
			metaRemoteID: remoteID,
			metaPosition: strconv.Itoa(position),
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

// quotaReasons are googleapi error reasons that mean a limit was hit rather
// than access being denied.
var quotaReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
	"uploadLimitExceeded":   true,
}

// classify maps storage errors onto remote's sentinels.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", remote.ErrNotFound, err)
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return err
	}
	switch gerr.Code {
	case 429:
		return fmt.Errorf("%w: %w", remote.ErrQuotaExceeded, err)
	case 404:
		return fmt.Errorf("%w: %w", remote.ErrNotFound, err)
	case 403:
		for _, item := range gerr.Errors {
			if quotaReasons[item.Reason] {
				return fmt.Errorf("%w: %w", remote.ErrQuotaExceeded, err)
			}
		}
	}
	return err
}
