package gcs

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"mediaup/internal/remote"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		quota     bool
		notFound  bool
		unchanged bool
	}{
		{name: "too many requests", err: &googleapi.Error{Code: 429}, quota: true},
		{name: "rate limit reason", err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, quota: true},
		{name: "upload limit reason", err: fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "uploadLimitExceeded"}}}), quota: true},
		{name: "plain forbidden", err: &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "forbidden"}}}, unchanged: true},
		{name: "not found code", err: &googleapi.Error{Code: 404}, notFound: true},
		{name: "object not exist", err: storage.ErrObjectNotExist, notFound: true},
		{name: "server error", err: &googleapi.Error{Code: 503}, unchanged: true},
		{name: "network", err: errors.New("connection reset"), unchanged: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify(tc.err)
			assert.Equal(t, tc.quota, remote.IsQuota(got))
			assert.Equal(t, tc.notFound, errors.Is(got, remote.ErrNotFound))
			assert.ErrorIs(t, got, tc.err)
			if tc.unchanged {
				assert.Equal(t, tc.err, got)
			}
		})
	}
	assert.NoError(t, classify(nil))
}

func TestObjectNames(t *testing.T) {
	s := &Service{prefix: "media-up", newHandle: func() string { return "h1" }}
	assert.Equal(t, "media-up/media/abc.mp4", s.mediaName(remote.UploadRequest{Path: "/v/Clip.MP4", Metadata: remote.Metadata{Digest: "abc"}}))
	assert.Equal(t, "media-up/media/h1.mov", s.mediaName(remote.UploadRequest{Path: "/v/x.mov"}))
	assert.Equal(t, "media-up/collections/c1/.collection", s.markerName("c1"))
	assert.Equal(t, "media-up/collections/c1/items/", s.itemsPrefix("c1"))

	bare := &Service{}
	assert.Equal(t, "collections/c1/.collection", bare.markerName("c1"))
}

// emulatorService connects to a fake-gcs-server style emulator.
func emulatorService(t *testing.T) *Service {
	t.Helper()
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" {
		t.Skip("STORAGE_EMULATOR_HOST not set, skipping integration test")
	}
	ctx := context.Background()
	bucket := "mediaup-test"
	client, err := NewClient(ctx, Config{Bucket: bucket})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Bucket(bucket).Create(ctx, "test-project", nil); err != nil {
		t.Logf("note: bucket creation returned: %v", err)
	}
	return New(client, bucket, "t-"+uuid.NewString(), zap.NewNop())
}

func TestUploadAndCollectionRoundTrip(t *testing.T) {
	s := emulatorService(t)
	ctx := context.Background()

	p := filepath.Join(t.TempDir(), "clip.mp4")
	content := []byte("not really a video")
	require.NoError(t, os.WriteFile(p, content, 0o644))

	var lastSent int64
	id, err := s.Upload(ctx, remote.UploadRequest{
		Path: p,
		Metadata: remote.Metadata{
			Title:  "clip",
			Digest: "d41d8cd98f00b204e9800998ecf8427e",
			CRC32C: crc32.Checksum(content, crc32.MakeTable(crc32.Castagnoli)),
		},
		Progress: func(sent, _ int64) { lastSent = sent },
	})
	require.NoError(t, err)
	assert.Contains(t, id, "/media/d41d8cd98f00b204e9800998ecf8427e.mp4")
	assert.GreaterOrEqual(t, lastSent, int64(0))

	ok, err := s.CollectionExists(ctx, "album")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, s.InsertIntoCollection(ctx, id, "album"), remote.ErrNotFound)

	require.NoError(t, s.CreateCollection(ctx, "album", "Album"))
	require.NoError(t, s.CreateCollection(ctx, "album", "Album"))
	require.NoError(t, s.InsertIntoCollection(ctx, id, "album"))

	page, err := s.ListCollectionItems(ctx, "album", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, id, page.Items[0].RemoteID)
	assert.Equal(t, "clip", page.Items[0].Title)
	assert.Empty(t, page.NextToken)

	require.NoError(t, s.UpdateItemPosition(ctx, page.Items[0].Handle, "album", id, 0))
	order, err := positions(ctx, s, "album")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, order)
}

// positions returns remote ids of the collection ordered by their position
// metadata.
func positions(ctx context.Context, s *Service, collectionID string) ([]string, error) {
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.itemsPrefix(collectionID)})
	type entry struct {
		pos int
		id  string
	}
	var entries []entry
	for {
		a, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		pos, _ := strconv.Atoi(a.Metadata[metaPosition])
		entries = append(entries, entry{pos: pos, id: a.Metadata[metaRemoteID]})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].pos < entries[j].pos })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}
	return out, nil
}
