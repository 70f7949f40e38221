package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediaup/internal/config"
	"mediaup/internal/remote"
	"mediaup/internal/remote/remotetest"
	"mediaup/internal/state"
)

type harness struct {
	t        *testing.T
	stateDir string
	fake     *remotetest.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, stateDir: t.TempDir(), fake: remotetest.NewFake()}
	prev := newRemote
	newRemote = func(context.Context, config.GCSConfig, *zap.Logger) (remote.Service, func() error, error) {
		return h.fake, nil, nil
	}
	t.Cleanup(func() { newRemote = prev })
	return h
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(h.stateDir, "absent.yaml"),
		"--state-dir", h.stateDir,
		"--log-level", "error",
	}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeMedia(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestUploadCommand(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	clip := writeMedia(t, dir, "clip.mp4", "first clip")

	out, err := h.run("upload", clip)
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded clip.mp4 as remote-1")
	assert.Contains(t, out, filepath.Join(dir, "Uploaded", "clip.mp4"))
	assert.FileExists(t, filepath.Join(dir, "Uploaded", "clip.mp4"))
	assert.NoFileExists(t, clip)

	copyPath := writeMedia(t, dir, "copy.mp4", "first clip")
	out, err = h.run("upload", copyPath)
	require.NoError(t, err)
	assert.Contains(t, out, "copy.mp4 already uploaded")
	assert.Equal(t, 1, h.fake.UploadCalls())
}

func TestUploadCommandReportsFailures(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	clip := writeMedia(t, dir, "clip.mp4", "data")
	missing := filepath.Join(dir, "missing.mp4")

	out, err := h.run("upload", missing, clip)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 upload(s) did not complete")
	assert.Contains(t, out, "missing.mp4")
	assert.Contains(t, out, "uploaded clip.mp4")
	assert.Equal(t, 1, h.fake.UploadCalls())
}

func TestUploadCommandQuotaAndClear(t *testing.T) {
	h := newHarness(t)
	h.fake.UploadErr = func(int, remote.UploadRequest) error { return remote.ErrQuotaExceeded }
	clip := writeMedia(t, t.TempDir(), "clip.mp4", "data")

	_, err := h.run("upload", clip)
	require.Error(t, err)

	out, err := h.run("quota", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "quota cooldown active until")

	out, err = h.run("batch", filepath.Dir(clip))
	require.Error(t, err)
	assert.Contains(t, out, "(stopped: quota exceeded)")
	assert.Equal(t, 1, h.fake.UploadCalls())

	out, err = h.run("quota", "clear")
	require.NoError(t, err)
	assert.Contains(t, out, "quota cooldown cleared")

	out, err = h.run("quota", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no cooldown")
}

func TestBatchCommand(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	writeMedia(t, dir, "a.mp4", "a")
	writeMedia(t, dir, "b.mov", "b")
	writeMedia(t, dir, "readme.txt", "skip me")

	out, err := h.run("batch", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "2 succeeded, 0 skipped, 0 failed of 2")
	assert.Equal(t, 2, h.fake.UploadCalls())

	out, err = h.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded: 2")
	assert.Contains(t, out, "0 pending, 0 uploading, 2 completed, 0 failed")
}

func TestRetryCommandNothingDue(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("retry")
	require.NoError(t, err)
	assert.Contains(t, out, "0 succeeded, 0 skipped, 0 failed of 0")
}

func TestRecoverCommand(t *testing.T) {
	h := newHarness(t)
	clip := writeMedia(t, t.TempDir(), "clip.mp4", "data")

	store, err := state.Open(h.stateDir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.SetFileRecord(clip, state.FileRecord{State: state.StateUploading}))
	require.NoError(t, store.SetFileRecord("/gone/clip.mp4", state.FileRecord{State: state.StateUploading}))

	out, err := h.run("recover")
	require.NoError(t, err)
	assert.Contains(t, out, "reset 1 interrupted upload(s)")

	rec, ok, err := store.FileRecord(clip)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, state.StatePending, rec.State)
}

func TestSortCommand(t *testing.T) {
	h := newHarness(t)
	h.fake.AddCollection("c1",
		remote.Item{Handle: "h3", RemoteID: "r3", Title: "Cherry"},
		remote.Item{Handle: "h1", RemoteID: "r1", Title: "apple"},
		remote.Item{Handle: "h2", RemoteID: "r2", Title: "Banana"},
	)

	out, err := h.run("sort", "c1")
	require.NoError(t, err)
	assert.Contains(t, out, "151 quota units")
	assert.Contains(t, out, "sorted 3 item(s)")

	var titles []string
	for _, it := range h.fake.Collection("c1") {
		titles = append(titles, it.Title)
	}
	assert.Equal(t, []string{"apple", "Banana", "Cherry"}, titles)

	_, err = h.run("sort", "missing")
	require.Error(t, err)
}

func TestEstimateCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("estimate", "sort", "1000")
	require.NoError(t, err)
	assert.Contains(t, out, "50,020 quota units")
	assert.Contains(t, out, "about 6 day(s)")

	out, err = h.run("estimate", "upload", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "3,200 quota units")
	assert.NotContains(t, out, "exceeds")

	_, err = h.run("estimate", "delete", "2")
	require.Error(t, err)
	_, err = h.run("estimate", "upload", "many")
	require.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	clip := writeMedia(t, dir, "clip.mp4", "data")

	_, err := h.run("upload", clip)
	require.NoError(t, err)

	out, err := h.run("history")
	require.NoError(t, err)
	assert.Contains(t, out, clip)
	assert.Contains(t, out, "completed")

	out, err = h.run("history", "--path", clip)
	require.NoError(t, err)
	assert.Contains(t, out, "new -> uploading")

	out, err = h.run("history", "--uploads")
	require.NoError(t, err)
	assert.Contains(t, out, "clip.mp4")
	assert.Contains(t, out, "remote-1")
}

func TestBackupCommand(t *testing.T) {
	h := newHarness(t)
	clip := writeMedia(t, t.TempDir(), "clip.mp4", "data")
	_, err := h.run("upload", clip)
	require.NoError(t, err)

	dest := t.TempDir()
	out, err := h.run("backup", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "backed up")

	entries, err := os.ReadDir(dest)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestCollectionCreateCommand(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("collection", "create", "albums", "--title", "Albums")
	require.NoError(t, err)
	assert.Contains(t, out, "collection albums ready")

	ok, err := h.fake.CollectionExists(context.Background(), "albums")
	require.NoError(t, err)
	assert.True(t, ok)

	clip := writeMedia(t, t.TempDir(), "clip.mp4", "data")
	_, err = h.run("upload", "--collection", "albums", clip)
	require.NoError(t, err)
	assert.Len(t, h.fake.Collection("albums"), 1)
}
