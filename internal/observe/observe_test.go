package observe

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMultiFansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	m := Multi(a, nil, b)

	m.Notify(Event{Kind: EventUploadStarted, Path: "/v/a.mp4"})
	m.Progress(5, 10, "upload")

	assert.Equal(t, []EventKind{EventUploadStarted}, a.Kinds())
	assert.Equal(t, []EventKind{EventUploadStarted}, b.Kinds())
	cur, total, ok := b.LastProgress("upload")
	assert.True(t, ok)
	assert.Equal(t, int64(5), cur)
	assert.Equal(t, int64(10), total)
}

func TestMultiOfNothingIsNop(t *testing.T) {
	assert.Equal(t, Nop, Multi())
	assert.Equal(t, Nop, Multi(nil))
}

func TestRecorderLimit(t *testing.T) {
	r := NewRecorder(2)
	r.Notify(Event{Kind: EventUploadStarted})
	r.Notify(Event{Kind: EventUploadCompleted})
	r.Notify(Event{Kind: EventBatchCompleted})

	assert.Equal(t, []EventKind{EventUploadCompleted, EventBatchCompleted}, r.Kinds())
	for _, ev := range r.Events() {
		assert.False(t, ev.At.IsZero())
	}
}

func TestRecorderKeepsLogLines(t *testing.T) {
	r := NewRecorder(2)
	r.Log(LevelInfo, "uploading", F("path", "/v/a.mp4"))
	r.Log(LevelWarn, "retry scheduled")
	r.Log(LevelInfo, "upload complete")

	assert.Equal(t, []string{"retry scheduled", "upload complete"}, r.Messages())
	lines := r.Lines()
	if assert.Len(t, lines, 2) {
		assert.Equal(t, LevelWarn, lines[0].Level)
		assert.Empty(t, lines[0].Fields)
	}
}

func TestRecorderFoldsPerFileProgress(t *testing.T) {
	r := NewRecorder(0)
	for i := range 50 {
		r.Progress(int64(i), 50, fmt.Sprintf("upload clip%d.mp4", i))
	}
	r.Progress(1, 3, "batch")

	assert.Len(t, r.last, 2)
	cur, total, ok := r.LastProgress("upload clip49.mp4")
	assert.True(t, ok)
	assert.Equal(t, int64(49), cur)
	assert.Equal(t, int64(50), total)
	_, _, ok = r.LastProgress("upload")
	assert.True(t, ok)
}

func TestOperation(t *testing.T) {
	assert.Equal(t, "upload", Operation("upload holiday 2024.mp4"))
	assert.Equal(t, "batch", Operation("batch"))
	assert.Equal(t, "", Operation(""))
}

func TestZapObserver(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	o := Zap(zap.New(core))

	o.Log(LevelWarn, "disk slow", F("path", "/v"))
	o.Log("bogus", "defaults to info")
	o.Notify(Event{Kind: EventUploadFailed, Path: "/v/a.mp4", Err: errors.New("boom")})
	o.Notify(Event{Kind: EventUploadCompleted, RemoteID: "r1", Message: "uploaded a.mp4"})

	entries := logs.All()
	if assert.Len(t, entries, 4) {
		assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		assert.Equal(t, "/v", entries[0].ContextMap()["path"])
		assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
		assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
		assert.Equal(t, "boom", entries[2].ContextMap()["error"])
		assert.Equal(t, "uploaded a.mp4", entries[3].Message)
		assert.Equal(t, "r1", entries[3].ContextMap()["remote_id"])
	}
}
