// Package remotetest provides an in-memory remote.Service for tests.
package remotetest

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"mediaup/internal/remote"
)

// Fake keeps collections as ordered item lists. UpdateItemPosition moves an
// item to the requested index, shifting the others.
type Fake struct {
	mu sync.Mutex

	collections map[string][]remote.Item
	uploads     []remote.UploadRequest
	updates     int
	inserts     int
	nextID      int

	// Hooks return an error to inject for the n-th call (1-based).
	UploadErr func(n int, req remote.UploadRequest) error
	InsertErr func(n int, remoteID, collectionID string) error
	UpdateErr func(n int, item remote.Item, position int) error
	// ExistsErr fails CollectionExists probes.
	ExistsErr error
}

func NewFake() *Fake {
	return &Fake{collections: make(map[string][]remote.Item)}
}

// AddCollection creates or replaces a collection with items in that order.
func (f *Fake) AddCollection(id string, items ...remote.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[id] = append([]remote.Item(nil), items...)
}

// CreateCollection makes an empty collection unless id already exists.
func (f *Fake) CreateCollection(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[id]; !ok {
		f.collections[id] = nil
	}
	return nil
}

func (f *Fake) RemoveCollection(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, id)
}

// Collection returns the current order of id.
func (f *Fake) Collection(id string) []remote.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Item(nil), f.collections[id]...)
}

func (f *Fake) Uploads() []remote.UploadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.UploadRequest(nil), f.uploads...)
}

func (f *Fake) UploadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *Fake) UpdateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updates
}

func (f *Fake) InsertCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserts
}

func (f *Fake) Upload(_ context.Context, req remote.UploadRequest) (string, error) {
	f.mu.Lock()
	f.uploads = append(f.uploads, req)
	n := len(f.uploads)
	hook := f.UploadErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(n, req); err != nil {
			return "", err
		}
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return "", fmt.Errorf("fake upload: %w", err)
	}
	if req.Progress != nil {
		req.Progress(info.Size(), info.Size())
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return "remote-" + strconv.Itoa(f.nextID), nil
}

func (f *Fake) InsertIntoCollection(_ context.Context, remoteID, collectionID string) error {
	f.mu.Lock()
	f.inserts++
	n := f.inserts
	hook := f.InsertErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(n, remoteID, collectionID); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	items, ok := f.collections[collectionID]
	if !ok {
		return fmt.Errorf("collection %s: %w", collectionID, remote.ErrNotFound)
	}
	f.collections[collectionID] = append(items, remote.Item{
		Handle:   "h-" + remoteID,
		RemoteID: remoteID,
		Title:    remoteID,
	})
	return nil
}

func (f *Fake) CollectionExists(_ context.Context, collectionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExistsErr != nil {
		return false, f.ExistsErr
	}
	_, ok := f.collections[collectionID]
	return ok, nil
}

func (f *Fake) ListCollectionItems(_ context.Context, collectionID, pageToken string, pageSize int) (remote.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items, ok := f.collections[collectionID]
	if !ok {
		return remote.Page{}, fmt.Errorf("collection %s: %w", collectionID, remote.ErrNotFound)
	}
	start := 0
	if pageToken != "" {
		var err error
		if start, err = strconv.Atoi(pageToken); err != nil {
			return remote.Page{}, fmt.Errorf("bad page token %q", pageToken)
		}
	}
	if pageSize <= 0 {
		pageSize = len(items)
	}
	start = min(start, len(items))
	end := min(start+pageSize, len(items))
	page := remote.Page{Items: append([]remote.Item(nil), items[start:end]...)}
	if end < len(items) {
		page.NextToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *Fake) UpdateItemPosition(_ context.Context, handle, collectionID, remoteID string, position int) error {
	f.mu.Lock()
	f.updates++
	n := f.updates
	hook := f.UpdateErr
	f.mu.Unlock()

	item := remote.Item{Handle: handle, RemoteID: remoteID}
	if hook != nil {
		if err := hook(n, item, position); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	items, ok := f.collections[collectionID]
	if !ok {
		return fmt.Errorf("collection %s: %w", collectionID, remote.ErrNotFound)
	}
	from := -1
	for i, it := range items {
		if it.Handle == handle {
			from = i
			break
		}
	}
	if from < 0 {
		return fmt.Errorf("item %s: %w", handle, remote.ErrNotFound)
	}
	if position < 0 || position >= len(items) {
		return fmt.Errorf("position %d out of range", position)
	}
	moved := items[from]
	items = append(items[:from], items[from+1:]...)
	items = append(items[:position], append([]remote.Item{moved}, items[position:]...)...)
	f.collections[collectionID] = items
	return nil
}
