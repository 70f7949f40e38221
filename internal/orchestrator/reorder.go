package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"mediaup/internal/failure"
	"mediaup/internal/observe"
	"mediaup/internal/quota"
	"mediaup/internal/remote"
	"mediaup/internal/state"
)

// SortKey maps an item to the string it is ordered by.
type SortKey func(state.Item) string

// ByTitle orders items by case-insensitive title.
func ByTitle(it state.Item) string { return strings.ToLower(it.Title) }

type ReorderResult struct {
	CollectionID     string
	Total            int
	Committed        int // commits made by this run
	AlreadyCommitted int // commits a previous run made before it was interrupted
	Failed           int
	Remaining        int
	Resumed          bool
	QuotaExceeded    bool
	Stopped          bool
	EstimatedCost    int
	Message          string
}

// Partial reports whether the reorder ended with work left or items skipped.
func (r ReorderResult) Partial() bool {
	return r.Remaining > 0 || r.Failed > 0
}

// SortCollection orders a collection by key, committing one position at a
// time. Progress is checkpointed after every commit; a later call for the
// same collection continues from the checkpoint without fetching again.
func (o *Orchestrator) SortCollection(ctx context.Context, collectionID string, key SortKey) (ReorderResult, error) {
	res := ReorderResult{CollectionID: collectionID}
	if collectionID == "" {
		return res, failure.Validation("reorder", "", errors.New("collection id is required"))
	}
	if key == nil {
		key = ByTitle
	}
	coll := observe.F("collection", collectionID)

	if err := o.cooldownGate("reorder", collectionID); err != nil {
		res.QuotaExceeded = failure.IsQuota(err)
		return res, err
	}

	cp, err := o.store.Checkpoint(collectionID)
	if err != nil {
		return res, failure.Persistence("read checkpoint", collectionID, err)
	}
	if cp != nil {
		res.Resumed = true
		res.AlreadyCommitted = committedBefore(cp)
		o.status(observe.LevelInfo, "resuming reorder from checkpoint", coll,
			observe.F("next", cp.LastCommittedIndex+1), observe.F("total", len(cp.Items)), observe.F("failed", len(cp.FailedIndexes)))
	} else {
		if cp, err = o.planReorder(ctx, collectionID, key, &res); err != nil {
			return res, err
		}
		if cp == nil {
			return res, nil
		}
	}
	res.Total = len(cp.Items)
	res.Failed = len(cp.FailedIndexes)

	total := int64(len(cp.Items))
	for i := cp.LastCommittedIndex + 1; i < len(cp.Items); i++ {
		if ctx.Err() != nil {
			o.saveCheckpoint(*cp)
			res.Stopped = true
			res.Remaining = cp.Remaining()
			res.Message = fmt.Sprintf("stopped with %d item(s) left, run again to resume", res.Remaining)
			o.status(observe.LevelInfo, "reorder stopped", coll, observe.F("remaining", res.Remaining))
			return res, ctx.Err()
		}

		it := cp.Items[i]
		err := o.remote.UpdateItemPosition(context.WithoutCancel(ctx), it.Handle, collectionID, it.RemoteID, i)
		switch {
		case err == nil:
			cp.LastCommittedIndex = i
			cp.FailedIndexes = withoutIndex(cp.FailedIndexes, i)
			res.Committed++
			res.Failed = len(cp.FailedIndexes)
			o.saveCheckpoint(*cp)
			o.observer.Notify(observe.Event{Kind: observe.EventReorderCommit, At: o.now(), RemoteID: it.RemoteID, Count: i + 1})
		case remote.IsQuota(err):
			if qerr := o.quota.RecordQuotaHit(); qerr != nil {
				o.logger.Error("could not record quota hit", zap.Error(qerr))
			}
			o.saveCheckpoint(*cp)
			res.QuotaExceeded = true
			res.Remaining = cp.Remaining()
			res.Message = fmt.Sprintf("quota exceeded, %d item(s) remain; resume after the cooldown", res.Remaining)
			o.status(observe.LevelWarn, "quota exceeded during reorder", coll, observe.F("remaining", res.Remaining))
			o.observer.Notify(observe.Event{Kind: observe.EventQuotaExceeded, At: o.now(), Count: res.Remaining, Err: err})
			return res, failure.Quota("reorder", collectionID, err)
		default:
			cp.FailedIndexes = withIndex(cp.FailedIndexes, i)
			res.Failed = len(cp.FailedIndexes)
			o.saveCheckpoint(*cp)
			o.status(observe.LevelWarn, "could not move item", coll,
				observe.F("item", it.Handle), observe.F("title", it.Title), observe.F("position", i), observe.F("error", err.Error()))
		}
		o.observer.Progress(int64(i+1), total, "reorder")
	}

	if err := o.store.ClearCheckpoint(); err != nil {
		o.logger.Warn("could not clear reorder checkpoint", zap.String("collection", collectionID), zap.Error(err))
	}
	sorted := res.AlreadyCommitted + res.Committed
	if res.Failed > 0 {
		res.Message = fmt.Sprintf("sorted %d item(s), %d could not be moved", sorted, res.Failed)
	} else {
		res.Message = fmt.Sprintf("sorted %d item(s)", sorted)
	}
	o.status(observe.LevelInfo, "reorder finished", coll,
		observe.F("committed", res.Committed), observe.F("already_committed", res.AlreadyCommitted), observe.F("failed", res.Failed))
	o.observer.Notify(observe.Event{Kind: observe.EventReorderDone, At: o.now(), Count: sorted, Message: res.Message})
	return res, nil
}

// committedBefore counts the items up to LastCommittedIndex that were moved,
// leaving out the ones recorded as failed.
func committedBefore(cp *state.ReorderCheckpoint) int {
	n := cp.LastCommittedIndex + 1
	for _, idx := range cp.FailedIndexes {
		if idx <= cp.LastCommittedIndex {
			n--
		}
	}
	return n
}

func withIndex(sorted []int, i int) []int {
	at := sort.SearchInts(sorted, i)
	if at < len(sorted) && sorted[at] == i {
		return sorted
	}
	return slices.Insert(sorted, at, i)
}

func withoutIndex(sorted []int, i int) []int {
	at := sort.SearchInts(sorted, i)
	if at == len(sorted) || sorted[at] != i {
		return sorted
	}
	return slices.Delete(sorted, at, at+1)
}

// planReorder fetches and sorts the collection and saves the initial
// checkpoint. It returns nil for an empty collection.
func (o *Orchestrator) planReorder(ctx context.Context, collectionID string, key SortKey, res *ReorderResult) (*state.ReorderCheckpoint, error) {
	var items []state.Item
	token := ""
	for {
		page, err := o.remote.ListCollectionItems(ctx, collectionID, token, o.cfg.PageSize)
		if err != nil {
			if remote.IsQuota(err) {
				if qerr := o.quota.RecordQuotaHit(); qerr != nil {
					o.logger.Error("could not record quota hit", zap.Error(qerr))
				}
				res.QuotaExceeded = true
				return nil, failure.Quota("list collection", collectionID, err)
			}
			return nil, failure.Transient("list collection", collectionID, err)
		}
		for _, it := range page.Items {
			items = append(items, state.Item{Handle: it.Handle, RemoteID: it.RemoteID, Title: it.Title})
		}
		if page.NextToken == "" {
			break
		}
		token = page.NextToken
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if len(items) == 0 {
		res.Message = "collection is empty, nothing to sort"
		return nil, nil
	}

	sort.SliceStable(items, func(i, j int) bool { return key(items[i]) < key(items[j]) })

	cost, err := o.quota.EstimateCost(quota.OpReorder, len(items))
	if err == nil {
		res.EstimatedCost = cost
		if o.quota.ExceedsDailyLimit(cost) {
			o.status(observe.LevelWarn, "reorder will likely exceed the daily quota and need resuming",
				observe.F("collection", collectionID), observe.F("estimated", cost), observe.F("limit", o.quota.DailyLimit()))
		}
	}

	cp := &state.ReorderCheckpoint{CollectionID: collectionID, Items: items, LastCommittedIndex: -1}
	if err := o.store.SaveCheckpoint(*cp); err != nil {
		return nil, failure.Persistence("save checkpoint", collectionID, err)
	}
	o.status(observe.LevelInfo, "reorder planned",
		observe.F("collection", collectionID), observe.F("items", len(items)), observe.F("estimated_cost", cost))
	return cp, nil
}

func (o *Orchestrator) saveCheckpoint(cp state.ReorderCheckpoint) {
	if err := o.store.SaveCheckpoint(cp); err != nil {
		o.logger.Error("could not save reorder checkpoint",
			zap.String("collection", cp.CollectionID), zap.Int("index", cp.LastCommittedIndex), zap.Error(err))
	}
}
