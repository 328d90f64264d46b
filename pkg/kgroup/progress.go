package kgroup

import (
	"sync"

	rbtree "github.com/twmb/go-rbtree"
)

// progressEntry is one row of the progress table: the offset the next
// fetch should request, and the most recent offset the coordinator has
// durably acknowledged. Invariant: committedOffset <= nextOffset.
type progressEntry struct {
	tp             TopicPartition
	nextOffset     int64
	committedOffset int64
	hasCommitted   bool
	dirty          bool // true if nextOffset advanced since the last successful commit
}

// Less implements rbtree.Item, ordering entries by (topic, partition) so
// that in-order traversal is deterministic — needed for stable commit
// batching (commit_offsets_if_necessary) and for assignment pruning.
func (p *progressEntry) Less(than rbtree.Item) bool {
	return p.tp.Less(than.(*progressEntry).tp)
}

// progressTable is the concrete, concurrency-safe backing store for
// OffsetManager. It is kept ordered (via twmb/go-rbtree) rather than a
// plain map so that every operation that must walk "all tracked
// partitions" — pruning on rebalance, building a commit batch — does so
// in a stable, reproducible order instead of Go's randomized map
// iteration.
type progressTable struct {
	mu   sync.Mutex
	tree rbtree.Tree
}

func newProgressTable() *progressTable {
	return &progressTable{}
}

func (pt *progressTable) find(tp TopicPartition) *progressEntry {
	needle := &progressEntry{tp: tp}
	if found := pt.tree.Get(needle); found != nil {
		return found.(*progressEntry)
	}
	return nil
}

// get returns the entry for tp, creating it (with no committed offset and
// nextOffset left at -1, meaning "unresolved") if absent.
func (pt *progressTable) get(tp TopicPartition) *progressEntry {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if e := pt.find(tp); e != nil {
		return e
	}
	e := &progressEntry{tp: tp, nextOffset: -1, committedOffset: -1}
	pt.tree.Insert(e)
	return e
}

// setNextOffset records the offset the next fetch should request for tp,
// seeding the entry if it does not already exist.
func (pt *progressTable) setNextOffset(tp TopicPartition, offset int64) {
	e := pt.get(tp)
	pt.mu.Lock()
	e.nextOffset = offset
	pt.mu.Unlock()
}

// markProcessed advances nextOffset to offset+1, per spec §4.4
// mark_as_processed. Never regresses nextOffset: a stale/duplicate
// delivery marking an already-advanced offset is a no-op.
func (pt *progressTable) markProcessed(tp TopicPartition, offset int64) {
	e := pt.get(tp)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if offset+1 > e.nextOffset {
		e.nextOffset = offset + 1
		e.dirty = true
	}
}

// setCommitted records that the coordinator has durably acknowledged
// offset for tp.
func (pt *progressTable) setCommitted(tp TopicPartition, offset int64) {
	e := pt.get(tp)
	pt.mu.Lock()
	e.committedOffset = offset
	e.hasCommitted = true
	e.dirty = false
	pt.mu.Unlock()
}

// dirtyEntries returns a snapshot, in (topic, partition) order, of every
// entry whose nextOffset has advanced since its last successful commit —
// i.e. the pending set that commit_offsets_if_necessary/commit_offsets
// must flush.
func (pt *progressTable) dirtyEntries() []progressEntry {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var out []progressEntry
	pt.tree.Each(func(it rbtree.Item) {
		e := it.(*progressEntry)
		if e.dirty {
			out = append(out, *e)
		}
	})
	return out
}

// snapshot returns every tracked entry in (topic, partition) order.
func (pt *progressTable) snapshot() []progressEntry {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	var out []progressEntry
	pt.tree.Each(func(it rbtree.Item) {
		out = append(out, *it.(*progressEntry))
	})
	return out
}

// clear discards all local offset state.
func (pt *progressTable) clear() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.tree = rbtree.Tree{}
}

// clearExcluding discards local state for every (topic, partition) not in
// the given assignment.
func (pt *progressTable) clearExcluding(a Assignment) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	var keep []*progressEntry
	pt.tree.Each(func(it rbtree.Item) {
		e := it.(*progressEntry)
		if a.Contains(e.tp) {
			keep = append(keep, e)
		}
	})

	pt.tree = rbtree.Tree{}
	for _, e := range keep {
		pt.tree.Insert(e)
	}
}
