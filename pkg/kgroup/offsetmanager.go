package kgroup

import (
	"context"
	"sync"
	"time"
)

// OffsetManagerConfig configures the concrete OffsetManager's commit
// cadence.
type OffsetManagerConfig struct {
	GroupID string

	// CommitInterval is the minimum time between automatic commits
	// triggered by CommitOffsetsIfNecessary. Defaults to 1s.
	CommitInterval time.Duration

	// CommitThreshold is the number of marked-processed-but-uncommitted
	// partitions that forces an immediate commit regardless of
	// CommitInterval. Defaults to 0 (disabled; interval-only).
	CommitThreshold int

	Logger Logger
}

// offsetManager is the concrete implementation of the OffsetManager
// collaborator (spec §4.4). It owns the progress table and delegates the
// actual durable write to a Committer — the offset-storage sub-protocol,
// which remains out of scope for this package.
//
// Design grounded on pingles-sarama's offsetManager/brokerOffsetManager
// split: a local table mutated synchronously by MarkAsProcessed, flushed
// to the wire on a cadence rather than per-message.
type offsetManager struct {
	cfg       OffsetManagerConfig
	committer Committer
	logger    Logger

	table *progressTable

	defaultsMu sync.Mutex
	defaults   map[string]SeedPolicy

	lastCommitMu sync.Mutex
	lastCommit   time.Time
}

// NewOffsetManager constructs the default OffsetManager implementation.
// committer performs the actual durable commit; it is the one piece of
// the offset-storage sub-protocol this package must call out to.
func NewOffsetManager(cfg OffsetManagerConfig, committer Committer) OffsetManager {
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	return &offsetManager{
		cfg:       cfg,
		committer: committer,
		logger:    cfg.Logger,
		table:     newProgressTable(),
		defaults:  make(map[string]SeedPolicy),
		// The first interval is measured from construction, so the first
		// automatic commit waits a full CommitInterval like every later one.
		lastCommit: time.Now(),
	}
}

func (om *offsetManager) SetDefaultOffset(topic string, policy SeedPolicy) {
	om.defaultsMu.Lock()
	defer om.defaultsMu.Unlock()
	om.defaults[topic] = policy
}

func (om *offsetManager) defaultFor(topic string) SeedPolicy {
	om.defaultsMu.Lock()
	defer om.defaultsMu.Unlock()
	return om.defaults[topic]
}

// NextOffsetFor returns the locally tracked next offset when one has
// already been resolved or advanced by MarkAsProcessed; otherwise
// committed+1 if the Committer knows a committed offset, else resolves via
// the partition's seed policy: SeedEarliest resolves to offset 0 (log start).
// SeedLatest resolves to the sentinel -1, meaning "consume only new
// writes"; the cluster-side log-end lookup that sentinel requires is
// outside this package's remit (the wire protocol and cluster metadata
// layer are out of scope), so Cluster implementations are expected to
// treat a negative offset in a FetchRequest as "start from the current
// highwater mark" rather than a literal offset.
func (om *offsetManager) NextOffsetFor(ctx context.Context, tp TopicPartition) (int64, error) {
	e := om.table.get(tp)
	om.table.mu.Lock()
	resolved := e.nextOffset
	om.table.mu.Unlock()
	if resolved >= 0 {
		return resolved, nil
	}

	if committed, ok, err := om.committer.FetchCommitted(ctx, om.cfg.GroupID, tp); err != nil {
		return 0, err
	} else if ok {
		om.table.setNextOffset(tp, committed+1)
		return committed + 1, nil
	}

	var seed int64
	switch om.defaultFor(tp.Topic) {
	case SeedEarliest:
		seed = 0
	case SeedLatest:
		seed = -1
	}
	om.table.setNextOffset(tp, seed)
	return seed, nil
}

func (om *offsetManager) MarkAsProcessed(tp TopicPartition, offset int64) {
	om.table.markProcessed(tp, offset)
}

// CommitOffsetsIfNecessary commits the buffered processed offsets only if
// the commit interval has elapsed or the pending count crosses the
// configured threshold; otherwise it is a no-op.
func (om *offsetManager) CommitOffsetsIfNecessary(ctx context.Context) error {
	dirty := om.table.dirtyEntries()
	if len(dirty) == 0 {
		return nil
	}

	om.lastCommitMu.Lock()
	elapsed := time.Since(om.lastCommit)
	om.lastCommitMu.Unlock()

	thresholdHit := om.cfg.CommitThreshold > 0 && len(dirty) >= om.cfg.CommitThreshold
	if elapsed < om.cfg.CommitInterval && !thresholdHit {
		return nil
	}

	return om.commit(ctx, dirty)
}

// CommitOffsets synchronously and unconditionally commits all pending
// offsets, used on shutdown.
func (om *offsetManager) CommitOffsets(ctx context.Context) error {
	dirty := om.table.dirtyEntries()
	if len(dirty) == 0 {
		return nil
	}
	return om.commit(ctx, dirty)
}

func (om *offsetManager) commit(ctx context.Context, dirty []progressEntry) error {
	offsets := make(map[TopicPartition]int64, len(dirty))
	for _, e := range dirty {
		offsets[e.tp] = e.nextOffset
	}

	if err := om.committer.CommitOffsets(ctx, om.cfg.GroupID, offsets); err != nil {
		om.logger.Log(LogLevelWarn, "offset commit failed", "group", om.cfg.GroupID, "err", err)
		return &OffsetCommitError{Err: err}
	}

	for tp, offset := range offsets {
		// committed_offset tracks the last acknowledged offset, i.e.
		// nextOffset-1 (the highest offset actually processed).
		om.table.setCommitted(tp, offset-1)
	}

	om.lastCommitMu.Lock()
	om.lastCommit = time.Now()
	om.lastCommitMu.Unlock()

	return nil
}

// ClearOffsets drops all local offset state, per the generation-discard
// rule: the member missed at least one full generation and must not trust
// stale local memory.
func (om *offsetManager) ClearOffsets() {
	om.table.clear()
}

// ClearOffsetsExcluding drops local offset state for every partition not
// in the given assignment, per the assignment-pruning invariant.
func (om *offsetManager) ClearOffsetsExcluding(a Assignment) {
	om.table.clearExcluding(a)
}
