package kgroup

import "context"

// BrokerID identifies a broker within the Cluster collaborator. The core
// treats it as opaque; only Cluster implementations interpret it.
type BrokerID int32

// FetchRequest describes one partition's worth of a fetch, registered
// against a broker by FetchOperation.
type FetchRequest struct {
	Topic     string
	Partition int32
	Offset    int64
	MaxBytes  int32
}

// Cluster resolves topic/partition to leader broker, owns pooled
// connections, and exposes a staleness signal. The wire protocol and
// actual network I/O are out of scope for this package; Cluster is
// consumed only through this interface.
type Cluster interface {
	// LeaderFor resolves the broker currently believed to lead the given
	// partition. Returns *LeaderNotAvailableError if none is known.
	LeaderFor(ctx context.Context, topic string, partition int32) (BrokerID, error)

	// Fetch issues one multiplexed fetch request against the given
	// broker and returns the resulting batches, one per requested
	// partition, in the order requested. minBytes/maxWait bound how long
	// the broker may wait before responding; an empty batch is a valid
	// response to an expired wait.
	Fetch(ctx context.Context, broker BrokerID, reqs []FetchRequest, minBytes int32, maxWait int64) ([]Batch, error)

	// MarkAsStale forces the next LeaderFor/Fetch pair to refresh this
	// cluster's view of leadership rather than trusting a cached value.
	MarkAsStale()
}

// Group is the opaque group-membership collaborator: the JoinGroup/
// SyncGroup request pair, partition-assignment strategy, and the
// generation token are entirely its concern. The core only observes the
// operations below.
type Group interface {
	// Subscribe adds a topic to the group's subscription set. Effective
	// at the next Join.
	Subscribe(topic string)

	// Join performs (or re-performs) the join/sync handshake and returns
	// the resulting Assignment. It blocks until the handshake completes
	// or ctx is done.
	Join(ctx context.Context) (Assignment, error)

	// Leave notifies the coordinator that this member is departing.
	Leave(ctx context.Context) error

	// IsMember reports whether the most recent Join succeeded and has
	// not since been invalidated by a rebalance this member lost.
	IsMember() bool

	// GenerationID returns the generation token from the most recent
	// successful Join, or 0 if this member has never joined.
	GenerationID() int32

	// AssignedPartitions returns the most recently assigned partitions.
	AssignedPartitions() Assignment
}

// Committer is the offset-storage sub-protocol boundary: writing
// committed offsets to the cluster. OffsetManager is the only consumer of
// this interface; the core Consumer never calls it directly.
type Committer interface {
	// CommitOffsets durably writes the given next-offset-to-fetch values
	// (i.e. last_processed + 1) for each partition under groupID.
	CommitOffsets(ctx context.Context, groupID string, offsets map[TopicPartition]int64) error

	// FetchCommitted returns the committed offset for a partition, and
	// false if none has ever been committed.
	FetchCommitted(ctx context.Context, groupID string, tp TopicPartition) (int64, bool, error)
}

// OffsetManager owns the progress table: the mapping from (topic,
// partition) to next_offset and committed_offset. See spec §4.4.
type OffsetManager interface {
	SetDefaultOffset(topic string, policy SeedPolicy)
	NextOffsetFor(ctx context.Context, tp TopicPartition) (int64, error)
	MarkAsProcessed(tp TopicPartition, offset int64)
	CommitOffsetsIfNecessary(ctx context.Context) error
	CommitOffsets(ctx context.Context) error
	ClearOffsets()
	ClearOffsetsExcluding(a Assignment)
}

// Instrumenter wraps each callback invocation so that timing and failures
// are captured. The user callback must execute inside the scope of
// InstrumentMessage/InstrumentBatch, which call the callback for the
// caller.
type Instrumenter interface {
	// InstrumentMessage invokes fn inside the process_message.consumer
	// event scope, with the given attributes recorded around it.
	InstrumentMessage(ctx context.Context, attrs MessageEventAttrs, fn func() error) error

	// InstrumentBatch invokes fn inside the process_batch.consumer event
	// scope, with the given attributes recorded around it.
	InstrumentBatch(ctx context.Context, attrs BatchEventAttrs, fn func() error) error
}

// MessageEventAttrs are the attributes attached to a process_message.consumer event.
type MessageEventAttrs struct {
	Topic     string
	Partition int32
	Offset    int64
	OffsetLag int64
	Key       []byte
	Value     []byte
}

// BatchEventAttrs are the attributes attached to a process_batch.consumer event.
type BatchEventAttrs struct {
	Topic               string
	Partition           int32
	OffsetLag           int64
	HighwaterMarkOffset int64
	MessageCount        int
}

// NoopInstrumenter performs no instrumentation beyond invoking the
// callback, for callers that have no emit(event, attrs) sink wired up.
type NoopInstrumenter struct{}

func (NoopInstrumenter) InstrumentMessage(_ context.Context, _ MessageEventAttrs, fn func() error) error {
	return fn()
}

func (NoopInstrumenter) InstrumentBatch(_ context.Context, _ BatchEventAttrs, fn func() error) error {
	return fn()
}
