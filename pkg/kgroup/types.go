// Package kgroup implements the group-coordinated consumer core: the
// component that joins a named consumer group, participates in
// partition-assignment rebalances, drives long-running fetch loops over
// its assigned partitions, checkpoints per-partition progress, and sends
// liveness heartbeats so the cluster can detect failed members.
//
// The wire protocol codec, cluster metadata layer, group-membership
// sub-protocol, and offset-storage sub-protocol are out of scope; this
// package consumes them as the Cluster, Group, and OffsetManager
// collaborator interfaces defined in collaborators.go.
package kgroup

import "fmt"

// TopicPartition identifies a single partition of a topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// Less orders TopicPartitions first by topic, then by partition. Used for
// deterministic iteration of the progress table.
func (tp TopicPartition) Less(other TopicPartition) bool {
	if tp.Topic != other.Topic {
		return tp.Topic < other.Topic
	}
	return tp.Partition < other.Partition
}

// Message is an immutable record carrying one entry of a partition's log.
//
// Within one partition, offsets observed by a single consumer strictly
// increase across the sequence of Messages it is given.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64

	// Key is nil when the message carries no key.
	Key []byte
	// Value is the message payload. It may be empty but is never nil for
	// a message that was actually produced.
	Value []byte

	// Timestamp is broker-assigned metadata: when the broker appended
	// this message to the log.
	Timestamp int64 // unix millis
}

// TopicPartition returns the (topic, partition) this message belongs to.
func (m Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// Batch is a contiguous run of Messages from a single topic+partition.
//
// All messages in a Batch share topic and partition; a Batch may be
// empty if there was no new data to return at fetch time.
type Batch struct {
	Topic     string
	Partition int32

	Messages []Message

	// HighwaterMarkOffset is the cluster's end-of-log offset for this
	// partition at fetch time.
	HighwaterMarkOffset int64

	// Err is set when the broker reported a per-partition error for this
	// fetch (e.g. not-leader, offset-out-of-range). Messages is empty
	// when Err is non-nil.
	Err error
}

// Empty reports whether the batch carries no messages.
func (b Batch) Empty() bool { return len(b.Messages) == 0 }

// LastOffset returns the offset of the last message in the batch and true,
// or (0, false) if the batch is empty.
func (b Batch) LastOffset() (int64, bool) {
	if len(b.Messages) == 0 {
		return 0, false
	}
	return b.Messages[len(b.Messages)-1].Offset, true
}

// OffsetLag computes highwater_mark_offset - last_message.offset - 1. It
// returns 0 for an empty batch (there is nothing to be behind on by this
// batch's own accounting; callers track lag across fetches separately).
func (b Batch) OffsetLag() int64 {
	last, ok := b.LastOffset()
	if !ok {
		return 0
	}
	lag := b.HighwaterMarkOffset - last - 1
	if lag < 0 {
		return 0
	}
	return lag
}

// SeedPolicy determines where to begin consuming a partition that has no
// committed offset yet.
type SeedPolicy int

const (
	// SeedEarliest starts from the log start.
	SeedEarliest SeedPolicy = iota
	// SeedLatest starts from the log end (only new writes are consumed).
	SeedLatest
)

func (s SeedPolicy) String() string {
	switch s {
	case SeedEarliest:
		return "earliest"
	case SeedLatest:
		return "latest"
	default:
		return "unknown"
	}
}

const defaultMaxBytesPerPartition = 1 << 20 // 1 MiB

// Subscription records a topic's seed policy and per-partition fetch cap,
// as established by Consumer.Subscribe.
type Subscription struct {
	Topic                string
	Seed                 SeedPolicy
	MaxBytesPerPartition int32
}

// Assignment is the mapping from topic to the set of partitions this
// member is currently responsible for, plus the generation it was issued
// under. Assignments are replaced atomically on each rebalance, never
// mutated in place.
type Assignment struct {
	Generation int32
	Partitions map[string][]int32
}

// TopicPartitions flattens the assignment into a slice of TopicPartition.
func (a Assignment) TopicPartitions() []TopicPartition {
	var out []TopicPartition
	for topic, partitions := range a.Partitions {
		for _, p := range partitions {
			out = append(out, TopicPartition{Topic: topic, Partition: p})
		}
	}
	return out
}

// Contains reports whether tp is part of this assignment.
func (a Assignment) Contains(tp TopicPartition) bool {
	for _, p := range a.Partitions[tp.Topic] {
		if p == tp.Partition {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the assignment carries no partitions at all.
func (a Assignment) IsEmpty() bool {
	for _, ps := range a.Partitions {
		if len(ps) > 0 {
			return false
		}
	}
	return true
}
