package kgroup

import "fmt"

// HeartbeatError is raised when the coordinator rejects a liveness beacon,
// typically because the session has already expired. Policy: rejoin the
// group and resume.
type HeartbeatError struct {
	GroupID string
	Err     error
}

func (e *HeartbeatError) Error() string {
	return fmt.Sprintf("kgroup: heartbeat for group %q failed: %s", e.GroupID, e.Err)
}

func (e *HeartbeatError) Unwrap() error { return e.Err }

// OffsetCommitError is raised when an offset commit is rejected, often due
// to a stale generation. Policy: rejoin the group and resume.
type OffsetCommitError struct {
	TopicPartition TopicPartition
	Err            error
}

func (e *OffsetCommitError) Error() string {
	return fmt.Sprintf("kgroup: committing offsets for %s failed: %s", e.TopicPartition, e.Err)
}

func (e *OffsetCommitError) Unwrap() error { return e.Err }

// FetchError is raised when a fetch fails at the broker or transport
// layer. Policy: mark the cluster stale and resume; the next iteration
// refreshes metadata.
type FetchError struct {
	TopicPartition TopicPartition
	Err            error

	// StaleMetadata is true when the failure is attributable to the
	// broker no longer being the partition's leader (a metadata staleness
	// signal), as opposed to a transport-level failure.
	StaleMetadata bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("kgroup: fetch for %s failed: %s", e.TopicPartition, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// LeaderNotAvailableError is raised when a partition currently has no
// leader. Policy: log, sleep briefly, and resume.
type LeaderNotAvailableError struct {
	TopicPartition TopicPartition
}

func (e *LeaderNotAvailableError) Error() string {
	return fmt.Sprintf("kgroup: leader not available for %s", e.TopicPartition)
}

// ConnectionError is a raw transport failure encountered during a fetch.
// FetchOperation always wraps this into a *FetchError before it reaches
// the Consumer.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("kgroup: connection to %s failed: %s", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CallbackError wraps a failure signalled by the user-provided callback.
// It is fatal to the consume loop: the offset of the failing message is
// not marked processed, but the shutdown tail still runs.
type CallbackError struct {
	TopicPartition TopicPartition
	Offset         int64
	Err            error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("kgroup: callback for %s@%d failed: %s", e.TopicPartition, e.Offset, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

// ErrNoPartitionsAssigned is the typed form of ruby-kafka's bare "No
// partitions assigned!" string error. It is raised whenever the member
// has at least one subscribed topic but the post-join Assignment is
// empty — the fail-fast reading of a protocol invariant violation. It is
// also raised when every subscribed topic has zero partitions, since an
// empty Assignment looks the same in both cases; a zero-partition topic
// subscribed alongside topics that do have partitions is simply never
// fetched.
type ErrNoPartitionsAssigned struct {
	GroupID string
}

func (e *ErrNoPartitionsAssigned) Error() string {
	return fmt.Sprintf("kgroup: group %q joined with no partitions assigned", e.GroupID)
}

// ProtocolError covers other unrecoverable protocol-invariant violations
// surfaced by the Group or Cluster collaborators that are not classified
// under any of the recoverable kinds above.
type ProtocolError struct {
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("kgroup: protocol error (%s): %s", e.Context, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
