package kgroup

import (
	"context"
	"sync"
	"time"
)

// Heartbeat sends a liveness beacon to the group coordinator at an
// interval strictly smaller than the group session timeout, so that a
// slow but healthy consumer is not evicted.
//
// Grounded on mistsys-sarama-consumer's heartbeat_timer loop (other
// other_examples) and the teacher's ticker-gated retry shape in
// broker.go's handleReqs.
type Heartbeat struct {
	group    Group
	interval time.Duration
	logger   Logger

	mu   sync.Mutex
	last time.Time
}

// NewHeartbeat constructs a Heartbeat that beacons through group no more
// often than interval.
func NewHeartbeat(group Group, interval time.Duration, logger Logger) *Heartbeat {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Heartbeat{group: group, interval: interval, logger: logger}
}

// SendIfNecessary sends a beacon only if the configured interval has
// elapsed since the last successful beacon. It is cheap and idempotent,
// and must be called at least once per user callback and additionally
// before each fetch (see Consumer's dispatch loop).
func (h *Heartbeat) SendIfNecessary(ctx context.Context) error {
	h.mu.Lock()
	due := time.Since(h.last) >= h.interval
	h.mu.Unlock()
	if !due {
		return nil
	}
	return h.send(ctx)
}

// send beacons through Group.Join-adjacent liveness plumbing. The actual
// heartbeat RPC lives inside the Group collaborator (group-membership
// sub-protocol is out of scope here); this method only determines the
// cadence and classifies failure as a HeartbeatError.
func (h *Heartbeat) send(ctx context.Context) error {
	if !h.group.IsMember() {
		return &HeartbeatError{Err: errNotAMember}
	}

	hb, ok := h.group.(heartbeater)
	if !ok {
		// Group implementations that fold heartbeating into Join (no
		// separate beacon RPC) are treated as always-healthy as long as
		// they still report membership.
		h.touch()
		return nil
	}

	if err := hb.Heartbeat(ctx); err != nil {
		return &HeartbeatError{Err: err}
	}
	h.touch()
	return nil
}

func (h *Heartbeat) touch() {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
}

// heartbeater is an optional extension of Group for collaborators that
// expose a standalone Heartbeat RPC distinct from Join/SyncGroup (the
// common case: Kafka's consumer-group protocol sends heartbeats on their
// own cadence between rebalances).
type heartbeater interface {
	Heartbeat(ctx context.Context) error
}

var errNotAMember = notMemberError{}

type notMemberError struct{}

func (notMemberError) Error() string { return "kgroup: not currently a member of the group" }
