// Package testgroup is a reference, in-memory implementation of
// kgroup.Group for tests and examples. It simulates the coordinator side
// of the join/sync handshake for a fixed, in-process set of members:
// every Member registered against a Coordinator shares its rebalances,
// round-robin partition assignment, and generation counter, without any
// network protocol.
package testgroup

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coocood/freecache"

	"github.com/dcrodman/kgroup/pkg/kgroup"
)

// notifCacheBytes sizes the freecache instance used to deduplicate
// rebalance notifications; small because it only ever holds one entry
// per (member, generation) pair.
const notifCacheBytes = 64 * 1024

// Coordinator simulates the group coordinator shared by every Member
// joined to it: it owns the subscribed-topic set, the partition
// inventory, the round-robin assignment strategy, and the generation
// counter, grounded on mistsys-sarama-consumer's RoundRobin partitioner
// and datasift-kafka-cg's rebalance-on-membership-change loop.
type Coordinator struct {
	mu sync.Mutex

	topics     map[string]bool
	partitions map[string][]int32 // topic -> partition IDs

	members    []*Member
	generation int32

	// seen dedups repeated rebalance notifications delivered to the same
	// member for the same generation, the same role freecache plays in
	// datasift-kafka-cg's ZooKeeper watch handler (collapsing a storm of
	// watch fires into one rebalance).
	seen *freecache.Cache
}

// NewCoordinator constructs a Coordinator with no topics or members yet.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		topics:     make(map[string]bool),
		partitions: make(map[string][]int32),
		seen:       freecache.NewCache(notifCacheBytes),
	}
}

// AddTopic registers a topic with the given partition count, making it
// eligible for assignment on the next rebalance.
func (co *Coordinator) AddTopic(topic string, partitionCount int32) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.topics[topic] = true
	ps := make([]int32, partitionCount)
	for i := range ps {
		ps[i] = int32(i)
	}
	co.partitions[topic] = ps
}

// NewMember creates a Member joined to this Coordinator. The member
// starts out unsubscribed and not yet joined.
func (co *Coordinator) NewMember(id string) *Member {
	return &Member{id: id, coord: co}
}

// rebalance recomputes a fresh round-robin assignment across every
// currently-registered member for the union of all members' subscribed
// topics, and bumps the generation. Must be called with co.mu held.
func (co *Coordinator) rebalance() {
	co.generation++

	subscribed := make(map[string]bool)
	for _, m := range co.members {
		for t := range m.subscriptions {
			subscribed[t] = true
		}
	}

	var allTPs []kgroup.TopicPartition
	for topic := range subscribed {
		for _, p := range co.partitions[topic] {
			allTPs = append(allTPs, kgroup.TopicPartition{Topic: topic, Partition: p})
		}
	}
	sort.Slice(allTPs, func(i, j int) bool { return allTPs[i].Less(allTPs[j]) })

	active := activeMembers(co.members)
	assignments := make(map[string]map[string][]int32, len(active))
	for _, m := range active {
		assignments[m.id] = make(map[string][]int32)
	}

	// Round-robin distribution across active members, grounded on
	// mistsys-sarama-consumer's RoundRobin.Partition.
	if len(active) > 0 {
		for i, tp := range allTPs {
			m := active[i%len(active)]
			assignments[m.id][tp.Topic] = append(assignments[m.id][tp.Topic], tp.Partition)
		}
	}

	for _, m := range co.members {
		a, ok := assignments[m.id]
		if !ok {
			a = make(map[string][]int32)
		}
		m.mu.Lock()
		m.assignment = kgroup.Assignment{Generation: co.generation, Partitions: a}
		m.mu.Unlock()
	}
}

func activeMembers(members []*Member) []*Member {
	var out []*Member
	for _, m := range members {
		m.mu.Lock()
		joined := m.joined
		m.mu.Unlock()
		if joined {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (co *Coordinator) notifyOnce(memberID string, generation int32) bool {
	key := []byte(fmt.Sprintf("%s/%d", memberID, generation))
	if _, err := co.seen.Get(key); err == nil {
		return false
	}
	_ = co.seen.Set(key, []byte{1}, 0)
	return true
}

// Member is one simulated group member, implementing kgroup.Group.
type Member struct {
	id    string
	coord *Coordinator

	mu            sync.Mutex
	subscriptions map[string]bool
	joined        bool
	assignment    kgroup.Assignment

	// ackedGeneration is the generation this member last picked up via
	// Join. A rebalance triggered by another member updates assignment
	// directly (see Coordinator.rebalance); ackedGeneration lags behind
	// until this member itself calls Join again, which is what lets
	// Heartbeat detect a pending rebalance it hasn't yet resynchronized
	// against.
	ackedGeneration int32

	heartbeatCalls       int
	pendingNotifications int
}

// Subscribe implements kgroup.Group.
func (m *Member) Subscribe(topic string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscriptions == nil {
		m.subscriptions = make(map[string]bool)
	}
	m.subscriptions[topic] = true
}

// Join implements kgroup.Group: a genuinely new (or previously evicted)
// member triggers a fresh coordinator-wide rebalance round, the
// simplification a single-process in-memory coordinator can afford over
// the real JoinGroup/SyncGroup round trip. A member that is already
// active and already holds the current generation's assignment (the
// common case of resynchronizing after Heartbeat reported a pending
// rebalance someone else triggered) does not spend another round — it
// just picks up what the coordinator already computed, matching the real
// protocol's single generation per rebalance round.
func (m *Member) Join(ctx context.Context) (kgroup.Assignment, error) {
	select {
	case <-ctx.Done():
		return kgroup.Assignment{}, ctx.Err()
	default:
	}

	m.coord.mu.Lock()
	alreadyJoined := false
	for _, existing := range m.coord.members {
		if existing == m {
			alreadyJoined = true
			break
		}
	}
	if !alreadyJoined {
		m.coord.members = append(m.coord.members, m)
		m.mu.Lock()
		m.joined = true
		m.mu.Unlock()
		m.coord.rebalance()
	} else {
		m.mu.Lock()
		upToDate := m.assignment.Generation == m.coord.generation
		m.mu.Unlock()
		if !upToDate {
			m.coord.rebalance()
		}
	}
	m.coord.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ackedGeneration = m.assignment.Generation
	return m.assignment, nil
}

// Leave implements kgroup.Group: the member is removed and every
// remaining active member is rebalanced.
func (m *Member) Leave(context.Context) error {
	m.coord.mu.Lock()
	defer m.coord.mu.Unlock()

	kept := m.coord.members[:0]
	for _, existing := range m.coord.members {
		if existing != m {
			kept = append(kept, existing)
		}
	}
	m.coord.members = kept

	m.mu.Lock()
	m.joined = false
	m.assignment = kgroup.Assignment{}
	m.mu.Unlock()

	m.coord.rebalance()
	return nil
}

// IsMember implements kgroup.Group.
func (m *Member) IsMember() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined
}

// GenerationID implements kgroup.Group.
func (m *Member) GenerationID() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ackedGeneration
}

// AssignedPartitions implements kgroup.Group.
func (m *Member) AssignedPartitions() kgroup.Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignment
}

// RebalancePendingError is returned by Member.Heartbeat when a rebalance
// triggered by another member has updated this member's assignment but
// this member has not yet resynchronized by calling Join again — the
// in-memory analogue of a real coordinator's REBALANCE_IN_PROGRESS
// heartbeat response.
type RebalancePendingError struct {
	MemberID   string
	Generation int32
}

func (e *RebalancePendingError) Error() string {
	return fmt.Sprintf("testgroup: member %q has a pending rebalance to generation %d", e.MemberID, e.Generation)
}

// Heartbeat implements the optional heartbeater extension kgroup.Heartbeat
// looks for. It fails outright if the member has been evicted, and
// returns *RebalancePendingError for as long as a rebalance the member
// hasn't yet resynchronized against is outstanding, forcing the caller to
// rejoin. coord.notifyOnce dedupes the pending-notification bookkeeping
// (pendingNotifications) to once per generation, even though the error
// itself is still returned on every call until the member rejoins.
func (m *Member) Heartbeat(context.Context) error {
	if !m.IsMember() {
		return fmt.Errorf("testgroup: member %q is not joined", m.id)
	}

	m.mu.Lock()
	m.heartbeatCalls++
	gen := m.assignment.Generation
	acked := m.ackedGeneration
	m.mu.Unlock()

	if gen == acked {
		return nil
	}
	if m.coord.notifyOnce(m.id, gen) {
		m.mu.Lock()
		m.pendingNotifications++
		m.mu.Unlock()
	}
	return &RebalancePendingError{MemberID: m.id, Generation: gen}
}

// HeartbeatCalls returns the number of times Heartbeat has been invoked
// for this member, regardless of outcome. Used by tests asserting
// heartbeat cadence.
func (m *Member) HeartbeatCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeatCalls
}

// PendingNotifications returns the number of distinct generations for
// which a pending-rebalance notification was delivered to this member.
// Repeated Heartbeat calls while the same rebalance remains unacknowledged
// do not increment it further.
func (m *Member) PendingNotifications() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingNotifications
}

// Evict forcibly drops member from the coordinator without it calling
// Leave itself, simulating a session timeout detected by the
// coordinator. Used by tests to exercise the generation-discard paths.
func (co *Coordinator) Evict(member *Member) {
	co.mu.Lock()
	defer co.mu.Unlock()

	kept := co.members[:0]
	for _, existing := range co.members {
		if existing != member {
			kept = append(kept, existing)
		}
	}
	co.members = kept

	member.mu.Lock()
	member.joined = false
	member.mu.Unlock()

	co.rebalance()
}
