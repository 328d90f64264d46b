package kgroup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dcrodman/kgroup/internal/testcluster"
	"github.com/dcrodman/kgroup/internal/testgroup"
)

// These tests drive the real Consumer.run loop end to end against the
// reference testcluster.Cluster and testgroup.Coordinator collaborators,
// exercising spec.md §8's end-to-end scenarios instead of just the
// isolated unit assertions in consumer_test.go.

func appendN(cl *testcluster.Cluster, topic string, partition int32, n int) {
	for i := 0; i < n; i++ {
		cl.Append(topic, partition, nil, []byte("v"), 0)
	}
}

// TestIntegrationColdStartEarliestConsumesAll covers spec §8 scenario 1:
// a fresh member subscribed earliest sees every message on every assigned
// partition exactly once, in per-partition offset order, and the cluster
// holds the fully-advanced committed offsets once the consumer stops.
func TestIntegrationColdStartEarliestConsumesAll(t *testing.T) {
	cluster := testcluster.New()
	// Different codecs per partition so this test also exercises the
	// reference cluster's compression paths, not just its bookkeeping.
	cluster.AddPartition("orders", 0, 1, testcluster.CodecSnappy)
	cluster.AddPartition("orders", 1, 1, testcluster.CodecLZ4)
	appendN(cluster, "orders", 0, 10)
	appendN(cluster, "orders", 1, 10)

	coord := testgroup.NewCoordinator()
	coord.AddTopic("orders", 2)
	member := coord.NewMember("m1")

	om := NewOffsetManager(OffsetManagerConfig{GroupID: "g1"}, cluster)
	c, err := NewConsumer(Config{GroupID: "g1"}, cluster, member, om, nil, WithHeartbeatInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	c.Subscribe("orders", SeedEarliest, 0)

	var mu sync.Mutex
	byPartition := map[int32][]int64{}
	total := 0

	err = c.EachMessage(context.Background(), 1, 10*time.Millisecond, func(m Message) error {
		mu.Lock()
		byPartition[m.Partition] = append(byPartition[m.Partition], m.Offset)
		total++
		if total == 20 {
			c.Stop()
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("EachMessage: %v", err)
	}

	for _, partition := range []int32{0, 1} {
		offsets := byPartition[partition]
		if len(offsets) != 10 {
			t.Fatalf("partition %d got %d messages, want 10", partition, len(offsets))
		}
		for i, off := range offsets {
			if off != int64(i) {
				t.Fatalf("partition %d offsets = %v, want 0..9 in order", partition, offsets)
			}
		}
	}

	for _, partition := range []int32{0, 1} {
		committed, ok, err := cluster.FetchCommitted(context.Background(), "g1", TopicPartition{Topic: "orders", Partition: partition})
		if err != nil {
			t.Fatalf("FetchCommitted: %v", err)
		}
		if !ok || committed != 9 {
			t.Fatalf("partition %d committed = %v, ok=%v, want 9, true", partition, committed, ok)
		}
	}
}

// TestIntegrationRebalancePrunesAssignment covers spec §8 scenario 3: a
// second member joining mid-stream causes the first member's assignment
// to shrink, and the pruned partition's local progress is discarded
// rather than reprocessed or retained.
func TestIntegrationRebalancePrunesAssignment(t *testing.T) {
	cluster := testcluster.New()
	cluster.AddPartition("orders", 0, 1, testcluster.CodecNone)
	cluster.AddPartition("orders", 1, 1, testcluster.CodecNone)
	appendN(cluster, "orders", 0, 5)
	appendN(cluster, "orders", 1, 5)

	coord := testgroup.NewCoordinator()
	coord.AddTopic("orders", 2)
	memberA := coord.NewMember("a")

	om := NewOffsetManager(OffsetManagerConfig{GroupID: "g1"}, cluster)
	c, err := NewConsumer(Config{GroupID: "g1"}, cluster, memberA, om, nil, WithHeartbeatInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	c.Subscribe("orders", SeedEarliest, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.EachMessage(ctx, 1, 5*time.Millisecond, func(Message) error {
			return nil
		})
	}()

	// Give member A a chance to join and start fetching before a second
	// member arrives and forces a rebalance.
	time.Sleep(20 * time.Millisecond)

	memberB := coord.NewMember("b")
	memberB.Subscribe("orders")
	if _, err := memberB.Join(ctx); err != nil {
		t.Fatalf("member b join: %v", err)
	}

	impl := om.(*offsetManager)
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := impl.table.snapshot()
		if len(snap) == 1 && snap[0].tp == (TopicPartition{Topic: "orders", Partition: 0}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress table never pruned to partition 0 only, got %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Capture the post-rebalance assignment and notification count before
	// Stop(); Leave() clears the member's assignment on shutdown.
	assigned := memberA.AssignedPartitions()
	pending := memberA.PendingNotifications()

	c.Stop()
	if err := <-done; err != nil {
		t.Fatalf("EachMessage: %v", err)
	}

	if !assigned.Contains(TopicPartition{Topic: "orders", Partition: 0}) {
		t.Fatalf("member a lost partition 0 it should have retained: %+v", assigned)
	}
	if assigned.Contains(TopicPartition{Topic: "orders", Partition: 1}) {
		t.Fatalf("member a still holds partition 1 it should have been pruned from: %+v", assigned)
	}

	// The heartbeat loop polls far more often than once per generation;
	// the freecache-backed dedup should have collapsed all of that
	// polling into exactly one pending-rebalance notification.
	if pending != 1 {
		t.Fatalf("PendingNotifications() = %d, want 1 (dedup across repeated heartbeats)", pending)
	}
}

// TestIntegrationMissedGenerationClearsProgress covers spec §8 scenario 4:
// a member evicted mid-stream (simulating a session timeout) must resume,
// on rejoin, from the coordinator's committed offset rather than from its
// own stale locally-buffered progress.
func TestIntegrationMissedGenerationClearsProgress(t *testing.T) {
	cluster := testcluster.New()
	cluster.AddPartition("orders", 0, 1, testcluster.CodecNone)
	appendN(cluster, "orders", 0, 6)

	coord := testgroup.NewCoordinator()
	coord.AddTopic("orders", 1)
	member := coord.NewMember("a")

	// A large commit interval keeps CommitOffsetsIfNecessary from ever
	// durably committing during this test, so the only way offsets 0..2
	// can be re-delivered is if local progress was actually cleared.
	om := NewOffsetManager(OffsetManagerConfig{GroupID: "g1", CommitInterval: time.Hour}, cluster)
	c, err := NewConsumer(Config{GroupID: "g1"}, cluster, member, om, nil, WithHeartbeatInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	c.Subscribe("orders", SeedEarliest, 0)

	var mu sync.Mutex
	var delivered []int64
	evicted := false

	err = c.EachMessage(context.Background(), 1, 10*time.Millisecond, func(m Message) error {
		mu.Lock()
		delivered = append(delivered, m.Offset)
		n := len(delivered)
		mu.Unlock()

		if n == 3 && !evicted {
			evicted = true
			coord.Evict(member)
			// Let the 1ms heartbeat interval elapse so the heartbeat check
			// that follows this callback is due and observes the eviction.
			time.Sleep(2 * time.Millisecond)
		}
		if n == 9 {
			c.Stop()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("EachMessage: %v", err)
	}

	want := []int64{0, 1, 2, 0, 1, 2, 3, 4, 5}
	if len(delivered) != len(want) {
		t.Fatalf("delivered = %v, want %v", delivered, want)
	}
	for i, off := range want {
		if delivered[i] != off {
			t.Fatalf("delivered = %v, want %v (local progress was not cleared on the missed generation)", delivered, want)
		}
	}
}

// TestIntegrationSlowCallbackAvoidsEviction covers spec §8 scenario 5: a
// callback slower than the heartbeat interval but within the session
// timeout must not produce a HeartbeatError, and heartbeats must keep
// firing between callback invocations.
func TestIntegrationSlowCallbackAvoidsEviction(t *testing.T) {
	cluster := testcluster.New()
	cluster.AddPartition("orders", 0, 1, testcluster.CodecNone)
	appendN(cluster, "orders", 0, 3)

	coord := testgroup.NewCoordinator()
	coord.AddTopic("orders", 1)
	member := coord.NewMember("a")

	const heartbeatInterval = 5 * time.Millisecond
	const sessionTimeout = 4 * heartbeatInterval

	om := NewOffsetManager(OffsetManagerConfig{GroupID: "g1"}, cluster)
	c, err := NewConsumer(Config{GroupID: "g1", SessionTimeout: sessionTimeout}, cluster, member, om, nil,
		WithHeartbeatInterval(heartbeatInterval))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	c.Subscribe("orders", SeedEarliest, 0)

	count := 0
	err = c.EachMessage(context.Background(), 1, 5*time.Millisecond, func(Message) error {
		time.Sleep(heartbeatInterval * 3 / 2)
		count++
		if count == 3 {
			c.Stop()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("EachMessage: %v (member should not have been evicted)", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
	if calls := member.HeartbeatCalls(); calls == 0 {
		t.Fatalf("expected at least one heartbeat between slow callbacks, got 0")
	}
}

// TestIntegrationStaleLeaderRecoversWithoutLeaving covers spec §8 scenario
// 6: a fetch failure marks the cluster stale and the loop resumes without
// leaving the group, and no offset regresses on the retried fetch.
func TestIntegrationStaleLeaderRecoversWithoutLeaving(t *testing.T) {
	cluster := testcluster.New()
	cluster.WithAuth(testcluster.Credentials{Username: "svc", Password: "hunter2", Salt: []byte("saltsaltsalt"), Iterations: 4096})
	if err := cluster.Authenticate("hunter2"); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	cluster.AddPartition("orders", 0, 1, testcluster.CodecZstd)
	appendN(cluster, "orders", 0, 3)

	coord := testgroup.NewCoordinator()
	coord.AddTopic("orders", 1)
	member := coord.NewMember("a")

	om := NewOffsetManager(OffsetManagerConfig{GroupID: "g1"}, cluster)
	c, err := NewConsumer(Config{GroupID: "g1"}, cluster, member, om, nil, WithHeartbeatInterval(time.Millisecond))
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	c.Subscribe("orders", SeedEarliest, 0)

	cluster.FailNextFetch(BrokerID(1), errors.New("not leader for partition"))

	var delivered []int64
	var stillMemberAfterRecovery bool
	err = c.EachMessage(context.Background(), 1, 10*time.Millisecond, func(m Message) error {
		delivered = append(delivered, m.Offset)
		if len(delivered) == 1 {
			// The forced fetch failure already happened (it was queued
			// for the very first fetch attempt) and recovery must have
			// happened without the consumer leaving the group.
			stillMemberAfterRecovery = member.IsMember()
		}
		if len(delivered) == 3 {
			c.Stop()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("EachMessage: %v", err)
	}

	want := []int64{0, 1, 2}
	if len(delivered) != len(want) {
		t.Fatalf("delivered = %v, want %v", delivered, want)
	}
	for i, off := range want {
		if delivered[i] != off {
			t.Fatalf("delivered = %v, want %v (no offset should regress after retry)", delivered, want)
		}
	}

	if cluster.StaleCalls() == 0 {
		t.Fatalf("expected MarkAsStale to have been called after the fetch failure")
	}
	if !stillMemberAfterRecovery {
		t.Fatalf("member should never have left the group recovering from a fetch error")
	}
}
