package kgroup

import (
	"context"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

func newTestConsumer(t *testing.T, group *fakeGroup, cluster *fakeCluster, committer *fakeCommitter) *Consumer {
	t.Helper()
	om := NewOffsetManager(OffsetManagerConfig{GroupID: "g1", CommitInterval: 0}, committer)
	c, err := NewConsumer(Config{GroupID: "g1", SessionTimeout: time.Second}, cluster, group, om, nil)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	return c
}

func TestConsumerEachMessageStopsGracefully(t *testing.T) {
	cluster := newFakeCluster()
	cluster.leaders[tp("orders", 0)] = 1
	cluster.batches[tp("orders", 0)] = Batch{
		Topic: "orders", Partition: 0,
		Messages:            []Message{{Topic: "orders", Partition: 0, Offset: 0, Value: []byte("hello")}},
		HighwaterMarkOffset: 1,
	}

	group := &fakeGroup{assignment: Assignment{Generation: 1, Partitions: map[string][]int32{"orders": {0}}}}
	committer := newFakeCommitter()

	c := newTestConsumer(t, group, cluster, committer)
	c.Subscribe("orders", SeedEarliest, 0)

	var got []Message
	err := c.EachMessage(context.Background(), 1, 10*time.Millisecond, func(m Message) error {
		got = append(got, m)
		c.Stop()
		return nil
	})
	if err != nil {
		t.Fatalf("EachMessage: %v", err)
	}

	want := []Message{{Topic: "orders", Partition: 0, Offset: 0, Value: []byte("hello")}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("messages mismatch (-want +got):\n%s", diff)
	}
	t.Logf("final consumer state: %s", spew.Sdump(c.State()))

	if group.member {
		t.Fatalf("expected group to be left after shutdown")
	}
	if got, ok := committer.committed[tp("orders", 0)]; !ok || got != 1 {
		t.Fatalf("committed offset = %v, ok=%v, want 1, true", got, ok)
	}
}

func TestConsumerEachBatchSkipsEmptyBatches(t *testing.T) {
	cluster := newFakeCluster()
	cluster.leaders[tp("orders", 0)] = 1
	cluster.batches[tp("orders", 0)] = Batch{Topic: "orders", Partition: 0, HighwaterMarkOffset: 0}

	group := &fakeGroup{assignment: Assignment{Generation: 1, Partitions: map[string][]int32{"orders": {0}}}}
	committer := newFakeCommitter()

	c := newTestConsumer(t, group, cluster, committer)
	c.Subscribe("orders", SeedEarliest, 0)

	calls := 0
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(15 * time.Millisecond)
		c.Stop()
	}()

	err := c.EachBatch(ctx, 1, 5*time.Millisecond, func(b Batch) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("EachBatch: %v", err)
	}
	if calls != 0 {
		t.Fatalf("callback invoked %d times, want 0 for all-empty batches", calls)
	}
}

func TestConsumerJoinWithNoPartitionsIsFatal(t *testing.T) {
	cluster := newFakeCluster()
	group := &fakeGroup{assignment: Assignment{Generation: 1, Partitions: map[string][]int32{}}}
	committer := newFakeCommitter()

	c := newTestConsumer(t, group, cluster, committer)
	c.Subscribe("orders", SeedEarliest, 0)

	err := c.EachMessage(context.Background(), 1, 10*time.Millisecond, func(Message) error {
		t.Fatalf("callback should not be invoked when no partitions are assigned")
		return nil
	})

	if _, ok := err.(*ErrNoPartitionsAssigned); !ok {
		t.Fatalf("err = %v (%T), want *ErrNoPartitionsAssigned", err, err)
	}
}

func TestConsumerFirstJoinPreservesCommittedOffsets(t *testing.T) {
	cluster := newFakeCluster()
	group := &fakeGroup{assignment: Assignment{Generation: 1, Partitions: map[string][]int32{"orders": {0}}}}
	committer := newFakeCommitter()
	committer.committed[tp("orders", 0)] = 101 // last processed = 100

	c := newTestConsumer(t, group, cluster, committer)
	c.Subscribe("orders", SeedEarliest, 0)

	if _, err := c.joinGroup(context.Background()); err != nil {
		t.Fatalf("joinGroup: %v", err)
	}

	offset, err := c.offsets.NextOffsetFor(context.Background(), tp("orders", 0))
	if err != nil {
		t.Fatalf("NextOffsetFor: %v", err)
	}
	if offset != 101 {
		t.Fatalf("offset = %d, want 101 (preserved committed+1)", offset)
	}
}

func TestConsumerGenerationGapDiscardsStaleLocalOffsets(t *testing.T) {
	cluster := newFakeCluster()
	group := &fakeGroup{assignment: Assignment{Generation: 1, Partitions: map[string][]int32{"orders": {0}}}}
	committer := newFakeCommitter()

	c := newTestConsumer(t, group, cluster, committer)
	c.Subscribe("orders", SeedEarliest, 0)

	if _, err := c.joinGroup(context.Background()); err != nil {
		t.Fatalf("first joinGroup: %v", err)
	}

	// Simulate locally-buffered, uncommitted progress from before this
	// member dropped out of the group.
	c.offsets.MarkAsProcessed(tp("orders", 0), 9)

	// While this member was gone, another member consumed further and
	// committed offset 101 (last processed 100) on its behalf.
	committer.committed[tp("orders", 0)] = 101

	group.assignment = Assignment{Generation: 5, Partitions: map[string][]int32{"orders": {0}}}
	if _, err := c.joinGroup(context.Background()); err != nil {
		t.Fatalf("second joinGroup: %v", err)
	}

	offset, err := c.offsets.NextOffsetFor(context.Background(), tp("orders", 0))
	if err != nil {
		t.Fatalf("NextOffsetFor: %v", err)
	}
	if offset != 101 {
		t.Fatalf("offset = %d, want 101 (stale local cache of 10 discarded by generation gap)", offset)
	}
}
