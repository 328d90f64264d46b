package kgroup

import (
	"context"
	"sort"
)

// fetchOperation coalesces per-partition fetch requests into per-broker
// multiplexed requests, dispatches them, and returns a flat ordered
// sequence of Batches.
//
// Grounded on the teacher's listOrEpochLoads/mapLoadsToBrokers per-broker
// coalescing pattern (pkg/kgo/consumer.go), adapted here from offset
// loads to fetch requests.
type fetchOperation struct {
	cluster Cluster
	logger  Logger

	order   []TopicPartition
	pending map[TopicPartition]FetchRequest
}

func newFetchOperation(cluster Cluster, logger Logger) *fetchOperation {
	if logger == nil {
		logger = nopLogger{}
	}
	return &fetchOperation{
		cluster: cluster,
		logger:  logger,
		pending: make(map[TopicPartition]FetchRequest),
	}
}

// fetchFromPartition registers one partition in the pending request.
// Registering the same partition twice replaces its prior request.
func (f *fetchOperation) fetchFromPartition(topic string, partition int32, offset int64, maxBytes int32) {
	tp := TopicPartition{Topic: topic, Partition: partition}
	if _, exists := f.pending[tp]; !exists {
		f.order = append(f.order, tp)
	}
	f.pending[tp] = FetchRequest{Topic: topic, Partition: partition, Offset: offset, MaxBytes: maxBytes}
}

// execute groups registered partitions by their current leader broker,
// issues one fetch per broker with the given minBytes/maxWait, and
// returns all Batches ordered by the broker that served them (brokers
// sorted by ID; within a broker's own response, requests keep their
// caller-registration order). A partition with no known leader aborts the
// operation with *LeaderNotAvailableError; any other leader-resolution or
// broker-level failure (e.g. connection refused) is returned as
// *FetchError; per-partition broker-reported errors are attached to the
// Batch for that partition instead of aborting the whole operation.
func (f *fetchOperation) execute(ctx context.Context, minBytes int32, maxWaitMillis int64) ([]Batch, error) {
	if len(f.pending) == 0 {
		return nil, nil
	}

	byBroker := make(map[BrokerID][]FetchRequest)
	brokerOf := make(map[TopicPartition]BrokerID)

	// Stable iteration (f.order) keeps each per-broker request slice in
	// deterministic, caller-registration order. The brokers themselves
	// are then visited in sorted-ID order below, so the overall Batch
	// order is broker-sorted, not pure registration order.
	for _, tp := range f.order {
		req := f.pending[tp]
		broker, err := f.cluster.LeaderFor(ctx, req.Topic, req.Partition)
		if err != nil {
			if _, ok := asLeaderNotAvailable(err); ok {
				return nil, &LeaderNotAvailableError{TopicPartition: tp}
			}
			return nil, &FetchError{TopicPartition: tp, Err: err}
		}
		byBroker[broker] = append(byBroker[broker], req)
		brokerOf[tp] = broker
	}

	brokers := make([]BrokerID, 0, len(byBroker))
	for b := range byBroker {
		brokers = append(brokers, b)
	}
	sort.Slice(brokers, func(i, j int) bool { return brokers[i] < brokers[j] })

	var out []Batch
	for _, broker := range brokers {
		reqs := byBroker[broker]
		batches, err := f.cluster.Fetch(ctx, broker, reqs, minBytes, maxWaitMillis)
		if err != nil {
			f.logger.Log(LogLevelWarn, "fetch failed", "broker", broker, "err", err)
			// Attribute the fatal error to the first partition of this
			// broker's request so the Consumer can still react
			// per-partition (e.g. mark cluster stale).
			tp := TopicPartition{Topic: reqs[0].Topic, Partition: reqs[0].Partition}
			return nil, &FetchError{TopicPartition: tp, Err: err}
		}
		out = append(out, batches...)
	}

	return out, nil
}

// reset clears all pending registrations so the fetchOperation can be
// reused for the next iteration without reallocating.
func (f *fetchOperation) reset() {
	f.order = f.order[:0]
	for k := range f.pending {
		delete(f.pending, k)
	}
}

func asLeaderNotAvailable(err error) (*LeaderNotAvailableError, bool) {
	lna, ok := err.(*LeaderNotAvailableError)
	return lna, ok
}
