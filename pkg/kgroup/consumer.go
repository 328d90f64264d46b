package kgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ConsumerState is the consume-loop's state machine position (spec §4.1). It
// exists purely for observability (State()) and tests; the control flow
// itself is expressed directly as Go control flow in run(), not as a
// table-driven FSM, matching how the teacher expresses its
// consumer/consumerSession lifecycle as plain sequential code guarded by
// mutexes rather than a generic state-transition table.
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StateJoining
	StateFetching
	StateDispatching
	StateRecovering
	StateStopping
	StateLeft
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateJoining:
		return "Joining"
	case StateFetching:
		return "Fetching"
	case StateDispatching:
		return "Dispatching"
	case StateRecovering:
		return "Recovering"
	case StateStopping:
		return "Stopping"
	case StateLeft:
		return "Left"
	default:
		return "Unknown"
	}
}

// Config configures a Consumer.
type Config struct {
	// GroupID identifies the coordination group. Required, non-empty.
	GroupID string

	// SessionTimeout is the coordinator-side liveness budget. Defaults to 30s.
	SessionTimeout time.Duration

	// HeartbeatInterval is how often a beacon is sent when due. Defaults
	// to one third of SessionTimeout.
	HeartbeatInterval time.Duration

	Logger Logger
}

// Option mutates a Config before defaults are applied. Follows the same
// functional-option idiom the teacher threads through its own Client
// construction, and that mistsys-sarama-consumer's Config/NewConfig
// pairing uses as well.
type Option func(*Config)

// WithSessionTimeout overrides Config.SessionTimeout.
func WithSessionTimeout(d time.Duration) Option {
	return func(c *Config) { c.SessionTimeout = d }
}

// WithHeartbeatInterval overrides Config.HeartbeatInterval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *Config) { c.HeartbeatInterval = d }
}

// WithLogger overrides Config.Logger.
func WithLogger(l Logger) Option {
	return func(c *Config) { c.Logger = l }
}

func (c *Config) setDefaults() error {
	if c.GroupID == "" {
		return errors.New("kgroup: GroupID is required")
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.SessionTimeout / 3
	}
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	return nil
}

const (
	defaultMinBytes   = 1
	defaultMaxWait    = 5 * time.Second
	leaderWaitBackoff = time.Second
)

// Consumer is the group-coordinated consumer core. It joins cfg.GroupID,
// participates in rebalances via Group, drives fetch loops over its
// assigned partitions via Cluster, checkpoints progress via
// OffsetManager, and sends heartbeats via Heartbeat.
//
// A Consumer owns none of its three collaborators (caller-owned, per
// spec §9); it is not re-entrant and its consume loop is single-threaded
// and cooperative (spec §5).
type Consumer struct {
	cfg          Config
	cluster      Cluster
	group        Group
	offsets      OffsetManager
	instrumenter Instrumenter
	heartbeat    *Heartbeat
	logger       Logger

	subsMu        sync.Mutex
	subscriptions map[string]Subscription

	state atomic.Int32

	stopRequested atomic.Bool

	runCancelMu sync.Mutex
	runCancel   context.CancelFunc

	generation atomic.Int32

	lagMu sync.Mutex
	lag   map[TopicPartition]int64
}

// NewConsumer constructs a Consumer. instrumenter may be nil, in which
// case NoopInstrumenter is used.
func NewConsumer(cfg Config, cluster Cluster, group Group, offsets OffsetManager, instrumenter Instrumenter, opts ...Option) (*Consumer, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	if cluster == nil || group == nil || offsets == nil {
		return nil, errors.New("kgroup: cluster, group, and offsets collaborators are required")
	}
	if instrumenter == nil {
		instrumenter = NoopInstrumenter{}
	}

	c := &Consumer{
		cfg:           cfg,
		cluster:       cluster,
		group:         group,
		offsets:       offsets,
		instrumenter:  instrumenter,
		logger:        cfg.Logger,
		subscriptions: make(map[string]Subscription),
		lag:           make(map[TopicPartition]int64),
	}
	c.heartbeat = NewHeartbeat(group, cfg.HeartbeatInterval, cfg.Logger)
	c.state.Store(int32(StateIdle))
	return c, nil
}

// State returns the consume loop's current position in the state
// machine. Intended for observability and tests, not for control flow by
// callers.
func (c *Consumer) State() ConsumerState { return ConsumerState(c.state.Load()) }

func (c *Consumer) setState(s ConsumerState) { c.state.Store(int32(s)) }

// Subscribe adds a topic to the group's subscription set and records its
// seed policy and fetch cap. Idempotent for the same topic.
//
// Takes effect on the next Join. If called after EachMessage/EachBatch
// has already joined the group, the new subscription is recorded
// immediately but the running consumer will not see it until its next
// rebalance — it is not forced to eagerly rejoin. Matches the ruby-kafka
// lineage's behavior; see SPEC_FULL.md's Open Questions.
func (c *Consumer) Subscribe(topic string, seed SeedPolicy, maxBytesPerPartition int32) {
	if maxBytesPerPartition <= 0 {
		maxBytesPerPartition = defaultMaxBytesPerPartition
	}
	c.subsMu.Lock()
	c.subscriptions[topic] = Subscription{Topic: topic, Seed: seed, MaxBytesPerPartition: maxBytesPerPartition}
	c.subsMu.Unlock()

	c.group.Subscribe(topic)
	c.offsets.SetDefaultOffset(topic, seed)
}

func (c *Consumer) subscriptionCount() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subscriptions)
}

func (c *Consumer) subscriptionFor(topic string) (Subscription, bool) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	s, ok := c.subscriptions[topic]
	return s, ok
}

// Stop requests graceful shutdown at the next safe point (after the
// current message/batch callback returns). Non-blocking.
func (c *Consumer) Stop() {
	c.stopRequested.Store(true)
}

// StopNow requests graceful shutdown like Stop, and additionally cancels
// any in-flight fetch via context so a blocked broker call is
// interrupted immediately rather than waiting out max_wait_time. Not
// part of spec.md's contract; a supplementary convenience for tests and
// supervisors embedding the consumer (see SPEC_FULL.md).
func (c *Consumer) StopNow(ctx context.Context) {
	c.Stop()
	c.runCancelMu.Lock()
	cancel := c.runCancel
	c.runCancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Lag returns the most recently observed offset_lag for tp, and false if
// no batch has been observed for it yet. Supplementary diagnostic
// accessor (see SPEC_FULL.md), grounded on aryanugroho-marshal's
// GetCurrentLag/GetCurrentLoad.
func (c *Consumer) Lag(tp TopicPartition) (int64, bool) {
	c.lagMu.Lock()
	defer c.lagMu.Unlock()
	v, ok := c.lag[tp]
	return v, ok
}

func (c *Consumer) recordLag(tp TopicPartition, lag int64) {
	c.lagMu.Lock()
	c.lag[tp] = lag
	c.lagMu.Unlock()
}

// EachMessage runs the consume loop, invoking callback exactly once per
// fetched message. Returns only when Stop/StopNow is called or an
// unrecoverable error occurs.
func (c *Consumer) EachMessage(ctx context.Context, minBytes int32, maxWait time.Duration, callback func(Message) error) error {
	return c.run(ctx, minBytes, maxWait, func(ctx context.Context, b Batch) error {
		for _, m := range b.Messages {
			if err := c.dispatchMessage(ctx, m, callback); err != nil {
				return err
			}
			if stop := c.stopRequested.Load(); stop {
				return errStopObserved
			}
		}
		return nil
	})
}

// EachBatch runs the consume loop, invoking callback once per non-empty
// batch. Empty batches are silently skipped.
func (c *Consumer) EachBatch(ctx context.Context, minBytes int32, maxWait time.Duration, callback func(Batch) error) error {
	return c.run(ctx, minBytes, maxWait, func(ctx context.Context, b Batch) error {
		if b.Empty() {
			return nil
		}
		if err := c.dispatchBatch(ctx, b, callback); err != nil {
			return err
		}
		if c.stopRequested.Load() {
			return errStopObserved
		}
		return nil
	})
}

// errStopObserved is an internal sentinel used to unwind out of the
// per-batch dispatch loop the instant stop is observed at a message/batch
// boundary, without it ever escaping run() as a user-visible error.
var errStopObserved = errors.New("kgroup: stop observed")

// dispatchMessage invokes callback inside the instrumentation scope,
// marks the offset processed on success, and interleaves the
// heartbeat/commit checks required after every message.
func (c *Consumer) dispatchMessage(ctx context.Context, m Message, callback func(Message) error) error {
	tp := m.TopicPartition()
	lag, _ := c.Lag(tp)
	attrs := MessageEventAttrs{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset, OffsetLag: lag, Key: m.Key, Value: m.Value}

	err := c.instrumenter.InstrumentMessage(ctx, attrs, func() error {
		return callback(m)
	})
	if err != nil {
		return &CallbackError{TopicPartition: tp, Offset: m.Offset, Err: err}
	}

	c.offsets.MarkAsProcessed(tp, m.Offset)

	if err := c.heartbeat.SendIfNecessary(ctx); err != nil {
		return err
	}
	if err := c.offsets.CommitOffsetsIfNecessary(ctx); err != nil {
		return err
	}
	return nil
}

// dispatchBatch invokes callback once for the batch; on success the last
// message's offset is marked processed, then the same
// heartbeat/commit interleave runs as in dispatchMessage.
func (c *Consumer) dispatchBatch(ctx context.Context, b Batch, callback func(Batch) error) error {
	last, _ := b.LastOffset()
	tp := TopicPartition{Topic: b.Topic, Partition: b.Partition}
	attrs := BatchEventAttrs{
		Topic: b.Topic, Partition: b.Partition,
		OffsetLag: b.OffsetLag(), HighwaterMarkOffset: b.HighwaterMarkOffset,
		MessageCount: len(b.Messages),
	}

	err := c.instrumenter.InstrumentBatch(ctx, attrs, func() error {
		return callback(b)
	})
	if err != nil {
		return &CallbackError{TopicPartition: tp, Offset: last, Err: err}
	}

	c.offsets.MarkAsProcessed(tp, last)

	if err := c.heartbeat.SendIfNecessary(ctx); err != nil {
		return err
	}
	if err := c.offsets.CommitOffsetsIfNecessary(ctx); err != nil {
		return err
	}
	return nil
}

// run is the shared consume loop driving both EachMessage and EachBatch;
// dispatch is called once per returned Batch (dispatchMessage/
// dispatchBatch fan it out further for message mode).
func (c *Consumer) run(ctx context.Context, minBytes int32, maxWait time.Duration, dispatch func(context.Context, Batch) error) (err error) {
	if minBytes <= 0 {
		minBytes = defaultMinBytes
	}
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.runCancelMu.Lock()
	c.runCancel = cancel
	c.runCancelMu.Unlock()
	defer cancel()

	c.setState(StateJoining)

	defer func() {
		// Shutdown tail: guaranteed on every exit path, including
		// exceptional ones (spec §4.1, §7).
		c.setState(StateStopping)
		if commitErr := c.offsets.CommitOffsets(context.Background()); commitErr != nil {
			c.logger.Log(LogLevelWarn, "shutdown commit failed", "err", commitErr)
		}
		if leaveErr := c.group.Leave(context.Background()); leaveErr != nil {
			c.logger.Log(LogLevelWarn, "leave group failed", "err", leaveErr)
		}
		c.setState(StateLeft)
		if errors.Is(err, errStopObserved) {
			err = nil
		}
	}()

	fo := newFetchOperation(c.cluster, c.logger)

joinLoop:
	for {
		if c.stopRequested.Load() {
			return nil
		}

		assignment, joinErr := c.joinGroup(runCtx)
		if joinErr != nil {
			var noPartitions *ErrNoPartitionsAssigned
			if errors.As(joinErr, &noPartitions) {
				return joinErr
			}
			c.setState(StateRecovering)
			c.logger.Log(LogLevelWarn, "join failed, retrying", "err", joinErr)
			if !sleepCtx(runCtx, leaderWaitBackoff) {
				return runCtx.Err()
			}
			continue joinLoop
		}

		c.setState(StateFetching)

	fetchLoop:
		for {
			if c.stopRequested.Load() {
				return nil
			}

			if err := c.heartbeat.SendIfNecessary(runCtx); err != nil {
				c.setState(StateRecovering)
				c.logger.Log(LogLevelWarn, "heartbeat failed, rejoining", "err", err)
				continue joinLoop
			}

			batches, fetchErr := c.fetchAssigned(runCtx, fo, assignment, minBytes, maxWait)
			if fetchErr != nil {
				var lna *LeaderNotAvailableError
				var fe *FetchError
				switch {
				case errors.As(fetchErr, &lna):
					c.setState(StateRecovering)
					c.logger.Log(LogLevelWarn, "leader not available, sleeping", "partition", lna.TopicPartition)
					if !sleepCtx(runCtx, leaderWaitBackoff) {
						return runCtx.Err()
					}
					continue fetchLoop
				case errors.As(fetchErr, &fe):
					c.setState(StateRecovering)
					c.cluster.MarkAsStale()
					c.logger.Log(LogLevelWarn, "fetch failed, cluster marked stale", "partition", fe.TopicPartition, "err", fe.Err)
					continue fetchLoop
				default:
					return fetchErr
				}
			}

			c.setState(StateDispatching)
			for _, b := range batches {
				if b.Err != nil {
					if handled := c.handleBatchError(runCtx, b); handled {
						continue
					}
				}
				c.recordLag(TopicPartition{Topic: b.Topic, Partition: b.Partition}, b.OffsetLag())

				if dispatchErr := dispatch(runCtx, b); dispatchErr != nil {
					if errors.Is(dispatchErr, errStopObserved) {
						return nil
					}
					var hbErr *HeartbeatError
					var ocErr *OffsetCommitError
					switch {
					case errors.As(dispatchErr, &hbErr), errors.As(dispatchErr, &ocErr):
						c.setState(StateRecovering)
						continue joinLoop
					default:
						return dispatchErr
					}
				}
			}

			// One additional commit check even if no messages arrived,
			// so recently-acked offsets from the previous iteration
			// reach the coordinator promptly.
			if err := c.offsets.CommitOffsetsIfNecessary(runCtx); err != nil {
				c.setState(StateRecovering)
				continue joinLoop
			}

			if c.stopRequested.Load() {
				return nil
			}
			c.setState(StateFetching)
		}
	}
}

// handleBatchError inspects a per-partition broker-reported error
// attached to a Batch and applies the FetchError/LeaderNotAvailable
// policy inline, without requiring a full rejoin. Returns true if the
// batch was handled (and should be skipped by the dispatch loop).
func (c *Consumer) handleBatchError(ctx context.Context, b Batch) bool {
	tp := TopicPartition{Topic: b.Topic, Partition: b.Partition}
	var lna *LeaderNotAvailableError
	if errors.As(b.Err, &lna) {
		c.logger.Log(LogLevelWarn, "leader not available, sleeping", "partition", tp)
		sleepCtx(ctx, leaderWaitBackoff)
		return true
	}
	c.logger.Log(LogLevelWarn, "partition fetch error", "partition", tp, "err", b.Err)
	c.cluster.MarkAsStale()
	return true
}

// joinGroup performs the Join handshake and applies the generation
// comparison rule from spec §4.1: retaining/discarding local offset state
// as appropriate.
func (c *Consumer) joinGroup(ctx context.Context) (Assignment, error) {
	assignment, err := c.group.Join(ctx)
	if err != nil {
		return Assignment{}, err
	}

	gOld := c.generation.Load()
	gNew := assignment.Generation

	switch {
	case gOld == 0 || gNew == gOld+1:
		// Continuously present across this rebalance (or first join):
		// retain committed offsets for partitions still assigned, but
		// discard anything no longer assigned.
		c.offsets.ClearOffsetsExcluding(assignment)
	default:
		// Missed at least one full generation: others have since
		// advanced committed offsets for our old partitions.
		c.offsets.ClearOffsets()
	}
	c.generation.Store(gNew)

	// This cannot distinguish a genuine protocol-bug empty assignment
	// from a legitimate "every subscribed topic currently has zero
	// partitions" state; SPEC_FULL.md's open-question decision accepts
	// that divergence rather than inventing a signal the Group
	// collaborator contract (§6) has no way to supply.
	if c.subscriptionCount() > 0 && assignment.IsEmpty() {
		return Assignment{}, &ErrNoPartitionsAssigned{GroupID: c.cfg.GroupID}
	}

	return assignment, nil
}

// fetchAssigned builds and executes a multi-partition fetch across every
// partition in the current assignment, resolving each partition's next
// offset to request via OffsetManager.
func (c *Consumer) fetchAssigned(ctx context.Context, fo *fetchOperation, assignment Assignment, minBytes int32, maxWait time.Duration) ([]Batch, error) {
	fo.reset()

	for _, tp := range assignment.TopicPartitions() {
		sub, ok := c.subscriptionFor(tp.Topic)
		if !ok {
			continue
		}
		offset, err := c.offsets.NextOffsetFor(ctx, tp)
		if err != nil {
			return nil, &FetchError{TopicPartition: tp, Err: err}
		}
		fo.fetchFromPartition(tp.Topic, tp.Partition, offset, sub.MaxBytesPerPartition)
	}

	return fo.execute(ctx, minBytes, maxWait.Milliseconds())
}

// sleepCtx sleeps for d or until ctx is done, returning false if ctx won.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
