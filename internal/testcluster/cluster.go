// Package testcluster is a reference, in-memory implementation of
// kgroup.Cluster for tests and examples. It is not part of the public
// API; its job is to exercise the wire-adjacent concerns the core
// package deliberately leaves out of scope — per-partition log storage,
// compression, leader migration, and credential verification — the way
// a real broker pool would, without opening a socket.
package testcluster

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dcrodman/kgroup/pkg/kgroup"
)

// Codec selects the compression applied to a partition's stored message
// values, mirroring how a real broker's log segments are written with a
// per-topic compression codec.
type Codec int

const (
	CodecNone Codec = iota
	CodecSnappy
	CodecLZ4
	CodecZstd
)

// Credentials simulates a SASL/SCRAM-style credential check performed
// by Cluster.Authenticate once WithAuth has attached it, grounded on the
// PBKDF2-over-shared-secret scheme SCRAM itself uses. It never touches
// the network; it exists so golang.org/x/crypto/pbkdf2 has a concrete
// caller in this corpus.
type Credentials struct {
	Username string
	Password string
	Salt     []byte
	Iterations int
}

func (c Credentials) derive() []byte {
	return pbkdf2.Key([]byte(c.Password), c.Salt, c.Iterations, sha256.Size, sha256.New)
}

// Verify reports whether candidate presents the same derived key as c,
// the same comparison a broker performs against a client's SCRAM
// handshake before admitting a connection.
func (c Credentials) Verify(candidatePassword string) bool {
	want := c.derive()
	got := pbkdf2.Key([]byte(candidatePassword), c.Salt, c.Iterations, sha256.Size, sha256.New)
	if len(want) != len(got) {
		return false
	}
	for i := range want {
		if want[i] != got[i] {
			return false
		}
	}
	return true
}

type storedMessage struct {
	key, value []byte
	timestamp  int64
}

type partitionLog struct {
	codec    Codec
	leader   kgroup.BrokerID
	stale    bool
	messages []storedMessage
}

// Cluster is a reference in-memory kgroup.Cluster. Zero value is not
// usable; construct with New.
type Cluster struct {
	mu            sync.Mutex
	partitions    map[kgroup.TopicPartition]*partitionLog
	failFetch     map[kgroup.BrokerID]error
	creds         *Credentials
	authenticated bool

	// committed simulates the internal consumer-offsets log a real
	// cluster stores group commits in: group -> partition -> offset.
	committed map[string]map[kgroup.TopicPartition]int64

	// staleCalls counts MarkAsStale invocations, observable by tests that
	// drive a Consumer through a fetch failure and want to confirm it
	// reacted by marking the cluster stale rather than leaving the group.
	staleCalls int
}

// New constructs an empty, unauthenticated Cluster. Call WithAuth to
// require Authenticate before Fetch succeeds.
func New() *Cluster {
	return &Cluster{
		partitions: make(map[kgroup.TopicPartition]*partitionLog),
		failFetch:  make(map[kgroup.BrokerID]error),
		committed:  make(map[string]map[kgroup.TopicPartition]int64),
	}
}

// CommitOffsets implements kgroup.Committer, storing the given
// next-offset-to-fetch values for groupID as if they had been written to
// a cluster-internal offsets log.
func (c *Cluster) CommitOffsets(_ context.Context, groupID string, offsets map[kgroup.TopicPartition]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.committed[groupID]
	if !ok {
		g = make(map[kgroup.TopicPartition]int64)
		c.committed[groupID] = g
	}
	for tp, offset := range offsets {
		g[tp] = offset
	}
	return nil
}

// FetchCommitted implements kgroup.Committer. CommitOffsets stores
// next-offset-to-fetch values; FetchCommitted hands back the
// last-processed offset (next-offset - 1), per the Committer contract —
// the same translation OffsetManager.NextOffsetFor reverses by adding 1.
func (c *Cluster) FetchCommitted(_ context.Context, groupID string, tp kgroup.TopicPartition) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.committed[groupID]
	if !ok {
		return 0, false, nil
	}
	nextOffset, ok := g[tp]
	if !ok {
		return 0, false, nil
	}
	return nextOffset - 1, true, nil
}

// WithAuth attaches a credential check: once set, every Fetch against
// this Cluster fails with errNotAuthenticated until a caller satisfies
// it via Authenticate.
func (c *Cluster) WithAuth(creds Credentials) *Cluster {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = &creds
	return c
}

var errNotAuthenticated = fmt.Errorf("testcluster: not authenticated")

// Authenticate verifies password against the configured Credentials and,
// on success, marks the Cluster authenticated for subsequent Fetch calls.
// A Cluster with no WithAuth call always authenticates successfully.
func (c *Cluster) Authenticate(password string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.creds == nil {
		c.authenticated = true
		return nil
	}
	if !c.creds.Verify(password) {
		return errNotAuthenticated
	}
	c.authenticated = true
	return nil
}

// AddPartition registers a partition with the given leader and
// compression codec. Calling it again for the same partition replaces
// its leader and codec but keeps any already-appended messages.
func (c *Cluster) AddPartition(topic string, partition int32, leader kgroup.BrokerID, codec Codec) {
	tp := kgroup.TopicPartition{Topic: topic, Partition: partition}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[tp]
	if !ok {
		p = &partitionLog{}
		c.partitions[tp] = p
	}
	p.leader = leader
	p.codec = codec
}

// Append stores one message at the end of the partition's log and
// returns its assigned offset. Panics if the partition was never
// registered via AddPartition, matching the programmer-error treatment
// of an unknown partition in a test fixture.
func (c *Cluster) Append(topic string, partition int32, key, value []byte, timestampMillis int64) int64 {
	tp := kgroup.TopicPartition{Topic: topic, Partition: partition}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[tp]
	if !ok {
		panic(fmt.Sprintf("testcluster: partition %s never registered", tp))
	}
	encoded, err := encode(p.codec, value)
	if err != nil {
		panic(fmt.Sprintf("testcluster: encode: %s", err))
	}
	p.messages = append(p.messages, storedMessage{key: key, value: encoded, timestamp: timestampMillis})
	return int64(len(p.messages) - 1)
}

// MigrateLeader simulates a leadership change: the partition's leader
// moves to newLeader and is marked stale until the next LeaderFor call
// observes it, mirroring a real metadata refresh.
func (c *Cluster) MigrateLeader(topic string, partition int32, newLeader kgroup.BrokerID) {
	tp := kgroup.TopicPartition{Topic: topic, Partition: partition}
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.partitions[tp]; ok {
		p.leader = newLeader
		p.stale = true
	}
}

// FailNextFetch makes the next Fetch against broker return err instead
// of serving any data, then clears itself.
func (c *Cluster) FailNextFetch(broker kgroup.BrokerID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failFetch[broker] = err
}

// LeaderFor implements kgroup.Cluster.
func (c *Cluster) LeaderFor(_ context.Context, topic string, partition int32) (kgroup.BrokerID, error) {
	tp := kgroup.TopicPartition{Topic: topic, Partition: partition}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[tp]
	if !ok {
		return 0, &kgroup.LeaderNotAvailableError{TopicPartition: tp}
	}
	p.stale = false
	return p.leader, nil
}

// MarkAsStale implements kgroup.Cluster by marking every registered
// partition stale, forcing the next LeaderFor call for each to "refresh".
func (c *Cluster) MarkAsStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.staleCalls++
	for _, p := range c.partitions {
		p.stale = true
	}
}

// StaleCalls returns the number of times MarkAsStale has been invoked.
func (c *Cluster) StaleCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.staleCalls
}

// Fetch implements kgroup.Cluster, serving each requested partition from
// its in-memory log starting at req.Offset, bounded by req.MaxBytes.
func (c *Cluster) Fetch(_ context.Context, broker kgroup.BrokerID, reqs []kgroup.FetchRequest, _ int32, _ int64) ([]kgroup.Batch, error) {
	c.mu.Lock()
	if c.creds != nil && !c.authenticated {
		c.mu.Unlock()
		return nil, errNotAuthenticated
	}
	if err := c.failFetch[broker]; err != nil {
		delete(c.failFetch, broker)
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	out := make([]kgroup.Batch, 0, len(reqs))
	for _, req := range reqs {
		tp := kgroup.TopicPartition{Topic: req.Topic, Partition: req.Partition}
		c.mu.Lock()
		p, ok := c.partitions[tp]
		if !ok {
			c.mu.Unlock()
			out = append(out, kgroup.Batch{Topic: req.Topic, Partition: req.Partition, Err: &kgroup.LeaderNotAvailableError{TopicPartition: tp}})
			continue
		}
		if p.leader != broker {
			c.mu.Unlock()
			out = append(out, kgroup.Batch{Topic: req.Topic, Partition: req.Partition, Err: &kgroup.FetchError{TopicPartition: tp, Err: fmt.Errorf("testcluster: broker %d is not the leader", broker), StaleMetadata: true}})
			continue
		}

		batch, err := p.readFrom(req.Offset, req.MaxBytes, req.Topic, req.Partition)
		c.mu.Unlock()
		if err != nil {
			out = append(out, kgroup.Batch{Topic: req.Topic, Partition: req.Partition, Err: &kgroup.FetchError{TopicPartition: tp, Err: err}})
			continue
		}
		out = append(out, batch)
	}
	return out, nil
}

func (p *partitionLog) readFrom(offset int64, maxBytes int32, topic string, partition int32) (kgroup.Batch, error) {
	hw := int64(len(p.messages))
	if offset < 0 {
		offset = hw // "latest": nothing new yet
	}
	if offset >= hw {
		return kgroup.Batch{Topic: topic, Partition: partition, HighwaterMarkOffset: hw}, nil
	}

	var msgs []kgroup.Message
	var used int32
	for i := offset; i < hw; i++ {
		raw := p.messages[i]
		value, err := decode(p.codec, raw.value)
		if err != nil {
			return kgroup.Batch{}, err
		}
		if used > 0 && used+int32(len(value)) > maxBytes {
			break
		}
		used += int32(len(value))
		msgs = append(msgs, kgroup.Message{
			Topic: topic, Partition: partition, Offset: i,
			Key: raw.key, Value: value, Timestamp: raw.timestamp,
		})
	}

	return kgroup.Batch{Topic: topic, Partition: partition, Messages: msgs, HighwaterMarkOffset: hw}, nil
}

const lenPrefixSize = 4

func putLenPrefix(dst []byte, n int) { binary.BigEndian.PutUint32(dst[:lenPrefixSize], uint32(n)) }
func lenPrefix(src []byte) int       { return int(binary.BigEndian.Uint32(src[:lenPrefixSize])) }

func encode(codec Codec, value []byte) ([]byte, error) {
	switch codec {
	case CodecSnappy:
		return snappy.Encode(nil, value), nil
	case CodecLZ4:
		// lz4's block API needs the original length to decompress, the
		// same reason Kafka's own LZ4 record batches carry an explicit
		// decompressed-size field. Prefix it ourselves.
		dst := make([]byte, lenPrefixSize+lz4.CompressBlockBound(len(value)))
		putLenPrefix(dst, len(value))
		n, err := lz4.CompressBlock(value, dst[lenPrefixSize:], make([]int, 1<<16))
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Incompressible input: lz4 reports 0 rather than writing a
			// larger-than-source block. Store it verbatim, prefixed
			// with length 0 so decode knows to treat it as raw.
			putLenPrefix(dst, 0)
			return append(dst[:lenPrefixSize], value...), nil
		}
		return dst[:lenPrefixSize+n], nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(value, nil), nil
	default:
		return value, nil
	}
}

func decode(codec Codec, encoded []byte) ([]byte, error) {
	switch codec {
	case CodecSnappy:
		return snappy.Decode(nil, encoded)
	case CodecLZ4:
		if len(encoded) < lenPrefixSize {
			return nil, fmt.Errorf("testcluster: truncated lz4 block")
		}
		origLen := lenPrefix(encoded)
		body := encoded[lenPrefixSize:]
		if origLen == 0 {
			return append([]byte{}, body...), nil
		}
		dst := make([]byte, origLen)
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(encoded, nil)
	default:
		return encoded, nil
	}
}
