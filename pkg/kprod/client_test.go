package kprod

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// scriptedProduceResult is one pre-programmed per-partition produce
// outcome; the fakeNode consumes them head-first, then falls back to
// normal offset assignment.
type scriptedProduceResult struct {
	errCode    int16
	baseOffset int64
}

// fakeNode is an in-memory NodeClient stand-in for the external
// TCP/TLS collaborator named out of scope in spec §1, just enough to
// drive the client/sender/metadata/transaction wiring end to end
// in-process. It records the order of broker RPCs so tests can assert
// the sequencing contracts of §4.E and §8.
type fakeNode struct {
	mu         sync.Mutex
	nextOffset map[TopicPartition]int64
	partitions map[string][]int32

	failProduce     error
	failProduceOnce bool

	scripted      map[TopicPartition][]scriptedProduceResult
	endTxnErrCode int16

	rpcs []string
}

func newFakeNode(topic string, numPartitions int) *fakeNode {
	f := &fakeNode{
		nextOffset: make(map[TopicPartition]int64),
		partitions: make(map[string][]int32),
		scripted:   make(map[TopicPartition][]scriptedProduceResult),
	}
	f.addTopic(topic, numPartitions)
	return f
}

func (f *fakeNode) addTopic(topic string, numPartitions int) {
	parts := make([]int32, numPartitions)
	for i := range parts {
		parts[i] = int32(i)
	}
	f.mu.Lock()
	f.partitions[topic] = parts
	f.mu.Unlock()
}

func (f *fakeNode) script(tp TopicPartition, results ...scriptedProduceResult) {
	f.mu.Lock()
	f.scripted[tp] = append(f.scripted[tp], results...)
	f.mu.Unlock()
}

func (f *fakeNode) recordedRPCs(names ...string) []string {
	keep := make(map[string]bool, len(names))
	for _, n := range names {
		keep[n] = true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.rpcs {
		if len(names) == 0 || keep[r] {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeNode) record(name string) {
	f.rpcs = append(f.rpcs, name)
}

func (f *fakeNode) Reachable(ctx context.Context, nodeID int32) bool { return true }

func (f *fakeNode) Request(ctx context.Context, nodeID int32, req kmsg.Request) (kmsg.Response, error) {
	switch r := req.(type) {
	case *kmsg.MetadataRequest:
		f.mu.Lock()
		f.record("Metadata")
		f.mu.Unlock()
		resp := kmsg.NewPtrMetadataResponse()
		resp.Brokers = []kmsg.MetadataResponseBroker{{NodeID: 1}}
		for _, rt := range r.Topics {
			topic := ""
			if rt.Topic != nil {
				topic = *rt.Topic
			}
			f.mu.Lock()
			parts, ok := f.partitions[topic]
			f.mu.Unlock()

			mrt := kmsg.NewMetadataResponseTopic()
			tcopy := topic
			mrt.Topic = &tcopy
			if !ok {
				mrt.ErrorCode = kerr.UnknownTopicOrPartition.Code
			} else {
				for _, p := range parts {
					mp := kmsg.NewMetadataResponseTopicPartition()
					mp.Partition = p
					mp.Leader = 1
					mrt.Partitions = append(mrt.Partitions, mp)
				}
			}
			resp.Topics = append(resp.Topics, mrt)
		}
		return resp, nil

	case *kmsg.FindCoordinatorRequest:
		f.mu.Lock()
		f.record("FindCoordinator")
		f.mu.Unlock()
		resp := kmsg.NewPtrFindCoordinatorResponse()
		resp.NodeID = 1
		return resp, nil

	case *kmsg.InitProducerIDRequest:
		f.mu.Lock()
		f.record("InitProducerID")
		f.mu.Unlock()
		resp := kmsg.NewPtrInitProducerIDResponse()
		resp.ProducerID = 1000
		resp.ProducerEpoch = 0
		return resp, nil

	case *kmsg.AddPartitionsToTxnRequest:
		f.mu.Lock()
		f.record("AddPartitionsToTxn")
		f.mu.Unlock()
		resp := kmsg.NewPtrAddPartitionsToTxnResponse()
		for _, rt := range r.Topics {
			prt := kmsg.NewAddPartitionsToTxnResponseTopic()
			prt.Topic = rt.Topic
			for _, p := range rt.Partitions {
				prp := kmsg.NewAddPartitionsToTxnResponseTopicPartition()
				prp.Partition = p
				prt.Partitions = append(prt.Partitions, prp)
			}
			resp.Topics = append(resp.Topics, prt)
		}
		return resp, nil

	case *kmsg.AddOffsetsToTxnRequest:
		f.mu.Lock()
		f.record("AddOffsetsToTxn")
		f.mu.Unlock()
		return kmsg.NewPtrAddOffsetsToTxnResponse(), nil

	case *kmsg.TxnOffsetCommitRequest:
		f.mu.Lock()
		f.record("TxnOffsetCommit")
		f.mu.Unlock()
		resp := kmsg.NewPtrTxnOffsetCommitResponse()
		for _, rt := range r.Topics {
			prt := kmsg.NewTxnOffsetCommitResponseTopic()
			prt.Topic = rt.Topic
			for _, p := range rt.Partitions {
				prp := kmsg.NewTxnOffsetCommitResponseTopicPartition()
				prp.Partition = p.Partition
				prt.Partitions = append(prt.Partitions, prp)
			}
			resp.Topics = append(resp.Topics, prt)
		}
		return resp, nil

	case *kmsg.EndTxnRequest:
		f.mu.Lock()
		f.record("EndTxn")
		code := f.endTxnErrCode
		f.mu.Unlock()
		resp := kmsg.NewPtrEndTxnResponse()
		resp.ErrorCode = code
		return resp, nil

	case *kmsg.ProduceRequest:
		f.mu.Lock()
		for _, rt := range r.Topics {
			f.record("Produce(" + rt.Topic + ")")
		}
		failErr := f.failProduce
		if failErr != nil && f.failProduceOnce {
			f.failProduce = nil
		}
		f.mu.Unlock()
		if failErr != nil {
			return nil, failErr
		}

		resp := kmsg.NewPtrProduceResponse()
		for _, rt := range r.Topics {
			prt := kmsg.NewProduceResponseTopic()
			prt.Topic = rt.Topic
			for _, rp := range rt.Partitions {
				tp := TopicPartition{Topic: rt.Topic, Partition: rp.Partition}
				prp := kmsg.NewProduceResponseTopicPartition()
				prp.Partition = rp.Partition
				prp.LogAppendTime = -1

				f.mu.Lock()
				if s := f.scripted[tp]; len(s) > 0 {
					f.scripted[tp] = s[1:]
					prp.ErrorCode = s[0].errCode
					prp.BaseOffset = s[0].baseOffset
				} else {
					offset := f.nextOffset[tp]
					f.nextOffset[tp] = offset + 1
					prp.BaseOffset = offset
				}
				f.mu.Unlock()

				prt.Partitions = append(prt.Partitions, prp)
			}
			resp.Topics = append(resp.Topics, prt)
		}
		return resp, nil

	default:
		panic("fakeNode: unhandled request type")
	}
}

func TestClientHappyPathSendAndWait(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)

	client, err := NewClient(node, Linger(5*time.Millisecond), RequireAcks(AcksLeader))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	defer client.Stop(context.Background())

	meta1, err := client.SendAndWait(ctx, &Record{Topic: topic, Key: []byte("k"), Value: []byte("v1"), PartitionSet: true, Partition: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(0), meta1.Offset())

	meta2, err := client.SendAndWait(ctx, &Record{Topic: topic, Key: []byte("k"), Value: []byte("v2"), PartitionSet: true, Partition: 0})
	require.NoError(t, err)
	assert.Equal(t, int64(1), meta2.Offset())
}

func TestClientSendRejectsEmptyRecord(t *testing.T) {
	node := newFakeNode("t", 1)
	client, err := NewClient(node)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	defer client.Stop(ctx)

	_, err = client.Send(ctx, &Record{Topic: "t"})
	assert.ErrorIs(t, err, ErrNoRecordValue)
}

func TestClientSendBeforeStartFails(t *testing.T) {
	node := newFakeNode("t", 1)
	client, err := NewClient(node)
	require.NoError(t, err)

	_, err = client.Send(context.Background(), &Record{Topic: "t", Value: []byte("v")})
	assert.ErrorIs(t, err, ErrProducerNotStarted)
}

func TestClientSendMessageTooLargeBoundary(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)

	// MagicV2 on a 2.x broker: the cap on key+value bytes is
	// max_request_size - fixed_record_overhead.
	limit := 200 - fixedRecordOverhead(MagicV2)

	client, err := NewClient(node, Linger(time.Millisecond), MaxRequestSize(200))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	defer client.Stop(context.Background())

	_, err = client.Send(ctx, &Record{Topic: topic, Value: make([]byte, limit), PartitionSet: true, Partition: 0})
	assert.NoError(t, err, "a record exactly at the cap must be accepted")

	_, err = client.Send(ctx, &Record{Topic: topic, Value: make([]byte, limit+1), PartitionSet: true, Partition: 0})
	assert.ErrorIs(t, err, ErrMessageTooLarge, "one byte over the cap must be rejected")
}

func TestClientSendNullValueRequiresBroker081(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)

	client, err := NewClient(node, Linger(time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 0, Minor: 8, Patch: 0}))
	defer client.Stop(context.Background())

	_, err = client.Send(ctx, &Record{Topic: topic, Key: []byte("k"), PartitionSet: true, Partition: 0})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestClientSendAfterStopFails(t *testing.T) {
	node := newFakeNode("t", 1)
	client, err := NewClient(node)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	require.NoError(t, client.Stop(ctx))

	_, err = client.Send(ctx, &Record{Topic: "t", Value: []byte("v")})
	assert.ErrorIs(t, err, ErrProducerClosed)
}

func TestClientStopIsIdempotentAndSafeBeforeStart(t *testing.T) {
	node := newFakeNode("t", 1)
	client, err := NewClient(node)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Stop(ctx))
	require.NoError(t, client.Stop(ctx))
}

func TestClientTransactionCommitsOnCleanExit(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)

	client, err := NewClient(node, TransactionalID("tid-1"), Linger(5*time.Millisecond), RetryBackoff(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 8, Patch: 0}))
	defer client.Stop(context.Background())

	err = client.Transaction(ctx, func(ctx context.Context) error {
		_, err := client.SendAndWait(ctx, &Record{Topic: topic, Value: []byte("v"), PartitionSet: true, Partition: 0})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, TxnReady, client.txn.snapshotState())
}

func TestClientTransactionRPCOrder(t *testing.T) {
	node := newFakeNode("a", 1)
	node.addTopic("b", 1)

	client, err := NewClient(node, TransactionalID("tid-1"), Linger(5*time.Millisecond), RetryBackoff(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 8, Patch: 0}))
	defer client.Stop(context.Background())

	require.NoError(t, client.BeginTransaction())
	ha, err := client.Send(ctx, &Record{Topic: "a", Value: []byte("x"), PartitionSet: true, Partition: 0})
	require.NoError(t, err)
	hb, err := client.Send(ctx, &Record{Topic: "b", Value: []byte("y"), PartitionSet: true, Partition: 0})
	require.NoError(t, err)
	_, err = ha.Wait(ctx)
	require.NoError(t, err)
	_, err = hb.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, client.CommitTransaction(ctx))

	rpcs := node.recordedRPCs("InitProducerID", "AddPartitionsToTxn", "Produce(a)", "Produce(b)", "EndTxn")
	require.NotEmpty(t, rpcs)

	idx := func(name string) int {
		for i, r := range rpcs {
			if r == name {
				return i
			}
		}
		return -1
	}
	last := func(name string) int {
		out := -1
		for i, r := range rpcs {
			if r == name {
				out = i
			}
		}
		return out
	}

	require.GreaterOrEqual(t, idx("InitProducerID"), 0)
	require.GreaterOrEqual(t, idx("AddPartitionsToTxn"), 0)
	require.GreaterOrEqual(t, idx("EndTxn"), 0)
	assert.Less(t, idx("InitProducerID"), idx("AddPartitionsToTxn"))
	assert.Less(t, idx("AddPartitionsToTxn"), idx("Produce(a)"), "no Produce may precede the partition's enlistment")
	assert.Greater(t, idx("EndTxn"), last("Produce(a)"))
	assert.Greater(t, idx("EndTxn"), last("Produce(b)"))
	assert.Equal(t, TxnReady, client.txn.snapshotState())
}

func TestClientTransactionAbortsOnCallbackError(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)

	client, err := NewClient(node, TransactionalID("tid-1"), Linger(5*time.Millisecond), RetryBackoff(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 8, Patch: 0}))
	defer client.Stop(context.Background())

	boom := errors.New("application failure")
	err = client.Transaction(ctx, func(ctx context.Context) error {
		if _, err := client.SendAndWait(ctx, &Record{Topic: topic, Value: []byte("v"), PartitionSet: true, Partition: 0}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom, "the callback's error must re-surface from the scope")

	assert.NotEmpty(t, node.recordedRPCs("EndTxn"), "an abort must still end the transaction with the coordinator")
	assert.Equal(t, TxnReady, client.txn.snapshotState())
}

func TestClientSendOffsetsToTransaction(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)

	client, err := NewClient(node, TransactionalID("tid-1"), Linger(5*time.Millisecond), RetryBackoff(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 8, Patch: 0}))
	defer client.Stop(context.Background())

	require.NoError(t, client.BeginTransaction())
	offsets := map[TopicPartition]OffsetAndMetadata{
		{Topic: "src", Partition: 0}: {Offset: 41},
	}
	require.NoError(t, client.SendOffsetsToTransaction("group-1", offsets))
	require.NoError(t, client.CommitTransaction(ctx))

	rpcs := node.recordedRPCs("AddOffsetsToTxn", "TxnOffsetCommit", "EndTxn")
	require.Len(t, rpcs, 3)
	assert.Equal(t, []string{"AddOffsetsToTxn", "TxnOffsetCommit", "EndTxn"}, rpcs,
		"commit order per §4.D: AddOffsetsToTxn, then TxnOffsetCommit to the group coordinator, then EndTxn")
}

func TestClientUnsupportedVersionRejectsTransactionalOnOldBroker(t *testing.T) {
	node := newFakeNode("t", 1)
	client, err := NewClient(node, TransactionalID("tid-1"))
	require.NoError(t, err)

	err = client.Start(context.Background(), BrokerVersion{Major: 0, Minor: 10, Patch: 0})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestClientUnsupportedVersionRejectsIdempotenceOnOldBroker(t *testing.T) {
	node := newFakeNode("t", 1)
	client, err := NewClient(node, EnableIdempotence())
	require.NoError(t, err)

	// Idempotence alone (no transactional id) still needs the v2 record
	// format's pid/epoch/sequence fields, which 0.10 brokers cannot store.
	err = client.Start(context.Background(), BrokerVersion{Major: 0, Minor: 10, Patch: 0})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestClientAcksNoneResolvesWithUnknownOffsetAfterSocketWrite(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)

	client, err := NewClient(node, Linger(5*time.Millisecond), RequireAcks(AcksNone))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	defer client.Stop(context.Background())

	meta, err := client.SendAndWait(ctx, &Record{Topic: topic, Value: []byte("v"), PartitionSet: true, Partition: 0})
	require.NoError(t, err)
	assert.EqualValues(t, -1, meta.Offset(), "acks=0 must never report a real offset")
}

func TestClientAcksNoneFailsHandleWhenSocketWriteFails(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)
	node.failProduce = errors.New("connection reset by peer")

	client, err := NewClient(node, Linger(5*time.Millisecond), RequireAcks(AcksNone))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	defer client.Stop(context.Background())

	_, err = client.SendAndWait(ctx, &Record{Topic: topic, Value: []byte("v"), PartitionSet: true, Partition: 0})
	assert.Error(t, err, "a failed socket write must not be reported as success")
}
