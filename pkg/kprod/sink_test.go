package kprod

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

func produceResponsePartition(code int16, baseOffset int64) kmsg.ProduceResponseTopicPartition {
	rp := kmsg.NewProduceResponseTopicPartition()
	rp.ErrorCode = code
	rp.BaseOffset = baseOffset
	rp.LogAppendTime = -1
	return rp
}

func TestRetriableProduceErrorClassification(t *testing.T) {
	assert.False(t, retriableProduceError(nil))
	assert.True(t, retriableProduceError(kerr.LeaderNotAvailable))
	assert.True(t, retriableProduceError(kerr.UnknownTopicOrPartition))
	assert.False(t, retriableProduceError(kerr.InvalidProducerEpoch))
	assert.True(t, retriableProduceError(errors.New("connection reset by peer")))
}

func TestMetadataInvalidatingClassification(t *testing.T) {
	assert.True(t, metadataInvalidating(kerr.LeaderNotAvailable))
	assert.True(t, metadataInvalidating(kerr.NotLeaderForPartition))
	assert.True(t, metadataInvalidating(kerr.UnknownTopicOrPartition))
	assert.False(t, metadataInvalidating(kerr.InvalidProducerEpoch))
	assert.False(t, metadataInvalidating(nil))
}

func TestSenderRetriesBatchOnNotLeaderForPartition(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)
	tp := TopicPartition{Topic: topic, Partition: 0}
	node.script(tp, scriptedProduceResult{errCode: kerr.NotLeaderForPartition.Code, baseOffset: -1})

	client, err := NewClient(node, Linger(5*time.Millisecond), RequireAcks(AcksLeader), RetryBackoff(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	defer client.Stop(context.Background())

	meta, err := client.SendAndWait(ctx, &Record{Topic: topic, Value: []byte("v"), PartitionSet: true, Partition: 0})
	require.NoError(t, err, "the handle must resolve once, with the second attempt's offset")
	assert.Equal(t, int64(0), meta.Offset())

	produces := node.recordedRPCs("Produce(" + topic + ")")
	assert.GreaterOrEqual(t, len(produces), 2, "a retriable error must cause a second Produce")
}

func TestSenderIdempotentDuplicateSequenceResolvesAsSuccess(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)
	tp := TopicPartition{Topic: topic, Partition: 0}

	// The broker logged the batch but the connection died before the
	// response arrived; the retry is deduplicated server-side.
	node.failProduce = errors.New("connection reset by peer")
	node.failProduceOnce = true
	node.script(tp, scriptedProduceResult{errCode: kerr.DuplicateSequenceNumber.Code, baseOffset: 5})

	client, err := NewClient(node, EnableIdempotence(), Linger(5*time.Millisecond), RetryBackoff(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 0, Patch: 0}))
	defer client.Stop(context.Background())

	meta, err := client.SendAndWait(ctx, &Record{Topic: topic, Value: []byte("v"), PartitionSet: true, Partition: 0})
	require.NoError(t, err, "DuplicateSequenceNumber must be treated as success")
	assert.Equal(t, int64(5), meta.Offset())
}

func TestSenderFencesProducerOnEndTxnEpochError(t *testing.T) {
	const topic = "t"
	node := newFakeNode(topic, 1)
	node.endTxnErrCode = kerr.InvalidProducerEpoch.Code

	client, err := NewClient(node, TransactionalID("tid-1"), Linger(5*time.Millisecond), RetryBackoff(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx, BrokerVersion{Major: 2, Minor: 8, Patch: 0}))
	defer client.Stop(context.Background())

	require.NoError(t, client.BeginTransaction())
	_, err = client.SendAndWait(ctx, &Record{Topic: topic, Value: []byte("v"), PartitionSet: true, Partition: 0})
	require.NoError(t, err)

	err = client.CommitTransaction(ctx)
	assert.ErrorIs(t, err, ErrProducerFenced)
	assert.Equal(t, TxnFenced, client.txn.snapshotState())

	_, err = client.Send(ctx, &Record{Topic: topic, Value: []byte("v2"), PartitionSet: true, Partition: 0})
	assert.ErrorIs(t, err, ErrProducerFenced, "every user operation after fencing must fail ProducerFenced")
}

func TestHandleProducePartitionResponseNonRetriablePoisonsIdempotentStream(t *testing.T) {
	c := defaultCfg()
	c.enableIdempotence = true
	require.NoError(t, c.validate())

	tm := newTxnManager(c, nil, nil, nil, NopLogger{}, nil)
	acc := newAccumulator(c.maxBatchSize, c.maxRequestSize, 0, 0, fixedMagic, nil)
	s := &sender{cfg: c, acc: acc, txn: tm, logger: NopLogger{}, idempotent: true}

	tp := TopicPartition{Topic: "t", Partition: 0}
	b := newBatch(tp, MagicV2, c.maxBatchSize)
	h, err := b.tryAppend(time.Now(), nil, []byte("v"))
	require.NoError(t, err)

	rp := produceResponsePartition(kerr.InvalidRequiredAcks.Code, -1)
	reenq, invalidated := s.handleProducePartitionResponse(tp, b, rp)
	assert.False(t, reenq)
	assert.False(t, invalidated)
	assert.True(t, tm.isPoisoned(tp), "a non-retriable, non-duplicate error must poison the partition's sequence stream")

	_, err = h.Wait(context.Background())
	assert.Error(t, err)
}

func TestHandleProducePartitionResponseExpiresNonIdempotentBatch(t *testing.T) {
	c := defaultCfg()
	c.requestTimeoutMs = 0 // any batch age exceeds the ceiling immediately
	require.NoError(t, c.validate())

	tm := newTxnManager(c, nil, nil, nil, NopLogger{}, nil)
	acc := newAccumulator(c.maxBatchSize, c.maxRequestSize, 0, 0, fixedMagic, nil)
	s := &sender{cfg: c, acc: acc, txn: tm, logger: NopLogger{}, idempotent: false}

	tp := TopicPartition{Topic: "t", Partition: 0}
	b := newBatch(tp, MagicV1, c.maxBatchSize)
	h, err := b.tryAppend(time.Now(), nil, []byte("v"))
	require.NoError(t, err)

	rp := produceResponsePartition(kerr.NotLeaderForPartition.Code, -1)
	reenq, _ := s.handleProducePartitionResponse(tp, b, rp)
	assert.False(t, reenq, "an expired batch must not be retried when idempotence is off")

	_, err = h.Wait(context.Background())
	assert.ErrorIs(t, err, kerr.RequestTimedOut)
}
