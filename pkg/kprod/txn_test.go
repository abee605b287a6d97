package kprod

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestTxnManager builds a manager as if InitProducerId already
// succeeded, so state-machine tests can start from READY without a
// broker round trip.
func newTestTxnManager(transactionalID string) *txnManager {
	c := defaultCfg()
	c.transactionalID = transactionalID
	c.enableIdempotence = transactionalID != ""
	tm := newTxnManager(c, nil, nil, nil, NopLogger{}, nil)
	if transactionalID != "" {
		tm.producerID = 1000
		tm.hasPID = true
		tm.state = TxnReady
	}
	return tm
}

func TestTxnManagerTransactionalStartsUninitializedUntilPID(t *testing.T) {
	c := defaultCfg()
	c.transactionalID = "tid-1"
	c.enableIdempotence = true
	tm := newTxnManager(c, nil, nil, nil, NopLogger{}, nil)

	assert.Equal(t, TxnUninitialized, tm.snapshotState())
	assert.ErrorIs(t, tm.beginTransaction(), ErrInvalidTransactionState,
		"begin before init_pid must fail: READY only exists once a producer id is loaded")
}

func TestTxnManagerAcquirePIDTransitionsToReady(t *testing.T) {
	node := newFakeNode("t", 1)
	c := defaultCfg()
	c.transactionalID = "tid-1"
	c.enableIdempotence = true
	require.NoError(t, c.validate())

	coord := newCoordinatorCache(node, NopLogger{})
	tm := newTxnManager(c, node, coord, nil, NopLogger{}, nil)

	require.NoError(t, tm.acquirePID(context.Background()))
	assert.Equal(t, TxnReady, tm.snapshotState())

	pid, _, has := tm.producerIDAndEpoch()
	assert.True(t, has)
	assert.Equal(t, int64(1000), pid)

	require.NoError(t, tm.waitForPID(context.Background()), "waiters must be released once the id is loaded")
}

func TestTxnManagerNonTransactionalStartsReady(t *testing.T) {
	tm := newTestTxnManager("")
	assert.Equal(t, TxnReady, tm.snapshotState())
	assert.ErrorIs(t, tm.beginTransaction(), ErrNotTransactional)
}

func TestTxnManagerBeginRequiresReady(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	require.NoError(t, tm.beginTransaction())
	assert.Equal(t, TxnInTransaction, tm.snapshotState())

	assert.ErrorIs(t, tm.beginTransaction(), ErrInvalidTransactionState)
}

func TestTxnManagerEnlistmentLifecycle(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	require.NoError(t, tm.beginTransaction())

	tp := TopicPartition{Topic: "t", Partition: 0}
	require.NoError(t, tm.maybeAddPartition(tp))
	assert.ElementsMatch(t, []TopicPartition{tp}, tm.partitionsToAdd())
	assert.False(t, tm.isEmptyTransaction())

	// re-adding an already-pending partition is a no-op, not a duplicate entry
	require.NoError(t, tm.maybeAddPartition(tp))
	assert.Len(t, tm.partitionsToAdd(), 1)

	tm.partitionAdded(tp)
	assert.Empty(t, tm.partitionsToAdd())
	assert.False(t, tm.mutedPartitions()[tp])
}

func TestTxnManagerCommitRequiresInTransaction(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	assert.ErrorIs(t, tm.committingTransaction(), ErrInvalidTransactionState)

	require.NoError(t, tm.beginTransaction())
	require.NoError(t, tm.committingTransaction())
	assert.Equal(t, TxnCommitting, tm.snapshotState())
	assert.Equal(t, TxnOutcomeCommit, tm.needsTransactionCommit())
}

func TestTxnManagerSendRejectedDuringCommitting(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	require.NoError(t, tm.beginTransaction())
	require.NoError(t, tm.committingTransaction())

	tp := TopicPartition{Topic: "t", Partition: 0}
	assert.ErrorIs(t, tm.maybeAddPartition(tp), ErrInvalidTransactionState)
}

func TestTxnManagerCompleteTransactionResetsAndReturnsToReady(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	require.NoError(t, tm.beginTransaction())
	tp := TopicPartition{Topic: "t", Partition: 0}
	require.NoError(t, tm.maybeAddPartition(tp))
	tm.partitionAdded(tp)
	require.NoError(t, tm.abortingTransaction())

	tm.completeTransaction()
	assert.Equal(t, TxnReady, tm.snapshotState())
	assert.True(t, tm.isEmptyTransaction())
}

func TestTxnManagerFenceIsTerminal(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	require.NoError(t, tm.beginTransaction())

	tm.fence(ErrProducerFenced)
	assert.Equal(t, TxnFenced, tm.snapshotState())
	assert.ErrorIs(t, tm.beginTransaction(), ErrProducerFenced)
	assert.ErrorIs(t, tm.checkFenced(), ErrProducerFenced)

	tm.fence(ErrProducerFenced) // must not panic or change state twice
	assert.Equal(t, TxnFenced, tm.snapshotState())
}

func TestTxnManagerSequenceAssignmentAdvancesByRecordCount(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	tp := TopicPartition{Topic: "t", Partition: 0}

	base := tm.maybeAssignSequence(tp)
	assert.Equal(t, int32(0), base)

	tm.advanceSequence(tp, 5)
	assert.Equal(t, int32(5), tm.maybeAssignSequence(tp))

	tm.advanceSequence(tp, 3)
	assert.Equal(t, int32(8), tm.maybeAssignSequence(tp))
}

func TestTxnManagerOffsetsToCommitRequiresGroupAdded(t *testing.T) {
	tm := newTestTxnManager("tid-1")
	require.NoError(t, tm.beginTransaction())

	tp := TopicPartition{Topic: "t", Partition: 0}
	offsets := map[TopicPartition]OffsetAndMetadata{tp: {Offset: 10}}
	require.NoError(t, tm.addOffsetsToTxn("group-1", offsets))

	assert.Empty(t, tm.offsetsToCommit(), "nothing is committable before AddOffsetsToTxn is acked")
	assert.ElementsMatch(t, []string{"group-1"}, tm.consumerGroupToAdd())

	tm.consumerGroupAdded("group-1")
	toCommit := tm.offsetsToCommit()
	require.Contains(t, toCommit, "group-1")
	assert.Equal(t, offsets, toCommit["group-1"])

	tm.offsetCommitted("group-1", tp)
	assert.Empty(t, tm.offsetsToCommit())
}
