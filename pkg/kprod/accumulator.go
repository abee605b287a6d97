package kprod

import (
	"context"
	"sync"
	"time"
)

// leaderResolver is the one crossing point the accumulator needs from the
// external cluster-metadata cache (§1): which node currently leads a
// partition, if known.
type leaderResolver interface {
	leaderOf(tp TopicPartition) (nodeID int32, known bool)
}

// partitionQueue is spec §3's PartitionQueue: an ordered sequence of
// Batches for one TopicPartition, head-first.
type partitionQueue struct {
	mu      sync.Mutex
	tp      TopicPartition
	batches []*Batch // index 0 is head (oldest undrained)
}

func (q *partitionQueue) tailOrNil() *Batch {
	if len(q.batches) == 0 {
		return nil
	}
	return q.batches[len(q.batches)-1]
}

// accumulator is spec §4.C's Message accumulator.
type accumulator struct {
	mu       sync.Mutex
	queues   map[TopicPartition]*partitionQueue
	closed   bool
	closeCh  chan struct{}
	waiterMu sync.Mutex
	waiter   chan struct{} // closed and replaced whenever data arrives or linger elapses

	maxBatchSize   int
	maxRequestSize int // cap on the aggregate bytes one drain round hands a single node
	linger         time.Duration
	magic          func() RecordBatchMagic

	bufferedBytes    int64
	maxBufferedBytes int64

	// inFlight holds batches that drainByNodes has handed to the sender but
	// that have not yet reached a terminal state. Once drainByNodes removes
	// a batch from its partitionQueue it would otherwise be invisible to
	// outstandingBatches, which would let flush()/close() return, and EndTxn
	// fire, while a produce request for that batch is still in the air.
	inFlight map[*Batch]bool

	metrics *metrics
}

func newAccumulator(maxBatchSize, maxRequestSize int, linger time.Duration, maxBufferedBytes int64, magic func() RecordBatchMagic, m *metrics) *accumulator {
	a := &accumulator{
		queues:           make(map[TopicPartition]*partitionQueue),
		closeCh:          make(chan struct{}),
		waiter:           make(chan struct{}),
		maxBatchSize:     maxBatchSize,
		maxRequestSize:   maxRequestSize,
		linger:           linger,
		magic:            magic,
		maxBufferedBytes: maxBufferedBytes,
		inFlight:         make(map[*Batch]bool),
		metrics:          m,
	}
	return a
}

func (a *accumulator) signalData() {
	a.waiterMu.Lock()
	close(a.waiter)
	a.waiter = make(chan struct{})
	a.waiterMu.Unlock()
}

// dataWaiter implements spec §4.C data_waiter(): a signal firing on new
// data or linger expiry.
func (a *accumulator) dataWaiter() <-chan struct{} {
	a.waiterMu.Lock()
	defer a.waiterMu.Unlock()
	return a.waiter
}

func (a *accumulator) queueFor(tp TopicPartition) *partitionQueue {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[tp]
	if !ok {
		q = &partitionQueue{tp: tp}
		a.queues[tp] = q
	}
	return q
}

// addMessage implements spec §4.C add_message.
func (a *accumulator) addMessage(ctx context.Context, tp TopicPartition, key, value []byte, timeout time.Duration, ts time.Time) (*CompletionHandle, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrProducerClosed
	}
	a.mu.Unlock()

	q := a.queueFor(tp)
	magic := a.magic()

	add := estimatedEntrySize(magic, key, value)

	deadline := time.Time{}
	if timeout > 0 {
		deadline = batchClock().Add(timeout)
	}

	if err := a.reserve(int64(add), timeout, deadline); err != nil {
		return nil, err
	}

	q.mu.Lock()
	tail := q.tailOrNil()
	if tail != nil {
		if h, err := tail.tryAppend(ts, key, value); err == nil {
			tail.addReserved(int64(add))
			q.mu.Unlock()
			a.signalData()
			return h, nil
		}
	}
	nb := newBatch(tp, magic, a.maxBatchSize)
	h, err := nb.tryAppend(ts, key, value)
	if err != nil {
		q.mu.Unlock()
		a.release(int64(add))
		return nil, ErrMessageTooLarge
	}
	nb.addReserved(int64(add))
	q.batches = append(q.batches, nb)
	q.mu.Unlock()
	a.signalData()
	return h, nil
}

// addBatch implements spec §4.C add_batch: same admission rules for a
// prebuilt batch (e.g. returned by Client.CreateBatch).
func (a *accumulator) addBatch(ctx context.Context, tp TopicPartition, batch *Batch, timeout time.Duration) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrProducerClosed
	}
	a.mu.Unlock()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = batchClock().Add(timeout)
	}
	if err := a.reserve(int64(batch.maxSize), timeout, deadline); err != nil {
		return err
	}
	batch.addReserved(int64(batch.maxSize))

	q := a.queueFor(tp)
	q.mu.Lock()
	q.batches = append(q.batches, batch)
	q.mu.Unlock()
	a.signalData()
	return nil
}

// reserve implements the backpressure half of add_message/add_batch: waits
// up to timeout for buffer budget, failing ErrProducerQueueFull on expiry,
// per spec §4.C and §7.
func (a *accumulator) reserve(n int64, timeout time.Duration, deadline time.Time) error {
	if a.maxBufferedBytes <= 0 {
		return nil // unbounded
	}
	for {
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			return ErrProducerClosed
		}
		if a.bufferedBytes+n <= a.maxBufferedBytes {
			a.bufferedBytes += n
			buffered := a.bufferedBytes
			a.mu.Unlock()
			if a.metrics != nil {
				a.metrics.bufferedBytes.Set(float64(buffered))
			}
			return nil
		}
		a.mu.Unlock()

		if timeout == 0 {
			return ErrProducerQueueFull
		}

		wait := a.dataWaiter()
		var timer *time.Timer
		var after <-chan time.Time
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrProducerQueueFull
			}
			timer = time.NewTimer(remaining)
			after = timer.C
		}
		select {
		case <-wait:
		case <-after:
			return ErrProducerQueueFull
		case <-a.closeCh:
			if timer != nil {
				timer.Stop()
			}
			return ErrProducerClosed
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (a *accumulator) release(n int64) {
	if a.maxBufferedBytes <= 0 {
		return
	}
	a.mu.Lock()
	a.bufferedBytes -= n
	buffered := a.bufferedBytes
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.bufferedBytes.Set(float64(buffered))
	}
	a.signalData()
}

// drainResult is what drainByNodes returns: batches grouped by destination
// node, plus the unknown-leaders flag of spec §4.C.
type drainResult struct {
	byNode         map[int32]map[TopicPartition]*Batch
	unknownLeaders bool
}

// drainByNodes implements spec §4.C drain_by_nodes. Each node's round is
// capped at maxRequestSize aggregate batch bytes: once a node's request
// is full, further eligible partitions for it stay queued for the next
// round. A node's first batch is always taken regardless of size, so an
// oversized batch cannot starve its partition.
func (a *accumulator) drainByNodes(resolver leaderResolver, ignoreNodes map[int32]bool, mutedPartitions map[TopicPartition]bool) drainResult {
	out := drainResult{byNode: make(map[int32]map[TopicPartition]*Batch)}

	a.mu.Lock()
	tps := make([]TopicPartition, 0, len(a.queues))
	for tp := range a.queues {
		tps = append(tps, tp)
	}
	a.mu.Unlock()

	now := batchClock()
	sizeByNode := make(map[int32]int)
	for _, tp := range tps {
		if mutedPartitions[tp] {
			continue
		}
		node, known := resolver.leaderOf(tp)
		if !known {
			out.unknownLeaders = true
			continue
		}
		if ignoreNodes[node] {
			continue
		}

		q := a.queueFor(tp)
		q.mu.Lock()
		if len(q.batches) == 0 {
			q.mu.Unlock()
			continue
		}
		head := q.batches[0]
		eligible := head.full() || now.Sub(head.created) >= a.linger
		if !eligible {
			q.mu.Unlock()
			continue
		}
		size := head.byteSize()
		if used := sizeByNode[node]; a.maxRequestSize > 0 && used > 0 && used+size > a.maxRequestSize {
			q.mu.Unlock()
			continue
		}
		head.markDrained()
		q.batches = q.batches[1:]
		q.mu.Unlock()
		sizeByNode[node] += size

		a.mu.Lock()
		a.inFlight[head] = true
		a.mu.Unlock()

		nodeBatches, ok := out.byNode[node]
		if !ok {
			nodeBatches = make(map[TopicPartition]*Batch)
			out.byNode[node] = nodeBatches
		}
		nodeBatches[tp] = head
	}
	return out
}

// reenqueue implements spec §4.C reenqueue: places a drained batch back at
// the head of its partition queue, preserving order and sequence numbers.
func (a *accumulator) reenqueue(batch *Batch) {
	batch.unmarkDrained()
	a.mu.Lock()
	delete(a.inFlight, batch)
	a.mu.Unlock()
	q := a.queueFor(batch.tp)
	q.mu.Lock()
	q.batches = append([]*Batch{batch}, q.batches...)
	q.mu.Unlock()
	a.signalData()
}

// untrackInFlight implements the other half of the inFlight bookkeeping
// above: the sender calls this once a drained batch reaches a terminal
// state (done or fail), so outstandingBatches stops waiting on it. The
// batch's buffer charge is refunded here, unblocking any producer stuck
// in reserve.
func (a *accumulator) untrackInFlight(batch *Batch) {
	a.mu.Lock()
	delete(a.inFlight, batch)
	a.mu.Unlock()
	a.release(batch.takeReserved())
}

// outstandingBatches snapshots every batch currently queued or drained but
// not yet terminal, used by flush/flush_for_commit/close to know what to
// wait on.
func (a *accumulator) outstandingBatches() []*Batch {
	a.mu.Lock()
	inFlight := make([]*Batch, 0, len(a.inFlight))
	for b := range a.inFlight {
		inFlight = append(inFlight, b)
	}
	var queues []*partitionQueue
	for _, q := range a.queues {
		queues = append(queues, q)
	}
	a.mu.Unlock()

	var out []*Batch
	for _, q := range queues {
		q.mu.Lock()
		for _, b := range q.batches {
			if !b.isTerminal() {
				out = append(out, b)
			}
		}
		q.mu.Unlock()
	}
	for _, b := range inFlight {
		if !b.isTerminal() {
			out = append(out, b)
		}
	}
	return out
}

// outstandingForPartitions reports whether any batch for a partition in tps
// is still queued or in flight and not yet terminal. The sender's EndTxn
// subtask consults this so it never issues EndTxn while a Produce for an
// enlisted partition could still be outstanding (spec §4.E.2 / scenario 4's
// "Produce(a), Produce(b), EndTxn(COMMIT)" ordering).
func (a *accumulator) outstandingForPartitions(tps map[TopicPartition]bool) bool {
	a.mu.Lock()
	var queues []*partitionQueue
	for tp, q := range a.queues {
		if tps[tp] {
			queues = append(queues, q)
		}
	}
	var inFlight []*Batch
	for b := range a.inFlight {
		if tps[b.tp] {
			inFlight = append(inFlight, b)
		}
	}
	a.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		n := len(q.batches)
		q.mu.Unlock()
		if n > 0 {
			return true
		}
	}
	for _, b := range inFlight {
		if !b.isTerminal() {
			return true
		}
	}
	return false
}

// flush implements spec §4.C flush(): wait until all batches created
// before the call have terminated, including batches the sender has
// already drained and is mid-produce-request for (tracked via inFlight).
func (a *accumulator) flush(ctx context.Context) error {
	for {
		pending := a.outstandingBatches()
		if len(pending) == 0 {
			return nil
		}
		for _, b := range pending {
			if err := waitTerminal(ctx, b); err != nil {
				return err
			}
		}
	}
}

// waitTerminal blocks until b is terminal or ctx is done. Batches do not
// expose a single done-channel directly (CompletionHandles do, per
// record), so this waits on the first entry's handle, which resolves
// exactly when the batch resolves. A batch that terminated with a
// failure still counts as terminated: only ctx expiry is an error here,
// so flush does not misreport one failed record as a failed flush.
func waitTerminal(ctx context.Context, b *Batch) error {
	b.mu.Lock()
	if len(b.entries) == 0 {
		b.mu.Unlock()
		return nil
	}
	h := b.entries[0].handle
	b.mu.Unlock()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flushForCommit implements spec §4.C flush_for_commit(): wait until every
// batch enlisted in the committing transaction (tps) has terminated. Unlike
// flush, it doesn't wait on unrelated partitions, so a commit never blocks
// on traffic the transaction never touched. The facade already rejects new
// sends while COMMITTING/ABORTING (client.go's state check ahead of
// maybeAddPartition), so tps can only shrink, never grow, once this is
// called; draining for tps continues normally so the batches it's waiting
// on actually get sent.
func (a *accumulator) flushForCommit(ctx context.Context, tps map[TopicPartition]bool) error {
	for {
		pending := a.outstandingBatchesForPartitions(tps)
		if len(pending) == 0 {
			return nil
		}
		for _, b := range pending {
			if err := waitTerminal(ctx, b); err != nil {
				return err
			}
		}
	}
}

// outstandingBatchesForPartitions is outstandingBatches narrowed to tps.
func (a *accumulator) outstandingBatchesForPartitions(tps map[TopicPartition]bool) []*Batch {
	all := a.outstandingBatches()
	out := all[:0:0]
	for _, b := range all {
		if tps[b.tp] {
			out = append(out, b)
		}
	}
	return out
}

// close implements spec §4.C close(): stop accepting new records; resolve
// when all outstanding batches terminate.
func (a *accumulator) close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.closeCh)
	}
	a.mu.Unlock()
	return a.flush(ctx)
}

// failAll terminally fails every outstanding batch. Stop uses this when
// the sender has already exited: nothing will ever drain the queues, so
// waiting on them would never resolve.
func (a *accumulator) failAll(err error) {
	for _, b := range a.outstandingBatches() {
		a.untrackInFlight(b)
		b.fail(err)
	}
}
