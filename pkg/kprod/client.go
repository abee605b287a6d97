package kprod

import (
	"context"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Client is the producer facade of spec §4.F, wiring the accumulator
// (§4.C), sender loop (§4.E), and transaction manager (§4.D) behind the
// public send/flush/transaction operations. Grounded on the teacher's
// cl.cfg/cl.producer/cl.ctx field shapes referenced throughout txn.go.
type Client struct {
	cfg *cfg

	node NodeClient

	acc  *accumulator
	txn  *txnManager
	meta *metadataCache
	snd  *sender

	metrics *metrics

	started bool

	stopOnce sync.Once
	stopped  bool
	mu       sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewClient constructs a producer with the given NodeClient collaborator
// and options, validating configuration synchronously per §7.
func NewClient(node NodeClient, opts ...Opt) (*Client, error) {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(c)
	}
	if c.clientID == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			id = "kprod-client"
		}
		c.clientID = id
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: c, node: node}, nil
}

// Start implements §4.F start(): bootstrap the client, validate
// compression/transaction compatibility against the negotiated broker
// version, and launch the sender. Start does not itself acquire the
// producer id and does not wait for one: when idempotence is enabled the
// sender it launches issues InitProducerId before draining any batch, and
// an acquisition failure is reported through the sender's error, not
// returned from Start.
func (cl *Client) Start(ctx context.Context, broker BrokerVersion) error {
	cl.mu.Lock()
	if cl.started {
		cl.mu.Unlock()
		return nil
	}
	cl.mu.Unlock()

	if cl.cfg.compression == CompressionLZ4 && !broker.AtLeast(minBrokerVersionForLZ4) {
		return ErrUnsupportedVersion
	}
	// Idempotence needs the v2 record format's pid/epoch/sequence fields,
	// which only exist on 0.11+; transactional mode forces idempotence.
	if (cl.cfg.enableIdempotence || cl.cfg.transactionalID != "") && !broker.AtLeast(brokerVersion0_11_0) {
		return ErrUnsupportedVersion
	}

	cl.metrics = newMetrics(cl.cfg.reg, cl.cfg.clientID)
	cl.runCtx, cl.runCancel = context.WithCancel(ctx)

	cl.meta = newMetadataCache(cl.runCtx, cl.node, time.Duration(cl.cfg.metadataMaxAgeMs)*time.Millisecond, cl.cfg.logger)
	cl.meta.setVersion(broker)
	go cl.meta.loop()

	coord := newCoordinatorCache(cl.node, cl.cfg.logger)
	cl.txn = newTxnManager(cl.cfg, cl.node, coord, cl.meta, cl.cfg.logger, cl.metrics)

	magic := func() RecordBatchMagic { return selectMagic(cl.meta.version()) }
	maxBuffered := int64(cl.cfg.maxBatchSize) * 64 // bounded backpressure ceiling; unbounded when 0
	cl.acc = newAccumulator(cl.cfg.maxBatchSize, cl.cfg.maxRequestSize, time.Duration(cl.cfg.lingerMs)*time.Millisecond, maxBuffered, magic, cl.metrics)

	cl.snd = newSender(cl.cfg, cl.node, cl.acc, cl.txn, cl.meta, coord, cl.cfg.logger, cl.metrics, cl.meta.version)

	go cl.snd.run(cl.runCtx)

	cl.mu.Lock()
	cl.started = true
	cl.mu.Unlock()
	return nil
}

// senderErr races every user-facing await against the sender per §4.F's
// "all user-facing awaits race the sender task."
func (cl *Client) senderErr() error {
	if err := cl.txn.fatalError(); err != nil && FatalError(err) {
		return err
	}
	if cl.snd == nil {
		return nil
	}
	return cl.snd.err()
}

func (cl *Client) isClosed() bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.stopped
}

func (cl *Client) ensureStarted() error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if !cl.started {
		return ErrProducerNotStarted
	}
	return nil
}

// Send implements §4.F send(): validates, waits for topic metadata,
// rejects while COMMITTING/ABORTING, serializes, partitions, enlists the
// partition in the active transaction if applicable, and appends to the
// accumulator.
func (cl *Client) Send(ctx context.Context, r *Record) (*CompletionHandle, error) {
	if err := cl.ensureStarted(); err != nil {
		return nil, err
	}
	if cl.isClosed() {
		return nil, ErrProducerClosed
	}
	if err := cl.senderErr(); err != nil {
		return nil, err
	}
	if len(r.Key) == 0 && len(r.Value) == 0 {
		return nil, ErrNoRecordValue
	}

	if err := cl.meta.waitTopic(ctx, r.Topic, time.Duration(cl.cfg.requestTimeoutMs)*time.Millisecond); err != nil {
		return nil, err
	}

	if cl.cfg.transactionalID != "" {
		switch cl.txn.snapshotState() {
		case TxnCommitting, TxnAborting:
			return nil, ErrInvalidTransactionState
		case TxnFenced:
			return nil, ErrProducerFenced
		}
	}

	keyBytes, err := cl.cfg.keySerializer.Serialize(r.Topic, r.Key)
	if err != nil {
		return nil, err
	}
	valBytes, err := cl.cfg.valueSerializer.Serialize(r.Topic, r.Value)
	if err != nil {
		return nil, err
	}
	if len(valBytes) == 0 && !cl.meta.version().AtLeast(brokerVersion0_8_1) {
		return nil, ErrUnsupportedVersion // null values (tombstones) need 0.8.1+
	}

	magic := selectMagic(cl.meta.version())
	if len(keyBytes)+len(valBytes) > cl.cfg.maxRequestSize-fixedRecordOverhead(magic) {
		return nil, ErrMessageTooLarge
	}

	all, available, err := cl.meta.partitionsOf(r.Topic)
	if err != nil {
		return nil, err
	}
	partition, err := partitionFor(cl.cfg.partitioner, r, keyBytes, all, available)
	if err != nil {
		return nil, err
	}
	tp := TopicPartition{Topic: r.Topic, Partition: partition}

	if cl.cfg.transactionalID != "" {
		if err := cl.txn.maybeAddPartition(tp); err != nil {
			return nil, err
		}
	}

	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	timeout := time.Duration(cl.cfg.requestTimeoutMs) * time.Millisecond
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}

	return cl.acc.addMessage(ctx, tp, keyBytes, valBytes, timeout, ts)
}

// SendAndWait implements §4.F send_and_wait(): composes Send and awaits
// the handle.
func (cl *Client) SendAndWait(ctx context.Context, r *Record) (RecordMetadata, error) {
	h, err := cl.Send(ctx, r)
	if err != nil {
		return RecordMetadata{}, err
	}
	return h.Wait(ctx)
}

// CreateBatch implements §4.F create_batch(): an empty builder compatible
// with §4.B for out-of-band construction.
func (cl *Client) CreateBatch(tp TopicPartition) *Batch {
	magic := MagicV2
	if cl.meta != nil {
		magic = selectMagic(cl.meta.version())
	}
	return newBatch(tp, magic, cl.cfg.maxBatchSize)
}

// SendBatch implements §4.F send_batch(batch, topic, partition): validates
// the partition and submits a prebuilt batch.
func (cl *Client) SendBatch(ctx context.Context, batch *Batch, topic string, partition int32) error {
	if err := cl.ensureStarted(); err != nil {
		return err
	}
	if cl.isClosed() {
		return ErrProducerClosed
	}
	if err := cl.senderErr(); err != nil {
		return err
	}
	if err := cl.meta.waitTopic(ctx, topic, time.Duration(cl.cfg.requestTimeoutMs)*time.Millisecond); err != nil {
		return err
	}
	all, _, err := cl.meta.partitionsOf(topic)
	if err != nil {
		return err
	}
	found := false
	for _, p := range all {
		if p == partition {
			found = true
			break
		}
	}
	if !found {
		return ErrUnknownPartition
	}
	tp := TopicPartition{Topic: topic, Partition: partition}
	if cl.cfg.transactionalID != "" {
		if err := cl.txn.maybeAddPartition(tp); err != nil {
			return err
		}
	}
	timeout := time.Duration(cl.cfg.requestTimeoutMs) * time.Millisecond
	return cl.acc.addBatch(ctx, tp, batch, timeout)
}

// Flush implements §4.F flush(): wait until the accumulator is drained.
func (cl *Client) Flush(ctx context.Context) error {
	if err := cl.ensureStarted(); err != nil {
		return err
	}
	if err := cl.senderErr(); err != nil {
		return err
	}
	return cl.acc.flush(ctx)
}

// Stop implements §4.F stop(): idempotent; closes the accumulator, waits
// for the sender, closes the client. Per §5, this races accumulator-close
// and sender-exit with FIRST_COMPLETED, then cancels and awaits the
// sender if it is still alive.
func (cl *Client) Stop(ctx context.Context) error {
	var err error
	cl.stopOnce.Do(func() {
		cl.mu.Lock()
		cl.stopped = true
		started := cl.started
		cl.mu.Unlock()
		if !started {
			return
		}

		closeDone := make(chan error, 1)
		go func() { closeDone <- cl.acc.close(ctx) }()

		select {
		case err = <-closeDone:
		case <-cl.snd.doneCh:
			// The sender died first; whatever is still buffered will
			// never drain, so fail it rather than wait forever.
			serr := cl.snd.err()
			if serr == nil {
				serr = ErrProducerClosed
			}
			cl.acc.failAll(serr)
			err = <-closeDone
		}

		if cl.runCancel != nil {
			cl.runCancel()
		}
		cl.snd.stop()
		cl.meta.stop()
	})
	return err
}

// BeginTransaction implements §4.F begin_transaction(). The first call
// may block until the sender's InitProducerId round succeeds, since the
// READY state it requires only exists once a producer id is loaded.
func (cl *Client) BeginTransaction() error {
	if err := cl.ensureStarted(); err != nil {
		return err
	}
	if err := cl.txn.waitForPID(cl.runCtx); err != nil {
		return err
	}
	return cl.txn.beginTransaction()
}

// CommitTransaction implements §4.F commit_transaction(): marks the state
// machine COMMITTING; the sender performs the actual EndTxn RPC and
// resolves back to READY. This waits for that resolution.
func (cl *Client) CommitTransaction(ctx context.Context) error {
	if err := cl.ensureStarted(); err != nil {
		return err
	}
	tps := cl.txn.enlistedPartitions()
	if err := cl.txn.committingTransaction(); err != nil {
		return err
	}
	if err := cl.acc.flushForCommit(ctx, tps); err != nil {
		return err
	}
	return cl.awaitTxnSettled(ctx)
}

// AbortTransaction implements §4.F abort_transaction().
func (cl *Client) AbortTransaction(ctx context.Context) error {
	if err := cl.ensureStarted(); err != nil {
		return err
	}
	tps := cl.txn.enlistedPartitions()
	if err := cl.txn.abortingTransaction(); err != nil {
		return err
	}
	if err := cl.acc.flushForCommit(ctx, tps); err != nil {
		return err
	}
	return cl.awaitTxnSettled(ctx)
}

func (cl *Client) awaitTxnSettled(ctx context.Context) error {
	for {
		switch cl.txn.snapshotState() {
		case TxnReady:
			return nil
		case TxnFenced:
			return ErrProducerFenced
		}
		if err := cl.senderErr(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cl.txn.makeTaskWaiter():
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// SendOffsetsToTransaction implements §4.F
// send_offsets_to_transaction(offsets, group_id): delegates to the
// transaction manager's add_offsets_to_txn.
func (cl *Client) SendOffsetsToTransaction(group string, offsets map[TopicPartition]OffsetAndMetadata) error {
	if err := cl.ensureStarted(); err != nil {
		return err
	}
	return cl.txn.addOffsetsToTxn(group, offsets)
}

// Transaction implements §4.F transaction(): a scoped acquisition that
// calls BeginTransaction on entry and CommitTransaction on clean exit,
// AbortTransaction on error exit, with guaranteed execution on all paths.
func (cl *Client) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := cl.BeginTransaction(); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = cl.AbortTransaction(ctx)
			panic(p)
		}
		if err != nil {
			if abortErr := cl.AbortTransaction(ctx); abortErr != nil {
				cl.cfg.logger.Log(LogLevelWarn, "abort after transaction callback error failed", "err", abortErr)
			}
			return
		}
		err = cl.CommitTransaction(ctx)
	}()
	err = fn(ctx)
	return err
}
