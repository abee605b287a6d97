package kprod

import (
	"sync"
	"time"
)

// batchEntry is one appended record inside a Batch, paired with the
// CompletionHandle the caller is waiting on.
type batchEntry struct {
	keyBytes   []byte
	valueBytes []byte
	timestamp  time.Time
	handle     *CompletionHandle
}

// estimatedEntrySize approximates the serialized size of one record for
// admission control, not exact wire bytes (exact framing/varint encoding
// is the external record-batch-encoder collaborator per spec §1).
func estimatedEntrySize(magic RecordBatchMagic, key, value []byte) int {
	return fixedRecordOverhead(magic) + len(key) + len(value)
}

// Batch is the append-only, length-bounded container of spec §3. Its
// sequence/pid/epoch are frozen once handed to the sender (assignSequence
// is only ever called once, from the transaction manager / sink, guarded
// by seqAssigned) and re-enqueue via reenqueue never reassigns them.
type Batch struct {
	tp      TopicPartition
	magic   RecordBatchMagic
	created time.Time

	mu       sync.Mutex
	entries  []*batchEntry
	size     int
	maxSize  int
	drained  bool
	terminal bool

	producerID    int64
	producerEpoch int16
	baseSequence  int32
	seqAssigned   bool

	reserved int64 // accumulator buffer bytes charged to this batch

	retries int
}

// ErrBatchFull is returned by tryAppend when the record would not fit.
type errBatchFull struct{}

func (errBatchFull) Error() string { return "kprod: batch is full" }

// ErrBatchFull is the sentinel instance tryAppend returns; callers compare
// with errors.Is.
var ErrBatchFull error = errBatchFull{}

func newBatch(tp TopicPartition, magic RecordBatchMagic, maxSize int) *Batch {
	return &Batch{tp: tp, magic: magic, maxSize: maxSize, created: batchClock()}
}

// batchClock exists so tests can substitute a deterministic clock.
var batchClock = time.Now

// tryAppend implements spec §4.B: refuses once the serialized size would
// exceed max_batch_size, else appends and returns the handle the caller
// waits on.
func (b *Batch) tryAppend(timestamp time.Time, key, value []byte) (*CompletionHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.drained {
		return nil, errBatchFull{}
	}

	add := estimatedEntrySize(b.magic, key, value)
	if len(b.entries) > 0 && b.size+add > b.maxSize {
		return nil, errBatchFull{}
	}

	h := newCompletionHandle()
	b.entries = append(b.entries, &batchEntry{
		keyBytes:   key,
		valueBytes: value,
		timestamp:  timestamp,
		handle:     h,
	})
	b.size += add
	return h, nil
}

// full reports whether the next append is certain to fail; used by the
// accumulator's linger/eligibility check in drainByNodes.
func (b *Batch) full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size >= b.maxSize
}

func (b *Batch) byteSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Batch) recordCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *Batch) firstRecordAt() time.Time {
	return b.created
}

// addReserved charges n accumulator buffer bytes to this batch; the
// accumulator refunds the full charge via takeReserved once the batch is
// terminal.
func (b *Batch) addReserved(n int64) {
	b.mu.Lock()
	b.reserved += n
	b.mu.Unlock()
}

// takeReserved returns the batch's buffer charge and zeroes it, so a
// double refund is impossible.
func (b *Batch) takeReserved() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.reserved
	b.reserved = 0
	return n
}

// bumpRetries increments and returns the batch's retry count.
func (b *Batch) bumpRetries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries++
	return b.retries
}

// assignSequence freezes this batch's idempotent identity. Per spec §3
// invariant, this must only be called once, before the batch is first
// dispatched; reenqueue must never call it again.
func (b *Batch) assignSequence(pid int64, epoch int16, base int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.seqAssigned {
		return
	}
	b.producerID = pid
	b.producerEpoch = epoch
	b.baseSequence = base
	b.seqAssigned = true
}

func (b *Batch) sequence() (pid int64, epoch int16, base int32, assigned bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.producerID, b.producerEpoch, b.baseSequence, b.seqAssigned
}

// markDrained prevents further appends; part of spec §4.C's
// "Drained batches are marked to prevent further appends."
func (b *Batch) markDrained() {
	b.mu.Lock()
	b.drained = true
	b.mu.Unlock()
}

func (b *Batch) unmarkDrained() {
	b.mu.Lock()
	b.drained = false
	b.mu.Unlock()
}

// done resolves every record's handle with the batch's base offset and
// server timestamp, per spec §3's Batch completion contract. It is
// terminal: calling done or fail a second time panics, matching spec §3
// "A Batch is terminal after done or failure; further transitions are
// forbidden."
func (b *Batch) done(baseOffset int64, logAppendTime time.Time) {
	b.mu.Lock()
	if b.terminal {
		b.mu.Unlock()
		panic("kprod: batch resolved twice")
	}
	b.terminal = true
	entries := b.entries
	tp := b.tp
	b.mu.Unlock()

	for i, e := range entries {
		e.handle.resolve(RecordMetadata{
			Topic:               tp.Topic,
			Partition:           tp.Partition,
			BaseOffset:          baseOffset,
			LogAppendTime:       logAppendTime,
			RelativeOffset:      i,
			SerializedKeySize:   len(e.keyBytes),
			SerializedValueSize: len(e.valueBytes),
		}, nil)
	}
}

// fail resolves every record's handle with err. Terminal, see done.
func (b *Batch) fail(err error) {
	b.mu.Lock()
	if b.terminal {
		b.mu.Unlock()
		panic("kprod: batch resolved twice")
	}
	b.terminal = true
	entries := b.entries
	b.mu.Unlock()

	for _, e := range entries {
		e.handle.resolve(RecordMetadata{}, err)
	}
}

func (b *Batch) isTerminal() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.terminal
}

// finalize compresses the accumulated payload bytes for wire transmission.
// The actual record-batch binary framing (varints, CRC, header layout) is
// the external record-batch-encoder collaborator named out of scope in
// spec §1; finalize only performs the one crossing point the core owns:
// invoking the configured Compression codec over the concatenated
// payload, so that compression ratio and codec selection remain testable
// here.
func (b *Batch) finalize(codec Compression) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var raw []byte
	for _, e := range b.entries {
		raw = append(raw, e.keyBytes...)
		raw = append(raw, e.valueBytes...)
	}
	return compress(codec, raw)
}
