package kprod

import (
	"context"
	"time"
)

// TopicPartition identifies a destination partition, per spec §3.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// Record is a user-supplied (key, value) pair with an optional explicit
// timestamp, per spec §3. At least one of Key or Value must be non-empty;
// Send validates this before any serialization occurs.
type Record struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32 // only meaningful if PartitionSet is true
	Timestamp time.Time

	PartitionSet bool
}

// RecordMetadata is the resolved outcome of a successfully delivered
// record: the broker-assigned base offset plus the broker's log-append
// timestamp, per spec §3's Batch completion handle.
type RecordMetadata struct {
	Topic               string
	Partition           int32
	BaseOffset          int64
	LogAppendTime       time.Time
	RelativeOffset      int // record's offset within its batch
	SerializedKeySize   int
	SerializedValueSize int
}

// Offset returns the absolute offset of this specific record, i.e.
// BaseOffset + RelativeOffset.
func (m RecordMetadata) Offset() int64 {
	return m.BaseOffset + int64(m.RelativeOffset)
}

// OffsetAndMetadata is the payload of a pending offset commit inside a
// transaction, per spec §3 pending_offsets and §4.F send_offsets_to_transaction.
type OffsetAndMetadata struct {
	Offset      int64
	LeaderEpoch int32
	Metadata    string
}

// CompletionHandle is the promise a caller can wait on for a single
// record's terminal resolution, per spec §3 ("a completion handle resolved
// to either (base_offset, log_append_timestamp) or an error"). It is
// intentionally distinct from the internal batch-completion primitive so
// that, per §5 Cancellation, canceling a caller's wait on the handle never
// revokes the underlying send.
type CompletionHandle struct {
	done chan struct{}
	meta RecordMetadata
	err  error
}

func newCompletionHandle() *CompletionHandle {
	return &CompletionHandle{done: make(chan struct{})}
}

// resolve is called at most once, by the batch that owns this handle, with
// either a non-nil error or a populated RecordMetadata.
func (h *CompletionHandle) resolve(meta RecordMetadata, err error) {
	h.meta, h.err = meta, err
	close(h.done)
}

// Wait blocks until the underlying batch terminates, or ctx is done.
// Per spec §5, canceling this wait (via ctx) never cancels the enqueued
// batch; the batch still ships and the handle can still be observed by
// any other waiter, because resolve already happened or will happen
// independently of this call.
func (h *CompletionHandle) Wait(ctx context.Context) (RecordMetadata, error) {
	select {
	case <-h.done:
		return h.meta, h.err
	case <-ctx.Done():
		return RecordMetadata{}, ctx.Err()
	}
}
