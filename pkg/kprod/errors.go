package kprod

import "errors"

// Sentinel errors returned directly to callers at the boundaries named in
// spec §7. Broker-side response codes are classified through
// github.com/twmb/franz-go/pkg/kerr instead of being redefined here.
var (
	// ErrMessageTooLarge is returned from Send/SendBatch when a serialized
	// record exceeds max_request_size - fixed_record_overhead(magic).
	ErrMessageTooLarge = errors.New("kprod: record too large for configured max request size")

	// ErrUnknownPartition is returned when an explicit partition is given
	// that is not in the topic's known partition set.
	ErrUnknownPartition = errors.New("kprod: explicit partition is not a known partition of the topic")

	// ErrProducerQueueFull is returned when add_message/add_batch time out
	// waiting for accumulator backpressure to clear.
	ErrProducerQueueFull = errors.New("kprod: producer queue is full")

	// ErrProducerClosed is returned from Send and SendBatch once Stop has
	// been called, and from accumulator appends and metadata waits once
	// those have been shut down. Flush and the transactional operations
	// do not check for Stop.
	ErrProducerClosed = errors.New("kprod: producer is closed")

	// ErrProducerNotStarted is returned from operations that require Start
	// to have been called first.
	ErrProducerNotStarted = errors.New("kprod: producer has not been started")

	// ErrProducerFenced is returned once the transaction manager has
	// entered the terminal FENCED state.
	ErrProducerFenced = errors.New("kprod: producer has been fenced by a newer instance")

	// ErrInvalidTransactionState is returned for transactional API misuse:
	// an operation invoked while not transactional, while not in the
	// required state, or (per the resolved Open Question in SPEC_FULL.md)
	// a send attempted while COMMITTING or ABORTING.
	ErrInvalidTransactionState = errors.New("kprod: invalid transaction state for this operation")

	// ErrNotTransactional is returned from transactional operations when
	// no transactional id was configured.
	ErrNotTransactional = errors.New("kprod: transactional_id not configured")

	// ErrNoRecordValue is returned from Send when both key and value are
	// empty.
	ErrNoRecordValue = errors.New("kprod: record must have a non-empty key or value")

	// ErrUnsupportedVersion is returned from Start when the negotiated
	// broker API version cannot support the requested configuration
	// (e.g. transactions on a broker older than 0.11, LZ4 on a broker
	// older than 0.8.2).
	ErrUnsupportedVersion = errors.New("kprod: broker version does not support the requested feature")

	// errBatchPoisoned marks a partition's sequence stream as unusable
	// after a non-retriable, non-duplicate error under idempotence,
	// per §4.D's sequencing rule.
	errBatchPoisoned = errors.New("kprod: partition sequence stream poisoned by a prior fatal error")
)

// FatalError reports whether err is one that should be treated as
// unrecoverable for the whole producer (the sender task failing per §7
// "Unexpected sender failure").
func FatalError(err error) bool {
	switch {
	case errors.Is(err, ErrProducerFenced):
		return true
	case errors.Is(err, ErrProducerClosed):
		return true
	default:
		return false
	}
}
