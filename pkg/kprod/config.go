package kprod

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Acks is the durability gate of spec §6.
type Acks int8

const (
	AcksUnset  Acks = iota // sentinel per spec §9: distinguish "not given" from AcksNone
	AcksNone               // acks=0
	AcksLeader             // acks=1
	AcksAll                // acks=-1 / "all"
)

// cfg is the producer's internal configuration, built up by Opt values.
// This mirrors the teacher's cfg/Opt functional-options pattern (visible
// in the adapted txn.go's groupOpt usage) rather than any config-file
// library, because the teacher's own configuration surface is entirely
// in-process options, not externally loaded files; SPEC_FULL.md's
// cmd/kprod-demo shell is where file/env loading (koanf) lives.
type cfg struct {
	clientID string

	acks                 Acks
	compression          Compression
	maxBatchSize         int
	lingerMs             int
	maxRequestSize       int
	metadataMaxAgeMs     int
	requestTimeoutMs     int
	retryBackoffMs       int
	enableIdempotence    bool
	transactionalID      string
	transactionTimeoutMs int

	keySerializer   Serializer
	valueSerializer Serializer
	partitioner     Partitioner

	logger Logger
	reg    prometheus.Registerer
}

const (
	defaultMaxBatchSize          = 16384
	defaultMaxRequestSize        = 1048576
	defaultMetadataMaxAgeMs      = 300000
	defaultRequestTimeoutMs      = 40000
	defaultRetryBackoffMs        = 100
	defaultNonTxnTimeoutSentinel = 0     // spec §6: "defaults to sentinel when non-transactional"
	defaultTxnTimeoutMs          = 60000 // SPEC_FULL.md supplemented feature #4
)

func defaultCfg() *cfg {
	return &cfg{
		acks:                 AcksUnset,
		compression:          CompressionNone,
		maxBatchSize:         defaultMaxBatchSize,
		maxRequestSize:       defaultMaxRequestSize,
		metadataMaxAgeMs:     defaultMetadataMaxAgeMs,
		requestTimeoutMs:     defaultRequestTimeoutMs,
		retryBackoffMs:       defaultRetryBackoffMs,
		transactionTimeoutMs: defaultNonTxnTimeoutSentinel,
		keySerializer:        identitySerializer,
		valueSerializer:      identitySerializer,
		partitioner:          DefaultPartitioner(),
		logger:               NopLogger{},
	}
}

// Opt configures a Client, following the teacher's functional-options
// pattern.
type Opt interface {
	apply(*cfg)
}

type optFunc func(*cfg)

func (f optFunc) apply(c *cfg) { f(c) }

// ClientID overrides the default per-instance id (otherwise generated via
// hashicorp/go-uuid, per SPEC_FULL.md supplemented feature #1).
func ClientID(id string) Opt { return optFunc(func(c *cfg) { c.clientID = id }) }

// RequireAcks sets acks, per spec §6.
func RequireAcks(a Acks) Opt { return optFunc(func(c *cfg) { c.acks = a }) }

// WithCompression sets the batch compression codec.
func WithCompression(codec Compression) Opt {
	return optFunc(func(c *cfg) { c.compression = codec })
}

// MaxBatchSize sets the per-partition batch byte cap.
func MaxBatchSize(n int) Opt { return optFunc(func(c *cfg) { c.maxBatchSize = n }) }

// Linger sets the coalescing delay.
func Linger(d time.Duration) Opt { return optFunc(func(c *cfg) { c.lingerMs = int(d.Milliseconds()) }) }

// MaxRequestSize sets the per-record byte cap.
func MaxRequestSize(n int) Opt { return optFunc(func(c *cfg) { c.maxRequestSize = n }) }

// MetadataMaxAge sets the proactive metadata refresh period.
func MetadataMaxAge(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.metadataMaxAgeMs = int(d.Milliseconds()) })
}

// RequestTimeout sets the produce timeout and batch expiry ceiling.
func RequestTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.requestTimeoutMs = int(d.Milliseconds()) })
}

// RetryBackoff sets the backoff on a retriable failure.
func RetryBackoff(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.retryBackoffMs = int(d.Milliseconds()) })
}

// EnableIdempotence forces acks=all, allocates a producer id/epoch, and
// disables batch expiry, per spec §6.
func EnableIdempotence() Opt { return optFunc(func(c *cfg) { c.enableIdempotence = true }) }

// TransactionalID enables transactional mode (which forces idempotence),
// per spec §6.
func TransactionalID(id string) Opt {
	return optFunc(func(c *cfg) {
		c.transactionalID = id
		c.enableIdempotence = true
		if c.transactionTimeoutMs == defaultNonTxnTimeoutSentinel {
			c.transactionTimeoutMs = defaultTxnTimeoutMs
		}
	})
}

// TransactionTimeout overrides the default transaction timeout communicated
// to the coordinator.
func TransactionTimeout(d time.Duration) Opt {
	return optFunc(func(c *cfg) { c.transactionTimeoutMs = int(d.Milliseconds()) })
}

// WithKeySerializer / WithValueSerializer configure §4.A serializers.
func WithKeySerializer(s Serializer) Opt   { return optFunc(func(c *cfg) { c.keySerializer = s }) }
func WithValueSerializer(s Serializer) Opt { return optFunc(func(c *cfg) { c.valueSerializer = s }) }

// WithPartitioner overrides the default partitioner.
func WithPartitioner(p Partitioner) Opt { return optFunc(func(c *cfg) { c.partitioner = p }) }

// WithLogger sets the Logger collaborator; defaults to NopLogger.
func WithLogger(l Logger) Opt { return optFunc(func(c *cfg) { c.logger = l }) }

// WithMetricsRegisterer registers the producer's Prometheus collectors
// (§4.E/§8 counters) against reg instead of leaving them unregistered.
func WithMetricsRegisterer(reg prometheus.Registerer) Opt {
	return optFunc(func(c *cfg) { c.reg = reg })
}

// validate implements spec §7 "Configuration errors ... raised
// synchronously from construction."
func (c *cfg) validate() error {
	if c.enableIdempotence {
		if c.acks != AcksUnset && c.acks != AcksAll {
			return fmt.Errorf("kprod: enable_idempotence requires acks=all, got %v", c.acks)
		}
		c.acks = AcksAll
	} else if c.acks == AcksUnset {
		c.acks = AcksLeader
	}
	if c.transactionalID != "" && !c.enableIdempotence {
		return fmt.Errorf("kprod: transactional_id requires idempotence")
	}
	switch c.compression {
	case CompressionNone, CompressionGzip, CompressionSnappy, CompressionLZ4:
	default:
		return fmt.Errorf("kprod: unsupported compression codec %v", c.compression)
	}
	if c.maxBatchSize <= 0 {
		return fmt.Errorf("kprod: max_batch_size must be positive")
	}
	if c.maxRequestSize <= 0 {
		return fmt.Errorf("kprod: max_request_size must be positive")
	}
	return nil
}
