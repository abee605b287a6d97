package kprod

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// NodeClient is the external TCP/TLS multiplexing collaborator named out
// of scope in spec §1. The producer core only ever needs to issue a typed
// request to a specific node (or "any node" via node -1) and get back a
// typed response; everything about connection pooling, TLS, and framing
// belongs on the other side of this interface.
type NodeClient interface {
	// Request sends req to nodeID (-1 picks any currently known node) and
	// decodes the reply into resp. Implementations should return a
	// network-classified error (so kerr.IsRetriable-style handling can
	// apply) on connection failure.
	Request(ctx context.Context, nodeID int32, req kmsg.Request) (kmsg.Response, error)

	// Reachable verifies TCP reachability of nodeID, used by
	// findCoordinator per spec §4.E.3 ("verify TCP reachability of the
	// returned node before caching").
	Reachable(ctx context.Context, nodeID int32) bool
}

// topicPartitionState is the metadata cache's per-partition record: just
// enough to drive drain_by_nodes and the wire-version gates, per
// SPEC_FULL.md's note that this component is trimmed to the crossing
// points the producer core needs.
type topicPartitionState struct {
	leader  int32
	loadErr error
}

type topicState struct {
	loadErr    error
	partitions map[int32]*topicPartitionState
}

// metadataCache is the trimmed external cluster-metadata collaborator,
// grounded on the teacher's metadata.go shape (metawait signal,
// triggerUpdateMetadataNow channel, periodic-refresh loop with
// exponential-ish backoff) but stripped of every consumer-side concern
// (sources, consumptions, regex-topic fetch-all) since consumer-side
// protocol is a named non-goal.
type metadataCache struct {
	node NodeClient

	mu     sync.RWMutex
	topics map[string]*topicState
	nodes  map[int32]bool

	wantMu sync.Mutex
	want   map[string]bool

	refreshMu   sync.Mutex
	refreshDone chan struct{} // closed and replaced at the end of each refresh

	updateNowCh chan struct{}

	maxAge time.Duration

	logger Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	brokerVersion atomic.Value // BrokerVersion
}

func newMetadataCache(parent context.Context, node NodeClient, maxAge time.Duration, logger Logger) *metadataCache {
	ctx, cancel := context.WithCancel(parent)
	m := &metadataCache{
		node:        node,
		topics:      make(map[string]*topicState),
		nodes:       make(map[int32]bool),
		want:        make(map[string]bool),
		refreshDone: make(chan struct{}),
		updateNowCh: make(chan struct{}, 1),
		maxAge:      maxAge,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	m.brokerVersion.Store(BrokerVersion{})
	return m
}

func (m *metadataCache) stop() {
	m.cancel()
	<-m.done
}

func (m *metadataCache) version() BrokerVersion {
	return m.brokerVersion.Load().(BrokerVersion)
}

func (m *metadataCache) setVersion(v BrokerVersion) { m.brokerVersion.Store(v) }

// leaderOf implements the leaderResolver the accumulator needs.
func (m *metadataCache) leaderOf(tp TopicPartition) (int32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[tp.Topic]
	if !ok || t.loadErr != nil {
		return 0, false
	}
	p, ok := t.partitions[tp.Partition]
	if !ok || p.loadErr != nil {
		return 0, false
	}
	return p.leader, true
}

// partitionsOf returns every known partition index of topic, used by the
// partitioner per spec §4.A.
func (m *metadataCache) partitionsOf(topic string) (all, available []int32, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil, nil, nil // unknown: caller should wait for metadata
	}
	if t.loadErr != nil {
		return nil, nil, t.loadErr
	}
	for idx, p := range t.partitions {
		all = append(all, idx)
		if p.loadErr == nil {
			available = append(available, idx)
		}
	}
	return all, available, nil
}

// ensureTopic registers interest in topic and kicks a refresh if it is not
// yet known.
func (m *metadataCache) ensureTopic(topic string) {
	m.wantMu.Lock()
	_, known := m.want[topic]
	m.want[topic] = true
	m.wantMu.Unlock()
	if !known {
		m.triggerUpdateMetadataNow()
	}
}

func (m *metadataCache) triggerUpdateMetadataNow() {
	select {
	case m.updateNowCh <- struct{}{}:
	default:
	}
}

// refreshWaiter returns a channel closed at the end of the next refresh
// attempt, same pattern as the accumulator's data waiter.
func (m *metadataCache) refreshWaiter() <-chan struct{} {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshDone
}

func (m *metadataCache) signalRefreshed() {
	m.refreshMu.Lock()
	close(m.refreshDone)
	m.refreshDone = make(chan struct{})
	m.refreshMu.Unlock()
}

// waitTopic implements the crossing point Client.Send needs ("waits for
// topic metadata" in spec §4.F): register interest in topic, then block
// until its partition list is known, its load fails non-retriably, or
// wait elapses.
func (m *metadataCache) waitTopic(ctx context.Context, topic string, wait time.Duration) error {
	m.ensureTopic(topic)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		var lastErr error
		m.mu.RLock()
		t, ok := m.topics[topic]
		m.mu.RUnlock()
		if ok {
			if t.loadErr == nil {
				return nil
			}
			lastErr = t.loadErr
			if !retriableProduceError(lastErr) {
				return lastErr
			}
		}

		waitCh := m.refreshWaiter()
		m.triggerUpdateMetadataNow()
		select {
		case <-waitCh:
		case <-timer.C:
			if lastErr != nil {
				return lastErr
			}
			return kerr.UnknownTopicOrPartition
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrProducerClosed
		}
	}
}

// loop implements the periodic-refresh half of the teacher's
// updateMetadataLoop, trimmed of the consumer-regex and retry-until-N
// refinements that do not apply here.
func (m *metadataCache) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.maxAge)
	defer ticker.Stop()

	backoff := 100 * time.Millisecond
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-m.updateNowCh:
		}

		select {
		case <-m.updateNowCh:
		default:
		}

		err := m.refresh()
		m.signalRefreshed()
		if err != nil {
			m.logger.Log(LogLevelWarn, "metadata refresh failed", "err", err)
			timer := time.NewTimer(backoff)
			select {
			case <-m.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 100 * time.Millisecond
	}
}

func (m *metadataCache) refresh() error {
	m.wantMu.Lock()
	topics := make([]string, 0, len(m.want))
	for t := range m.want {
		topics = append(topics, t)
	}
	m.wantMu.Unlock()
	if len(topics) == 0 {
		return nil
	}

	req := kmsg.NewPtrMetadataRequest()
	for _, t := range topics {
		rt := kmsg.NewMetadataRequestTopic()
		topic := t
		rt.Topic = &topic
		req.Topics = append(req.Topics, rt)
	}

	resp, err := m.node.Request(m.ctx, -1, req)
	if err != nil {
		return err
	}
	metaResp, ok := resp.(*kmsg.MetadataResponse)
	if !ok {
		return kerr.UnknownServerError
	}

	newTopics := make(map[string]*topicState, len(metaResp.Topics))
	newNodes := make(map[int32]bool, len(metaResp.Brokers))
	for _, b := range metaResp.Brokers {
		newNodes[b.NodeID] = true
	}
	for _, t := range metaResp.Topics {
		topic := ""
		if t.Topic != nil {
			topic = *t.Topic
		}
		ts := &topicState{
			loadErr:    kerr.ErrorForCode(t.ErrorCode),
			partitions: make(map[int32]*topicPartitionState, len(t.Partitions)),
		}
		for _, p := range t.Partitions {
			ts.partitions[p.Partition] = &topicPartitionState{
				leader:  p.Leader,
				loadErr: kerr.ErrorForCode(p.ErrorCode),
			}
		}
		newTopics[topic] = ts
	}

	m.mu.Lock()
	for t, ts := range newTopics {
		m.topics[t] = ts
	}
	m.nodes = newNodes
	m.mu.Unlock()
	return nil
}

func (m *metadataCache) knownNodes() []int32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int32, 0, len(m.nodes))
	for n := range m.nodes {
		out = append(out, n)
	}
	return out
}
