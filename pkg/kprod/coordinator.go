package kprod

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// CoordinatorKind distinguishes the two coordinator roles named in the
// GLOSSARY: GROUP (consumer-group/offset-commit coordinator) and
// TRANSACTION (transaction coordinator).
type CoordinatorKind int8

const (
	CoordinatorKindTransaction CoordinatorKind = 0
	CoordinatorKindGroup       CoordinatorKind = 1
)

func (k CoordinatorKind) wireKind() int8 {
	switch k {
	case CoordinatorKindGroup:
		return 1
	default:
		return 0
	}
}

// coordinatorCache implements spec §3's "Coordinator cache: mapping
// coordinator-kind -> node-id, with invalidation on NotCoordinator /
// CoordinatorNotAvailable / certain timeouts" and §4.E.3's find_coordinator.
type coordinatorCache struct {
	node   NodeClient
	logger Logger

	mu    sync.Mutex
	cache map[coordinatorKey]int32
}

type coordinatorKey struct {
	kind CoordinatorKind
	key  string
}

func newCoordinatorCache(node NodeClient, logger Logger) *coordinatorCache {
	return &coordinatorCache{node: node, logger: logger, cache: make(map[coordinatorKey]int32)}
}

func (c *coordinatorCache) invalidate(kind CoordinatorKind, key string) {
	c.mu.Lock()
	delete(c.cache, coordinatorKey{kind, key})
	c.mu.Unlock()
}

// find implements spec §4.E.3: return cached node-id if present; else
// issue FindCoordinator, verify TCP reachability, then cache it.
func (c *coordinatorCache) find(ctx context.Context, kind CoordinatorKind, key string) (int32, error) {
	k := coordinatorKey{kind, key}

	c.mu.Lock()
	if node, ok := c.cache[k]; ok {
		c.mu.Unlock()
		return node, nil
	}
	c.mu.Unlock()

	req := kmsg.NewPtrFindCoordinatorRequest()
	req.CoordinatorKey = key
	req.CoordinatorType = kind.wireKind()

	resp, err := c.node.Request(ctx, -1, req)
	if err != nil {
		return 0, err
	}
	fc, ok := resp.(*kmsg.FindCoordinatorResponse)
	if !ok {
		return 0, kerr.UnknownServerError
	}

	var nodeID int32
	var errCode int16
	if len(fc.Coordinators) > 0 {
		nodeID = fc.Coordinators[0].NodeID
		errCode = fc.Coordinators[0].ErrorCode
	} else {
		nodeID = fc.NodeID
		errCode = fc.ErrorCode
	}
	if err := kerr.ErrorForCode(errCode); err != nil {
		return 0, err
	}

	if !c.node.Reachable(ctx, nodeID) {
		c.logger.Log(LogLevelWarn, "found coordinator is not reachable", "node", nodeID, "kind", kind)
		return 0, kerr.CoordinatorNotAvailable
	}

	c.mu.Lock()
	c.cache[k] = nodeID
	c.mu.Unlock()
	return nodeID, nil
}

// findWithRetry wraps find with the backoff-and-metadata-refresh policy of
// spec §4.E.3: "on failure, force metadata refresh and back off." Only
// CoordinatorNotAvailable, NotCoordinator and CoordinatorLoadInProgress
// are retried this way; any other error, including a transport error, is
// returned at once without a refresh or backoff.
func (c *coordinatorCache) findWithRetry(ctx context.Context, kind CoordinatorKind, key string, meta *metadataCache, backoff time.Duration) (int32, error) {
	for {
		node, err := c.find(ctx, kind, key)
		if err == nil {
			return node, nil
		}
		switch {
		case errors.Is(err, kerr.CoordinatorNotAvailable), errors.Is(err, kerr.NotCoordinator):
			c.invalidate(kind, key)
		case errors.Is(err, kerr.CoordinatorLoadInProgress):
		default:
			return 0, err
		}
		meta.triggerUpdateMetadataNow()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
	}
}
