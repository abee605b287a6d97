package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
)

// tcpNodeClient is a minimal, real implementation of kprod.NodeClient: one
// persistent connection per broker node, speaking the plain Kafka wire
// framing (4-byte big-endian size prefix, request-header v1, no SASL/TLS).
// This is exactly the external TCP/TLS collaborator that spec §1 places
// outside the producer core; pkg/kprod only ever depends on the NodeClient
// interface, never on this file. Intentionally single-connection and
// unencrypted: production-grade pooling, retries, and TLS belong to that
// same external collaborator, not to this demo.
type tcpNodeClient struct {
	clientID string
	dialer   net.Dialer

	mu    sync.Mutex
	conns map[int32]*brokerConn
	addrs map[int32]string

	corrID atomic.Int32
}

type brokerConn struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

func newTCPNodeClient(clientID string, seeds []string) *tcpNodeClient {
	t := &tcpNodeClient{
		clientID: clientID,
		conns:    make(map[int32]*brokerConn),
		addrs:    make(map[int32]string),
	}
	for i, addr := range seeds {
		t.addrs[int32(-2-i)] = addr // seed pseudo-node-ids, replaced once real metadata loads
	}
	return t
}

func (t *tcpNodeClient) connFor(ctx context.Context, nodeID int32) (*brokerConn, error) {
	t.mu.Lock()
	bc, ok := t.conns[nodeID]
	addr, hasAddr := t.addrs[nodeID]
	t.mu.Unlock()
	if ok {
		return bc, nil
	}
	if !hasAddr {
		// -1 ("any node") or an unknown node id: fall back to any one of
		// the known addresses (map iteration order decides which).
		t.mu.Lock()
		for _, a := range t.addrs {
			addr = a
			hasAddr = true
			break
		}
		t.mu.Unlock()
	}
	if !hasAddr {
		return nil, fmt.Errorf("kprod-demo: no broker address known for node %d", nodeID)
	}

	d := t.dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	bc = &brokerConn{conn: conn, r: bufio.NewReader(conn)}
	t.mu.Lock()
	t.conns[nodeID] = bc
	t.mu.Unlock()
	return bc, nil
}

// Request implements kprod.NodeClient.Request: frames req per the plain
// Kafka request-header v1 (api_key, api_version, correlation_id,
// nullable client_id), writes it, then reads and decodes the matching
// response.
func (t *tcpNodeClient) Request(ctx context.Context, nodeID int32, req kmsg.Request) (kmsg.Response, error) {
	bc, err := t.connFor(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	corrID := t.corrID.Add(1)

	var body []byte
	body = appendInt16(body, req.Key())
	body = appendInt16(body, req.GetVersion())
	body = appendInt32(body, corrID)
	body = appendNullableString(body, t.clientID)
	body = req.AppendTo(body)

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	bc.mu.Lock()
	defer bc.mu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		_ = bc.conn.SetDeadline(dl)
	} else {
		_ = bc.conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	if _, err := bc.conn.Write(frame); err != nil {
		t.dropConn(nodeID)
		return nil, fmt.Errorf("write request: %w", err)
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(bc.r, sizeBuf[:]); err != nil {
		t.dropConn(nodeID)
		return nil, fmt.Errorf("read response size: %w", err)
	}
	size := binary.BigEndian.Uint32(sizeBuf[:])
	payload := make([]byte, size)
	if _, err := io.ReadFull(bc.r, payload); err != nil {
		t.dropConn(nodeID)
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if len(payload) < 4 {
		return nil, fmt.Errorf("short response frame")
	}
	gotCorrID := int32(binary.BigEndian.Uint32(payload))
	if gotCorrID != corrID {
		return nil, fmt.Errorf("correlation id mismatch: got %d want %d", gotCorrID, corrID)
	}

	resp := req.ResponseKind()
	resp.SetVersion(req.GetVersion())
	if err := resp.ReadFrom(payload[4:]); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Reachable implements kprod.NodeClient.Reachable by opening (or reusing)
// a connection to the node, per §4.E.3's "verify TCP reachability of the
// returned node before caching." A connection it opens is kept for later
// requests, not closed.
func (t *tcpNodeClient) Reachable(ctx context.Context, nodeID int32) bool {
	_, err := t.connFor(ctx, nodeID)
	return err == nil
}

func (t *tcpNodeClient) dropConn(nodeID int32) {
	t.mu.Lock()
	if bc, ok := t.conns[nodeID]; ok {
		bc.conn.Close()
		delete(t.conns, nodeID)
	}
	t.mu.Unlock()
}

func (t *tcpNodeClient) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, bc := range t.conns {
		bc.conn.Close()
		delete(t.conns, id)
	}
}

func appendInt16(b []byte, v int16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendInt32(b []byte, v int32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendNullableString(b []byte, s string) []byte {
	if s == "" {
		return appendInt16(b, -1)
	}
	b = appendInt16(b, int16(len(s)))
	return append(b, s...)
}
