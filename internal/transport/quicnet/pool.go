package quicnet

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

const (
	clientMaxRetries  = 3
	clientBackoffBase = 100 * time.Millisecond
	clientBackoffMax  = 1 * time.Second
	clientConnIdle    = 30 * time.Second
	clientTimeout     = 8 * time.Second
)

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

// clientPool reuses outbound connections. Entries are keyed by endpoint and
// the identity expected there, since the TLS config differs per identity.
type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]int
	idleAfter time.Duration
	closed    bool
}

func newClientPool(idleAfter time.Duration) *clientPool {
	if idleAfter <= 0 {
		idleAfter = clientConnIdle
	}
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]int),
		idleAfter: idleAfter,
	}
}

func poolKey(endpoint, want string) string { return endpoint + "#" + want }

func (p *clientPool) get(ctx context.Context, endpoint, want string, tlsConf *tls.Config, quicConf *quic.Config) (*quic.Conn, error) {
	if endpoint == "" {
		return nil, errors.New("missing endpoint")
	}
	key := poolKey(endpoint, want)
	now := time.Now()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	if ent, ok := p.conns[key]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, nil
		}
		delete(p.conns, key)
		conn := ent.conn
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	conn, err := quic.DialAddr(ctx, endpoint, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.CloseWithError(0, "closed")
		return nil, errPoolClosed
	}
	if old, ok := p.conns[key]; ok && old.conn != conn {
		_ = old.conn.CloseWithError(0, "replaced")
	}
	p.conns[key] = &pooledConn{conn: conn, lastUsed: now}
	p.mu.Unlock()
	return conn, nil
}

func (p *clientPool) drop(endpoint, want string, conn *quic.Conn, reason string) {
	key := poolKey(endpoint, want)
	p.mu.Lock()
	if ent, ok := p.conns[key]; ok && ent.conn == conn {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	_ = conn.CloseWithError(0, reason)
}

func (p *clientPool) recordFailure(endpoint string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[endpoint]++
	return p.failures[endpoint]
}

func (p *clientPool) resetFailures(endpoint string) {
	p.mu.Lock()
	delete(p.failures, endpoint)
	p.mu.Unlock()
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, "shutdown")
	}
}

var errPoolClosed = errors.New("connection pool closed")

// backoffRetry sleeps for the backoff owed after failures and reports
// whether another attempt should be made.
func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := clientBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > clientBackoffMax {
		d = clientBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, clientTimeout)
}
