// Package quicnet carries messages and announces between nodes over QUIC.
// Each node presents a self-signed certificate for its identity key, so a
// connection proves which address is on the other end.
package quicnet

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshchat/internal/crypto"
	"meshchat/internal/message"
	"meshchat/internal/node"
	"meshchat/internal/transport"
)

const (
	maxIdleTimeout       = 30 * time.Second
	keepAlivePeriod      = 10 * time.Second
	handshakeIdleTimeout = 5 * time.Second
	streamRWTimeout      = 10 * time.Second

	DefaultDeliveryTimeout = 2 * time.Minute
	defaultMaxConnsPerIP   = 32
	defaultMaxStreamsPerIP = 64
)

type Options struct {
	Node *node.Node
	// ListenAddr is a UDP host:port. Port 0 picks a free port.
	ListenAddr string
	// Links are host:port endpoints of nodes to announce to even before
	// anything has been heard from them.
	Links           []string
	DeliveryTimeout time.Duration
	MaxConnsPerIP   int
	MaxStreamsPerIP int
	Log             *zap.Logger
}

type route struct {
	endpoint  string
	stampCost int
}

// Transport implements transport.Transport over QUIC.
type Transport struct {
	self     *node.Node
	opts     Options
	log      *zap.Logger
	cert     tls.Certificate
	quicConf *quic.Config
	limiter  *ipLimiter
	pool     *clientPool

	mu       sync.Mutex
	listener *quic.Listener
	handler  transport.Handler
	routes   map[string]route
	accepted map[*quic.Conn]struct{}
	advert   *announceBody
	closed   bool

	closing chan struct{}
	wg      sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(opts Options) (*Transport, error) {
	if opts.Node == nil {
		return nil, errors.New("quicnet: node identity is required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "0.0.0.0:4242"
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = defaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = defaultMaxStreamsPerIP
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	cert, err := identityCert(opts.Node)
	if err != nil {
		return nil, fmt.Errorf("quicnet: certificate: %w", err)
	}
	return &Transport{
		self: opts.Node,
		opts: opts,
		log:  opts.Log.Named("quicnet"),
		cert: cert,
		quicConf: &quic.Config{
			MaxIdleTimeout:       maxIdleTimeout,
			KeepAlivePeriod:      keepAlivePeriod,
			HandshakeIdleTimeout: handshakeIdleTimeout,
		},
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		pool:     newClientPool(clientConnIdle),
		routes:   make(map[string]route),
		accepted: make(map[*quic.Conn]struct{}),
		closing:  make(chan struct{}),
	}, nil
}

func (t *Transport) Address() string { return t.self.Address }

// Listen binds the UDP socket. Start calls it if it has not been called.
func (t *Transport) Listen() (net.Addr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, transport.ErrClosed
	}
	if t.listener != nil {
		return t.listener.Addr(), nil
	}
	ln, err := quic.ListenAddr(t.opts.ListenAddr, serverTLSConfig(t.cert), t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quicnet: listen %s: %w", t.opts.ListenAddr, err)
	}
	t.listener = ln
	t.log.Info("listening", zap.String("addr", ln.Addr().String()))
	return ln.Addr(), nil
}

// Start accepts connections and delivers what arrives to h. It returns nil
// when ctx is done or the transport is closed.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	if _, err := t.Listen(); err != nil {
		return err
	}
	t.mu.Lock()
	t.handler = h
	ln := t.listener
	t.mu.Unlock()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if t.isClosed() || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quicnet: accept: %w", err)
		}
		ip := remoteIP(conn.RemoteAddr())
		if !t.limiter.acquireConn(ip) {
			t.log.Debug("connection limit reached", zap.String("ip", ip))
			_ = conn.CloseWithError(0, "connection limit")
			continue
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			t.limiter.releaseConn(ip)
			_ = conn.CloseWithError(0, "shutdown")
			return nil
		}
		t.accepted[conn] = struct{}{}
		t.mu.Unlock()
		t.spawn(func() {
			defer t.limiter.releaseConn(ip)
			defer func() {
				t.mu.Lock()
				delete(t.accepted, conn)
				t.mu.Unlock()
			}()
			t.serveConn(conn, ip)
		})
	}
}

func (t *Transport) serveConn(conn *quic.Conn, ip string) {
	peer, err := connPeer(conn)
	if err != nil {
		_ = conn.CloseWithError(0, "identity")
		return
	}
	for {
		stream, err := conn.AcceptStream(conn.Context())
		if err != nil {
			return
		}
		if !t.limiter.acquireStream(ip) {
			stream.CancelRead(0)
			stream.CancelWrite(0)
			continue
		}
		s := stream
		ok := t.spawn(func() {
			defer t.limiter.releaseStream(ip)
			defer s.Close()
			_ = s.SetDeadline(time.Now().Add(streamRWTimeout))
			f, err := readFrame(s)
			if err != nil {
				t.log.Debug("bad frame", zap.String("peer", message.Short(peer)), zap.Error(err))
				return
			}
			ack := t.handleFrame(peer, conn.RemoteAddr(), f)
			if err := writeFrame(s, ack); err != nil {
				t.log.Debug("ack failed", zap.String("peer", message.Short(peer)), zap.Error(err))
			}
		})
		if !ok {
			t.limiter.releaseStream(ip)
			return
		}
	}
}

func (t *Transport) handleFrame(peer string, remote net.Addr, f frame) frame {
	h := t.currentHandler()
	switch f.Type {
	case frameMessage:
		if message.NormalizeAddress(f.Source) != peer {
			return frame{Type: frameAck, Error: "source does not match connection identity"}
		}
		if f.Destination != "" && message.NormalizeAddress(f.Destination) != t.self.Address {
			return frame{Type: frameAck, Error: "wrong destination"}
		}
		bits := 0
		if f.Stamped {
			wb := crypto.StampWorkblock(peer, t.self.Address, f.Timestamp, f.Content)
			bits = crypto.StampValue(wb, f.StampNonce)
		}
		if h != nil {
			h.HandleInbound(transport.Inbound{
				Source:      peer,
				Destination: t.self.Address,
				Content:     f.Content,
				Title:       f.Title,
				Timestamp:   time.Unix(0, f.Timestamp).UTC(),
				StampBits:   bits,
			})
		}
		return frame{Type: frameAck, OK: true}
	case frameAnnounce:
		if f.Announce == nil {
			return frame{Type: frameAck, Error: "missing announce"}
		}
		a := *f.Announce
		if err := a.verify(); err != nil || a.Address != peer {
			return frame{Type: frameAck, Error: "announce does not verify"}
		}
		t.learn(a, endpointFor(remote, a.Port))
		if h != nil {
			h.HandleAnnounce(transport.Announce{
				Address:     a.Address,
				DisplayName: a.DisplayName,
				StampCost:   a.StampCost,
				At:          time.Now(),
			})
		}
		return frame{Type: frameAck, OK: true, Announce: t.currentAdvert()}
	default:
		return frame{Type: frameAck, Error: "unknown frame type " + strconv.Quote(f.Type)}
	}
}

// Send returns ErrNoRoute unless the destination has announced itself.
// Stamp generation and delivery happen after Send returns.
func (t *Transport) Send(ctx context.Context, out transport.Outgoing) (*transport.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dest := message.NormalizeAddress(out.Destination)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, transport.ErrClosed
	}
	r, ok := t.routes[dest]
	t.mu.Unlock()
	if !ok {
		return nil, transport.ErrNoRoute
	}
	ts := out.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	f := frame{
		Type:        frameMessage,
		Source:      t.self.Address,
		Destination: dest,
		Content:     out.Content,
		Title:       out.Title,
		Timestamp:   ts.UnixNano(),
	}
	receipt := transport.NewReceipt()
	if !t.spawn(func() { receipt.Resolve(t.deliver(r, dest, f)) }) {
		return nil, transport.ErrClosed
	}
	return receipt, nil
}

func (t *Transport) deliver(r route, dest string, f frame) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DeliveryTimeout)
	defer cancel()
	go func() {
		select {
		case <-t.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	if r.stampCost > 0 {
		wb := crypto.StampWorkblock(f.Source, dest, f.Timestamp, f.Content)
		nonce, err := crypto.StampSolve(ctx, wb, r.stampCost)
		if err != nil {
			return fmt.Errorf("%w: stamp: %v", transport.ErrDeliveryFailed, err)
		}
		f.Stamped = true
		f.StampNonce = nonce
	}
	ack, err := t.exchange(ctx, r.endpoint, dest, f)
	if err != nil {
		return fmt.Errorf("%w: %v", transport.ErrDeliveryFailed, err)
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", transport.ErrDeliveryFailed, ack.Error)
	}
	return nil
}

// Announce sends a signed announce to every link and known peer. A peer
// that answers with its own announce is learned. It fails only when every
// target failed.
func (t *Transport) Announce(ctx context.Context, displayName string, stampCost int) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	body := signAnnounce(t.self, announceBody{
		DisplayName: displayName,
		StampCost:   stampCost,
		Port:        t.listenPort(),
		Timestamp:   time.Now().UnixNano(),
	})
	t.mu.Lock()
	t.advert = &body
	t.mu.Unlock()
	targets := t.announceTargets()
	if len(targets) == 0 {
		return nil
	}

	var mu sync.Mutex
	var failures []error
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, tg := range targets {
		g.Go(func() error {
			if err := t.announceTo(gctx, tg.endpoint, tg.address, body); err != nil {
				t.log.Debug("announce failed", zap.String("endpoint", tg.endpoint), zap.Error(err))
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s: %w", tg.endpoint, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failures) == len(targets) {
		return errors.Join(failures...)
	}
	return nil
}

type announceTarget struct {
	endpoint string
	address  string
}

func (t *Transport) announceTargets() []announceTarget {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []announceTarget
	for addr, r := range t.routes {
		seen[r.endpoint] = true
		out = append(out, announceTarget{endpoint: r.endpoint, address: addr})
	}
	for _, link := range t.opts.Links {
		if !seen[link] {
			seen[link] = true
			out = append(out, announceTarget{endpoint: link})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].endpoint < out[j].endpoint })
	return out
}

func (t *Transport) announceTo(ctx context.Context, endpoint, want string, body announceBody) error {
	ack, err := t.exchange(ctx, endpoint, want, frame{Type: frameAnnounce, Announce: &body})
	if err != nil {
		return err
	}
	if !ack.OK {
		return errors.New(ack.Error)
	}
	if ack.Announce == nil {
		return nil
	}
	a := *ack.Announce
	if err := a.verify(); err != nil {
		return err
	}
	if want != "" && a.Address != want {
		return errPeerIdentity
	}
	t.learn(a, endpoint)
	if h := t.currentHandler(); h != nil {
		h.HandleAnnounce(transport.Announce{
			Address:     a.Address,
			DisplayName: a.DisplayName,
			StampCost:   a.StampCost,
			At:          time.Now(),
		})
	}
	return nil
}

// exchange writes one frame and reads the ack, retrying on connection
// failures with backoff.
func (t *Transport) exchange(ctx context.Context, endpoint, want string, f frame) (frame, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	tlsConf := clientTLSConfig(t.cert, want)
	var lastErr error
	for attempt := 0; attempt <= clientMaxRetries; attempt++ {
		if ctx.Err() != nil {
			break
		}
		conn, err := t.pool.get(ctx, endpoint, want, tlsConf, t.quicConf)
		if err != nil {
			lastErr = err
			if errors.Is(err, errPoolClosed) || !backoffRetry(ctx, t.pool.recordFailure(endpoint)) {
				break
			}
			continue
		}
		ack, err := t.roundTrip(ctx, conn, f)
		if err != nil {
			lastErr = err
			t.pool.drop(endpoint, want, conn, "exchange failed")
			if !backoffRetry(ctx, t.pool.recordFailure(endpoint)) {
				break
			}
			continue
		}
		t.pool.resetFailures(endpoint)
		return ack, nil
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	if lastErr == nil {
		lastErr = errors.New("exchange failed")
	}
	return frame{}, lastErr
}

func (t *Transport) roundTrip(ctx context.Context, conn *quic.Conn, f frame) (frame, error) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return frame{}, err
	}
	deadline := time.Now().Add(streamRWTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)
	if err := writeFrame(stream, f); err != nil {
		stream.CancelRead(0)
		_ = stream.Close()
		return frame{}, err
	}
	_ = stream.Close()
	ack, err := readFrame(stream)
	if err != nil {
		return frame{}, err
	}
	if ack.Type != frameAck {
		return frame{}, fmt.Errorf("unexpected %q frame in reply", ack.Type)
	}
	return ack, nil
}

func (t *Transport) learn(a announceBody, endpoint string) {
	if endpoint == "" || a.Address == t.self.Address {
		return
	}
	t.mu.Lock()
	t.routes[a.Address] = route{endpoint: endpoint, stampCost: a.StampCost}
	t.mu.Unlock()
}

// Routes lists the addresses this transport can currently send to.
func (t *Transport) Routes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.routes))
	for addr := range t.routes {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	ln := t.listener
	conns := make([]*quic.Conn, 0, len(t.accepted))
	for c := range t.accepted {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, c := range conns {
		_ = c.CloseWithError(0, "shutdown")
	}
	t.pool.closeAll()
	t.wg.Wait()
	return err
}

// spawn runs fn on a goroutine that Close waits for. It refuses once the
// transport is closed.
func (t *Transport) spawn(fn func()) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		fn()
	}()
	return true
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) currentHandler() transport.Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler
}

// currentAdvert is the last announce this node made, returned in acks so
// that a node announcing to us learns our route as well.
func (t *Transport) currentAdvert() *announceBody {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.advert
}

func (t *Transport) listenPort() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return 0
	}
	if ua, ok := t.listener.Addr().(*net.UDPAddr); ok {
		return ua.Port
	}
	return 0
}

func connPeer(conn *quic.Conn) (string, error) {
	certs := conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return "", errPeerIdentity
	}
	pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return "", errPeerIdentity
	}
	return node.DeriveAddress(pub), nil
}

func remoteIP(addr net.Addr) string {
	if ua, ok := addr.(*net.UDPAddr); ok {
		return ua.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func endpointFor(remote net.Addr, port int) string {
	if port <= 0 {
		return ""
	}
	return net.JoinHostPort(remoteIP(remote), strconv.Itoa(port))
}
