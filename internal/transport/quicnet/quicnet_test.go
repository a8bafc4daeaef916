package quicnet

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshchat/internal/node"
	"meshchat/internal/testutil"
	"meshchat/internal/transport"
)

type recorder struct {
	mu        sync.Mutex
	inbound   []transport.Inbound
	announces []transport.Announce
}

func (r *recorder) HandleInbound(in transport.Inbound) {
	r.mu.Lock()
	r.inbound = append(r.inbound, in)
	r.mu.Unlock()
}

func (r *recorder) HandleAnnounce(a transport.Announce) {
	r.mu.Lock()
	r.announces = append(r.announces, a)
	r.mu.Unlock()
}

func (r *recorder) messages() []transport.Inbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Inbound(nil), r.inbound...)
}

func (r *recorder) heard() []transport.Announce {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Announce(nil), r.announces...)
}

type running struct {
	tr   *Transport
	rec  *recorder
	addr net.Addr
}

func startNode(t *testing.T, links ...string) running {
	t.Helper()
	self, err := node.Load(t.TempDir())
	require.NoError(t, err)
	tr, err := New(Options{Node: self, ListenAddr: "127.0.0.1:0", Links: links, DeliveryTimeout: 10 * time.Second})
	require.NoError(t, err)
	addr, err := tr.Listen()
	require.NoError(t, err)

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Start(ctx, rec) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = tr.Close()
	})
	return running{tr: tr, rec: rec, addr: addr}
}

func port(addr net.Addr) string {
	return "127.0.0.1:" + strconv.Itoa(addr.(*net.UDPAddr).Port)
}

func TestAnnounceThenSendBothWays(t *testing.T) {
	alice := startNode(t)
	require.NoError(t, alice.tr.Announce(context.Background(), "alice", 4))

	bob := startNode(t, port(alice.addr))
	require.NoError(t, bob.tr.Announce(context.Background(), "bob", 0))

	// Alice heard bob announce; bob learned alice from the ack.
	require.Len(t, alice.rec.heard(), 1)
	assert.Equal(t, bob.tr.Address(), alice.rec.heard()[0].Address)
	assert.Equal(t, "bob", alice.rec.heard()[0].DisplayName)
	require.Len(t, bob.rec.heard(), 1)
	assert.Equal(t, "alice", bob.rec.heard()[0].DisplayName)
	assert.Equal(t, 4, bob.rec.heard()[0].StampCost)
	assert.Equal(t, []string{alice.tr.Address()}, bob.tr.Routes())

	receipt, err := bob.tr.Send(context.Background(), transport.Outgoing{
		Destination: alice.tr.Address(),
		Content:     "hello alice",
		Timestamp:   time.Now(),
	})
	require.NoError(t, err)
	testutil.WaitFor(t, 0, func() bool {
		select {
		case <-receipt.Done():
			return true
		default:
			return false
		}
	})
	require.NoError(t, receipt.Err())

	got := alice.rec.messages()
	require.Len(t, got, 1)
	assert.Equal(t, bob.tr.Address(), got[0].Source)
	assert.Equal(t, "hello alice", got[0].Content)
	assert.GreaterOrEqual(t, got[0].StampBits, 4)

	back, err := alice.tr.Send(context.Background(), transport.Outgoing{Destination: bob.tr.Address(), Content: "hi bob"})
	require.NoError(t, err)
	require.NoError(t, back.Err())
	require.Len(t, bob.rec.messages(), 1)
	assert.Equal(t, 0, bob.rec.messages()[0].StampBits)
}

func TestSendWithoutRoute(t *testing.T) {
	alice := startNode(t)
	other, err := node.Load(t.TempDir())
	require.NoError(t, err)
	_, err = alice.tr.Send(context.Background(), transport.Outgoing{Destination: other.Address, Content: "x"})
	assert.ErrorIs(t, err, transport.ErrNoRoute)
}

func TestAnnounceToDeadLinkFails(t *testing.T) {
	self, err := node.Load(t.TempDir())
	require.NoError(t, err)
	tr, err := New(Options{Node: self, ListenAddr: "127.0.0.1:0", Links: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, tr.Announce(ctx, "lonely", 0))
}

func TestClosedTransportRefuses(t *testing.T) {
	self, err := node.Load(t.TempDir())
	require.NoError(t, err)
	tr, err := New(Options{Node: self, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	_, err = tr.Listen()
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.ErrorIs(t, tr.Announce(context.Background(), "x", 0), transport.ErrClosed)
}

func TestMessageFromWrongIdentityIsRefused(t *testing.T) {
	self, err := node.Load(t.TempDir())
	require.NoError(t, err)
	tr, err := New(Options{Node: self})
	require.NoError(t, err)
	rec := &recorder{}
	tr.handler = rec

	peer, err := node.Load(t.TempDir())
	require.NoError(t, err)
	forged, err := node.Load(t.TempDir())
	require.NoError(t, err)

	ack := tr.handleFrame(peer.Address, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, frame{
		Type:    frameMessage,
		Source:  forged.Address,
		Content: "spoof",
	})
	assert.False(t, ack.OK)
	assert.Empty(t, rec.messages())

	ack = tr.handleFrame(peer.Address, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, frame{
		Type:      frameMessage,
		Source:    peer.Address,
		Content:   "real",
		Timestamp: time.Now().UnixNano(),
	})
	assert.True(t, ack.OK)
	require.Len(t, rec.messages(), 1)
	assert.Equal(t, peer.Address, rec.messages()[0].Source)
}

func TestTamperedAnnounceIsRejected(t *testing.T) {
	peer, err := node.Load(t.TempDir())
	require.NoError(t, err)
	body := signAnnounce(peer, announceBody{DisplayName: "peer", StampCost: 8, Port: 4242, Timestamp: 1})
	require.NoError(t, body.verify())

	body.StampCost = 0
	assert.Error(t, body.verify())
}

func TestFrameRoundTripAndLimits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, frame{Type: frameAck, OK: true}))
	f, err := readFrame(&buf)
	require.NoError(t, err)
	assert.True(t, f.OK)

	err = writeFrame(&buf, frame{Type: frameMessage, Content: string(make([]byte, MaxFrameSize))})
	assert.True(t, errors.Is(err, errFrameSize))

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	_, err = readFrame(bytes.NewReader(oversized))
	assert.ErrorIs(t, err, errFrameSize)
}
