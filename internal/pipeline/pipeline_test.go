package pipeline

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"meshchat/internal/config"
	"meshchat/internal/console"
	"meshchat/internal/gate"
	"meshchat/internal/message"
	"meshchat/internal/metrics"
	"meshchat/internal/notify"
	"meshchat/internal/plugin"
	"meshchat/internal/plugins"
	"meshchat/internal/registry"
	"meshchat/internal/store"
	"meshchat/internal/testutil"
	"meshchat/internal/transport"
	"meshchat/internal/transport/memnet"
)

const (
	aliceAddr = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	bobAddr   = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	carolAddr = "cccccccccccccccccccccccccccccccc"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type notes struct {
	mu   sync.Mutex
	seen []notify.Notification
}

func (n *notes) Notify(x notify.Notification) {
	n.mu.Lock()
	n.seen = append(n.seen, x)
	n.mu.Unlock()
}

func (n *notes) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

type hookFunc func(message.Message) bool

func (f hookFunc) OnMessage(m message.Message) bool { return f(m) }

type node struct {
	p       *Pipeline
	ep      *memnet.Endpoint
	reg     *registry.Registry
	bl      *gate.Blacklist
	cfg     *config.Store
	db      *store.MessageDB
	out     *syncBuffer
	notes   *notes
	metrics *metrics.Metrics
}

func newNode(t *testing.T, hub *memnet.Hub, addr string, mutate func(*config.Config)) *node {
	t.Helper()
	dir := t.TempDir()
	c := config.DefaultConfig()
	if mutate != nil {
		mutate(c)
	}
	db, err := store.OpenMessageDB(filepath.Join(dir, "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	n := &node{
		ep:      hub.Attach(addr),
		reg:     registry.Open(dir, registry.Options{}),
		bl:      gate.OpenBlacklist(filepath.Join(dir, "blacklist.json"), nil),
		cfg:     config.NewMemoryStore(*c),
		db:      db,
		out:     &syncBuffer{},
		notes:   &notes{},
		metrics: metrics.New(),
	}
	n.p, err = New(Options{
		Transport: n.ep,
		Registry:  n.reg,
		Blacklist: n.bl,
		DB:        db,
		Config:    n.cfg,
		Notifier:  n.notes,
		Console:   console.New(n.out),
		Metrics:   n.metrics,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = n.ep.Start(ctx, n.p)
	}()
	go func() {
		defer wg.Done()
		_ = n.p.Run(ctx)
	}()
	t.Cleanup(func() {
		hub.Wait()
		cancel()
		wg.Wait()
		n.p.Close()
		_ = n.ep.Close()
	})
	testutil.WaitFor(t, 0, n.ep.Started)
	return n
}

func (n *node) settle(t *testing.T, hub *memnet.Hub) {
	t.Helper()
	hub.Wait()
	testutil.WaitFor(t, 0, n.p.Idle)
}

func TestInboundFlow(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	alice := newNode(t, hub, aliceAddr, nil)
	bob := newNode(t, hub, bobAddr, nil)

	var mu sync.Mutex
	var aliceHooked []message.Message
	alice.p.SetHooks(hookFunc(func(m message.Message) bool {
		mu.Lock()
		aliceHooked = append(aliceHooked, m)
		mu.Unlock()
		return false
	}))

	_, r, err := alice.p.Send(context.Background(), bobAddr, "hi bob")
	require.NoError(t, err)
	require.NoError(t, r.Err())
	bob.settle(t, hub)
	alice.settle(t, hub)

	msgs := bob.p.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, message.Inbound, msgs[0].Direction)
	assert.Equal(t, aliceAddr, msgs[0].Source)
	assert.True(t, msgs[0].StampValid)

	peer, ok := bob.reg.Peers.ByAddress(aliceAddr)
	require.True(t, ok)
	assert.Equal(t, 1, peer.Index)
	idx, ok := bob.reg.Conversations.Index(aliceAddr)
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	target, ok := bob.p.ReplyTarget()
	assert.True(t, ok)
	assert.Equal(t, aliceAddr, target)
	assert.EqualValues(t, 1, bob.p.Unread())
	require.Equal(t, 1, bob.notes.count())
	assert.Equal(t, "hi bob", bob.notes.seen[0].Preview)
	assert.Contains(t, bob.out.String(), "hi bob")

	// outbound messages reach hooks but never notify
	mu.Lock()
	require.Len(t, aliceHooked, 1)
	assert.Equal(t, message.Outbound, aliceHooked[0].Direction)
	mu.Unlock()
	assert.Zero(t, alice.notes.count())
	testutil.WaitFor(t, 0, func() bool { return alice.metrics.Snapshot().Outbound.Delivered == 1 })

	stored, err := bob.db.All()
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestBlacklistedSenderLeavesNoTrace(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	alice := newNode(t, hub, aliceAddr, nil)
	bob := newNode(t, hub, bobAddr, nil)
	var hooked atomic.Int32
	bob.p.SetHooks(hookFunc(func(message.Message) bool { hooked.Add(1); return false }))
	_, err := bob.bl.Add(aliceAddr)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, r, err := alice.p.Send(context.Background(), bobAddr, "spam")
		require.NoError(t, err)
		require.NoError(t, r.Err())
	}
	bob.settle(t, hub)

	assert.Empty(t, bob.p.Messages())
	_, ok := bob.reg.Peers.ByAddress(aliceAddr)
	assert.False(t, ok)
	_, ok = bob.reg.Conversations.Index(aliceAddr)
	assert.False(t, ok)
	assert.Zero(t, hooked.Load())
	assert.Zero(t, bob.notes.count())
	assert.Zero(t, bob.p.Unread())
	assert.Equal(t, uint64(3), bob.metrics.Snapshot().DropByReason["blacklisted"])
	assert.Equal(t, 1, bytes.Count([]byte(bob.out.String()), []byte("Blocked message")), "drop lines are rate limited")
}

func TestStampPolicy(t *testing.T) {
	cases := []struct {
		name     string
		bits     int
		ignore   bool
		accepted bool
		valid    bool
	}{
		{"sufficient", 8, false, true, true},
		{"short marked", 4, false, true, false},
		{"short dropped", 4, true, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hub := memnet.NewHub()
			alice := newNode(t, hub, aliceAddr, nil)
			bob := newNode(t, hub, bobAddr, func(c *config.Config) {
				c.StampCostEnabled = true
				c.StampCost = 8
				c.IgnoreInvalidStamps = tc.ignore
			})
			alice.ep.SetStampBits(tc.bits)
			_, r, err := alice.p.Send(context.Background(), bobAddr, "stamped")
			require.NoError(t, err)
			require.NoError(t, r.Err())
			bob.settle(t, hub)

			msgs := bob.p.Messages()
			if !tc.accepted {
				assert.Empty(t, msgs)
				assert.Equal(t, uint64(1), bob.metrics.Snapshot().DropByReason["invalid_stamp"])
				return
			}
			require.Len(t, msgs, 1)
			assert.Equal(t, tc.valid, msgs[0].StampValid)
		})
	}
}

func TestDuplicateInboundSurvivesRestart(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	bob := newNode(t, hub, bobAddr, nil)
	in := transport.Inbound{
		Source:    aliceAddr,
		Content:   "once",
		Timestamp: time.Unix(1_700_000_000, 42),
	}
	bob.p.HandleInbound(in)
	bob.p.HandleInbound(in)
	bob.settle(t, hub)
	assert.Len(t, bob.p.Messages(), 1)
	assert.Equal(t, uint64(1), bob.metrics.Snapshot().Inbound.DropDuplicate)
	assert.Equal(t, 1, bob.notes.count())

	again, err := New(Options{Transport: bob.ep, Registry: bob.reg, DB: bob.db, Config: bob.cfg})
	require.NoError(t, err)
	defer again.Close()
	require.Len(t, again.Messages(), 1)
	again.HandleInbound(in)
	assert.Len(t, again.Messages(), 1)
}

func TestSuppressionSkipsOnlyNotification(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	bob := newNode(t, hub, bobAddr, nil)
	bob.p.SetHooks(hookFunc(func(message.Message) bool { return true }))

	bob.p.HandleInbound(transport.Inbound{Source: aliceAddr, Content: "quiet please"})
	bob.settle(t, hub)

	assert.Len(t, bob.p.Messages(), 1)
	_, ok := bob.reg.Peers.ByAddress(aliceAddr)
	assert.True(t, ok)
	assert.Zero(t, bob.notes.count())
	assert.Equal(t, uint64(1), bob.metrics.Snapshot().Inbound.Suppressed)
}

func TestHookMaySendFromInsideHook(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	alice := newNode(t, hub, aliceAddr, nil)
	bob := newNode(t, hub, bobAddr, nil)

	m := plugin.NewManager(plugin.Options{Host: bob.p.Host(), Builtins: []plugin.Factory{plugins.EchoFactory()}})
	require.Empty(t, m.Reload())
	defer m.Close()
	bob.p.SetHooks(m)
	handled, err := m.HandleCommand("echo", []string{"on"})
	require.True(t, handled)
	require.NoError(t, err)

	_, _, err = alice.p.Send(context.Background(), bobAddr, "ping")
	require.NoError(t, err)

	testutil.WaitFor(t, 0, func() bool {
		for _, msg := range alice.p.Messages() {
			if msg.Direction == message.Inbound && msg.Content == "Echo: ping" {
				return true
			}
		}
		return false
	})
	bob.settle(t, hub)
	alice.settle(t, hub)
	st := bob.p.Stats()
	assert.Equal(t, 1, st.Sent)
	assert.Equal(t, 1, st.Received)
	require.Len(t, st.Peers, 1)
	assert.Equal(t, aliceAddr, st.Peers[0].Address)
}

func TestReplyNeedsTarget(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	bob := newNode(t, hub, bobAddr, nil)
	_, _, err := bob.p.Reply(context.Background(), "hello?")
	assert.ErrorIs(t, err, ErrNoReplyTarget)

	bob.p.SetReplyTarget(carolAddr)
	msg, r, err := bob.p.Reply(context.Background(), "hello carol")
	require.NoError(t, err)
	assert.Equal(t, carolAddr, msg.Destination)
	assert.ErrorIs(t, r.Err(), transport.ErrNoRoute)
	testutil.WaitFor(t, 0, func() bool { return bob.metrics.Snapshot().Outbound.Failed == 1 })
}

func TestSendRefusedStaysRecorded(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	bob := newNode(t, hub, bobAddr, nil)
	require.NoError(t, bob.ep.Close())

	_, r, err := bob.p.Send(context.Background(), aliceAddr, "into the void")
	assert.ErrorIs(t, err, transport.ErrClosed)
	assert.Nil(t, r)
	require.Len(t, bob.p.Messages(), 1)
	assert.Equal(t, uint64(1), bob.metrics.Snapshot().Outbound.SendFailed)

	_, _, err = bob.p.Send(context.Background(), "not-an-address", "x")
	assert.ErrorIs(t, err, message.ErrInvalidAddress)
}

func TestAnnounceDiscovery(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	alice := newNode(t, hub, aliceAddr, func(c *config.Config) { c.DisplayName = "Alice" })
	bob := newNode(t, hub, bobAddr, nil)
	carol := newNode(t, hub, carolAddr, func(c *config.Config) { c.DiscoveryAlerts = false })

	require.NoError(t, alice.p.Announce(context.Background()))
	hub.Wait()
	require.NoError(t, alice.p.Announce(context.Background()))
	hub.Wait()

	peer, ok := bob.reg.Peers.ByAddress(aliceAddr)
	require.True(t, ok)
	assert.Equal(t, "Alice", peer.DisplayName)
	assert.Equal(t, 1, bytes.Count([]byte(bob.out.String()), []byte("New peer discovered: Alice")))
	assert.Contains(t, bob.out.String(), "addpeer 1")
	assert.NotContains(t, carol.out.String(), "New peer discovered")
	_, ok = carol.reg.Peers.ByAddress(aliceAddr)
	assert.True(t, ok, "alerts off still records the peer")
	assert.Equal(t, uint64(2), alice.metrics.Snapshot().Announces.Sent)
}

func TestHostSurface(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	hub := memnet.NewHub()
	bob := newNode(t, hub, bobAddr, func(c *config.Config) { c.DisplayName = "Bob" })
	h := bob.p.Host()
	_, err := bob.reg.Contacts.Add("alice", aliceAddr)
	require.NoError(t, err)
	_, err = bob.bl.Add(carolAddr)
	require.NoError(t, err)

	addr, err := h.Resolve("alice")
	require.NoError(t, err)
	assert.Equal(t, aliceAddr, addr)
	_, err = h.Resolve("nobody")
	assert.ErrorIs(t, err, registry.ErrReferenceNotFound)
	assert.True(t, h.IsBlacklisted("CCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"))
	assert.Equal(t, "Bob", h.DisplayName())
	assert.Equal(t, bobAddr, h.Address())
	assert.Equal(t, "alice", h.Label(aliceAddr))

	contacts := h.Contacts()
	require.Len(t, contacts, 1)
	contacts[0].Name = "mallory"
	_, ok := bob.reg.Contacts.ByName("alice")
	assert.True(t, ok, "snapshots do not alias the book")

	h.Notify("keyword", "alert")
	assert.Equal(t, 1, bob.notes.count())
	assert.True(t, errors.Is(h.Send("nobody", "x"), registry.ErrReferenceNotFound))
}
