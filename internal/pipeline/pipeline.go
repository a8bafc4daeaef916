// Package pipeline moves messages between the transport, the registry, the
// message log, plugins and the notifier. Transport callbacks do the gated,
// locked work inline and hand the message to a single hook worker, which
// runs plugins and notification with no locks held.
package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshchat/internal/config"
	"meshchat/internal/console"
	"meshchat/internal/gate"
	"meshchat/internal/logging"
	"meshchat/internal/message"
	"meshchat/internal/metrics"
	"meshchat/internal/notify"
	"meshchat/internal/registry"
	"meshchat/internal/store"
	"meshchat/internal/transport"
)

var ErrNoReplyTarget = errors.New("no one to reply to yet")

// Hooks is the plugin side of the pipeline.
type Hooks interface {
	OnMessage(msg message.Message) bool
}

type Notifier interface {
	Notify(n notify.Notification)
}

type Options struct {
	Transport transport.Transport
	Registry  *registry.Registry
	Blacklist *gate.Blacklist
	// DB is optional; without it the log lives in memory only.
	DB       *store.MessageDB
	Config   *config.Store
	Notifier Notifier
	Console  *console.Console
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	// DropLogInterval limits drop lines to one per sender per interval.
	DropLogInterval time.Duration
}

type Pipeline struct {
	tr      transport.Transport
	reg     *registry.Registry
	bl      *gate.Blacklist
	cfg     *config.Store
	notify  Notifier
	con     *console.Console
	metrics *metrics.Metrics
	log     *zap.Logger
	drops   *logging.Limiter

	msgs  *messageLog
	queue *hookQueue

	hooksMu sync.RWMutex
	hooks   Hooks

	replyMu     sync.Mutex
	replyTarget string

	unread atomic.Int64

	watchers sync.WaitGroup
	closing  chan struct{}
	closed   sync.Once
}

func New(opts Options) (*Pipeline, error) {
	if opts.Transport == nil || opts.Registry == nil || opts.Config == nil {
		return nil, errors.New("pipeline: transport, registry and config are required")
	}
	msgs, err := newMessageLog(opts.DB)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		tr:      opts.Transport,
		reg:     opts.Registry,
		bl:      opts.Blacklist,
		cfg:     opts.Config,
		notify:  opts.Notifier,
		con:     opts.Console,
		metrics: opts.Metrics,
		log:     opts.Log,
		msgs:    msgs,
		queue:   newHookQueue(),
		closing: make(chan struct{}),
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	if p.con == nil {
		p.con = console.New(io.Discard)
	}
	interval := opts.DropLogInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	p.drops = logging.NewLimiter(interval)
	// conversations are not persisted as a book; rebuild them from the log
	for _, m := range msgs.all() {
		p.reg.Conversations.Touch(m.Peer())
	}
	return p, nil
}

// SetHooks installs the plugin dispatcher. It may be called at any time.
func (p *Pipeline) SetHooks(h Hooks) {
	p.hooksMu.Lock()
	p.hooks = h
	p.hooksMu.Unlock()
}

func (p *Pipeline) currentHooks() Hooks {
	p.hooksMu.RLock()
	defer p.hooksMu.RUnlock()
	return p.hooks
}

func (p *Pipeline) policy() gate.Policy {
	c := p.cfg.Get()
	return gate.Policy{
		StampCostEnabled:    c.StampCostEnabled,
		StampCost:           c.StampCost,
		IgnoreInvalidStamps: c.IgnoreInvalidStamps,
	}
}

// HandleInbound runs on a transport goroutine.
func (p *Pipeline) HandleInbound(in transport.Inbound) {
	src, err := message.ParseAddress(in.Source)
	if err != nil {
		p.log.Debug("inbound with bad source", zap.String("source", in.Source))
		p.metrics.IncDropByReason("bad_source")
		return
	}
	var bl gate.Membership
	if p.bl != nil {
		bl = p.bl
	}
	v := gate.Check(gate.Candidate{Source: src, StampBits: in.StampBits}, bl, p.policy())
	if !v.Accept {
		p.drop(src, v.Reason, in.StampBits)
		return
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	dest := message.NormalizeAddress(in.Destination)
	if dest == "" {
		dest = p.tr.Address()
	}
	msg := message.Message{
		ID:          uuid.NewString(),
		Timestamp:   ts.UTC(),
		Source:      src,
		Destination: dest,
		Content:     in.Content,
		Title:       in.Title,
		Direction:   message.Inbound,
		StampValid:  v.StampValid,
	}
	added, err := p.msgs.append(msg)
	if !added {
		p.metrics.IncDropDuplicate()
		p.log.Debug("duplicate message dropped", zap.String("source", src))
		return
	}
	if err != nil {
		p.log.Warn("message not persisted", zap.String("source", src), zap.Error(err))
		p.con.Warn("Could not save message from %s: %v", p.reg.Label(src), err)
	}

	if _, _, err := p.reg.Peers.Observe(registry.Sighting{Address: src, At: ts}); err != nil {
		p.log.Warn("peer observe failed", zap.String("source", src), zap.Error(err))
	}
	p.reg.Conversations.Touch(src)
	p.SetReplyTarget(src)

	p.metrics.IncAccepted()
	if !v.StampValid {
		p.metrics.IncInvalidStamp()
	}
	p.metrics.Recent().Add(metrics.Event{Kind: "inbound", Peer: src})
	p.queue.push(msg)
	p.unread.Add(1)
}

func (p *Pipeline) drop(src string, reason gate.Reason, bits int) {
	p.metrics.IncDropByReason(string(reason))
	p.metrics.Recent().Add(metrics.Event{Kind: "drop", Peer: src, Detail: string(reason)})
	if !p.drops.Allow(string(reason) + ":" + src) {
		return
	}
	switch reason {
	case gate.ReasonBlacklisted:
		p.con.Dim("Blocked message from blacklisted %s", p.reg.Label(src))
		p.log.Info("blacklisted sender dropped", zap.String("source", src))
	case gate.ReasonInvalidStamp:
		p.log.Warn("message with insufficient stamp dropped",
			zap.String("source", src), zap.Int("bits", bits), zap.Int("required", p.cfg.Get().StampCost))
	}
}

// HandleAnnounce runs on a transport goroutine.
func (p *Pipeline) HandleAnnounce(a transport.Announce) {
	p.metrics.IncAnnounceReceived()
	addr, err := message.ParseAddress(a.Address)
	if err != nil || addr == p.tr.Address() {
		return
	}
	peer, isNew, err := p.reg.Peers.Observe(registry.Sighting{
		Address:     addr,
		DisplayName: a.DisplayName,
		StampCost:   a.StampCost,
		At:          a.At,
	})
	if err != nil {
		p.log.Warn("peer observe failed", zap.String("address", addr), zap.Error(err))
		return
	}
	if !isNew {
		return
	}
	p.metrics.IncNewPeer()
	p.metrics.Recent().Add(metrics.Event{Kind: "discovered", Peer: addr, Detail: peer.DisplayName})
	p.log.Info("peer discovered", zap.String("address", addr), zap.Int("index", peer.Index))
	if !p.cfg.Get().DiscoveryAlerts {
		return
	}
	if _, ok := p.reg.Contacts.ByAddress(addr); ok {
		return
	}
	name := peer.DisplayName
	if name == "" {
		name = "(unnamed)"
	}
	p.con.Info("New peer discovered: %s <%s> [peer #%d]", name, addr, peer.Index)
	p.con.Dim("  save with: addpeer %d [name]   message with: sendpeer %d <text>", peer.Index, peer.Index)
}

// Run processes queued messages until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	err := p.queue.drain(ctx, p.process)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Idle reports whether no message is queued or being processed.
func (p *Pipeline) Idle() bool {
	return p.queue.len() == 0
}

func (p *Pipeline) process(msg message.Message) {
	if msg.Direction == message.Inbound {
		p.show(msg)
	}
	suppressed := false
	if h := p.currentHooks(); h != nil {
		suppressed = h.OnMessage(msg)
	}
	if msg.Direction != message.Inbound {
		return
	}
	if suppressed {
		p.metrics.IncSuppressed()
		return
	}
	if p.notify != nil {
		p.notify.Notify(notify.Notification{From: p.reg.Label(msg.Source), Preview: msg.Content})
	}
}

func (p *Pipeline) show(msg message.Message) {
	label := p.reg.Label(msg.Source)
	head := "Message from " + label
	if msg.Title != "" {
		head += " [" + msg.Title + "]"
	}
	if !msg.StampValid {
		head += " (invalid stamp)"
	}
	p.con.Header(head)
	p.con.Printf("%s\n", strings.TrimRight(msg.Content, "\n"))
}

func (p *Pipeline) SetReplyTarget(address string) {
	p.replyMu.Lock()
	p.replyTarget = address
	p.replyMu.Unlock()
}

func (p *Pipeline) ReplyTarget() (string, bool) {
	p.replyMu.Lock()
	defer p.replyMu.Unlock()
	return p.replyTarget, p.replyTarget != ""
}

func (p *Pipeline) Unread() int64 { return p.unread.Load() }

func (p *Pipeline) ClearUnread() { p.unread.Store(0) }

// Messages returns a copy of the whole log in arrival order.
func (p *Pipeline) Messages() []message.Message { return p.msgs.all() }

// Conversation returns the messages exchanged with address.
func (p *Pipeline) Conversation(address string) []message.Message {
	return p.msgs.with(address)
}

func (p *Pipeline) Stats() Stats { return p.msgs.stats() }

func (p *Pipeline) MessageCount() int { return p.msgs.len() }

// Close stops receipt tracking. The hook worker stops with its context.
func (p *Pipeline) Close() {
	p.closed.Do(func() { close(p.closing) })
	p.watchers.Wait()
}
