package metrics

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"meshchat/internal/store"
)

type Snapshot struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	Inbound      InboundMetrics    `json:"inbound"`
	Outbound     OutboundMetrics   `json:"outbound"`
	Plugins      PluginMetrics     `json:"plugins"`
	Announces    AnnounceMetrics   `json:"announces"`
	Notified     uint64            `json:"notified"`
	DropByReason map[string]uint64 `json:"drop_by_reason,omitempty"`
	Recent       []Event           `json:"recent"`
}

type InboundMetrics struct {
	Accepted      uint64 `json:"accepted"`
	InvalidStamp  uint64 `json:"accepted_invalid_stamp"`
	DropDuplicate uint64 `json:"drop_duplicate"`
	Suppressed    uint64 `json:"suppressed"`
}

type OutboundMetrics struct {
	Sent       uint64 `json:"sent"`
	SendFailed uint64 `json:"send_failed"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

type PluginMetrics struct {
	Errors   uint64 `json:"errors"`
	Commands uint64 `json:"commands"`
}

type AnnounceMetrics struct {
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	NewPeers uint64 `json:"new_peers"`
}

// Event is a short record of something the pipeline did, kept for status.
type Event struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Peer   string    `json:"peer"`
	Detail string    `json:"detail,omitempty"`
}

type Metrics struct {
	accepted      atomic.Uint64
	invalidStamp  atomic.Uint64
	dropDuplicate atomic.Uint64
	suppressed    atomic.Uint64
	sent          atomic.Uint64
	sendFailed    atomic.Uint64
	delivered     atomic.Uint64
	failed        atomic.Uint64
	pluginErrors  atomic.Uint64
	pluginCmds    atomic.Uint64
	announceSent  atomic.Uint64
	announceRecv  atomic.Uint64
	newPeers      atomic.Uint64
	notified      atomic.Uint64

	dropMu       sync.Mutex
	dropByReason map[string]uint64

	recent *Recent
}

func New() *Metrics {
	return &Metrics{dropByReason: make(map[string]uint64), recent: NewRecent(32)}
}

func (m *Metrics) Recent() *Recent {
	return m.recent
}

func (m *Metrics) IncAccepted()         { m.accepted.Add(1) }
func (m *Metrics) IncInvalidStamp()     { m.invalidStamp.Add(1) }
func (m *Metrics) IncDropDuplicate()    { m.dropDuplicate.Add(1) }
func (m *Metrics) IncSuppressed()       { m.suppressed.Add(1) }
func (m *Metrics) IncSent()             { m.sent.Add(1) }
func (m *Metrics) IncSendFailed()       { m.sendFailed.Add(1) }
func (m *Metrics) IncDelivered()        { m.delivered.Add(1) }
func (m *Metrics) IncFailed()           { m.failed.Add(1) }
func (m *Metrics) IncPluginError()      { m.pluginErrors.Add(1) }
func (m *Metrics) IncPluginCommand()    { m.pluginCmds.Add(1) }
func (m *Metrics) IncAnnounceSent()     { m.announceSent.Add(1) }
func (m *Metrics) IncAnnounceReceived() { m.announceRecv.Add(1) }
func (m *Metrics) IncNewPeer()          { m.newPeers.Add(1) }
func (m *Metrics) IncNotified()         { m.notified.Add(1) }

func (m *Metrics) IncDropByReason(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.dropMu.Lock()
	m.dropByReason[reason]++
	m.dropMu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	m.dropMu.Lock()
	drops := make(map[string]uint64, len(m.dropByReason))
	for k, v := range m.dropByReason {
		drops[k] = v
	}
	m.dropMu.Unlock()
	recent := []Event{}
	if m.recent != nil {
		recent = m.recent.List()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Inbound: InboundMetrics{
			Accepted:      m.accepted.Load(),
			InvalidStamp:  m.invalidStamp.Load(),
			DropDuplicate: m.dropDuplicate.Load(),
			Suppressed:    m.suppressed.Load(),
		},
		Outbound: OutboundMetrics{
			Sent:       m.sent.Load(),
			SendFailed: m.sendFailed.Load(),
			Delivered:  m.delivered.Load(),
			Failed:     m.failed.Load(),
		},
		Plugins: PluginMetrics{
			Errors:   m.pluginErrors.Load(),
			Commands: m.pluginCmds.Load(),
		},
		Announces: AnnounceMetrics{
			Sent:     m.announceSent.Load(),
			Received: m.announceRecv.Load(),
			NewPeers: m.newPeers.Load(),
		},
		Notified:     m.notified.Load(),
		DropByReason: drops,
		Recent:       recent,
	}
}

// DropReasons returns the reasons seen so far, sorted.
func (s Snapshot) DropReasons() []string {
	out := make([]string, 0, len(s.DropByReason))
	for k := range s.DropByReason {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFile(path, data)
}

type Recent struct {
	mu   sync.Mutex
	cap  int
	list []Event
}

func NewRecent(capacity int) *Recent {
	if capacity <= 0 {
		capacity = 32
	}
	return &Recent{cap: capacity}
}

func (r *Recent) Add(e Event) {
	if r == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *Recent) List() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.list))
	copy(out, r.list)
	return out
}
