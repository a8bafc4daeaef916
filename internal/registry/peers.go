package registry

import (
	"errors"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshchat/internal/message"
	"meshchat/internal/store"
)

type Peer struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name,omitempty"`
	Index       int       `json:"index"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	StampCost   int       `json:"stamp_cost,omitempty"`
}

// PeerBook tracks every address heard from. Peers are never removed.
type PeerBook struct {
	mu      sync.Mutex
	opts    Options
	space   *Space
	writer  docWriter
	version uint64
	peers   map[string]*Peer
}

func OpenPeerBook(path string, space *Space, opts Options) *PeerBook {
	b := &PeerBook{
		opts:   opts,
		space:  space,
		writer: docWriter{path: path},
		peers:  make(map[string]*Peer),
	}
	var list []Peer
	err := store.ReadJSON(path, &list)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		return b
	default:
		opts.logger().Warn("peers unreadable, starting empty", zap.Error(err))
		if errors.Is(err, store.ErrCorrupt) {
			_, _ = store.Quarantine(path)
		}
		return b
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	for i := range list {
		p := list[i]
		addr, err := message.ParseAddress(p.Address)
		if err != nil {
			continue
		}
		if _, dup := b.peers[addr]; dup {
			continue
		}
		p.Address = addr
		if p.Index <= 0 || !space.Adopt(addr, p.Index) {
			p.Index, _ = space.Register(addr)
		}
		b.peers[addr] = &p
	}
	return b
}

// Sighting is what an announce or an inbound message tells us about a peer.
type Sighting struct {
	Address     string
	DisplayName string
	StampCost   int
	At          time.Time
}

// Observe records a sighting and reports whether the peer is new. An empty
// display name keeps the cached one.
func (b *PeerBook) Observe(s Sighting) (Peer, bool, error) {
	addr, err := message.ParseAddress(s.Address)
	if err != nil {
		return Peer{}, false, err
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}
	b.mu.Lock()
	_, known := b.peers[addr]
	b.mu.Unlock()
	idx := 0
	if !known {
		// Register is idempotent per address, so racing observers agree.
		idx, _ = b.space.Register(addr)
	}
	b.mu.Lock()
	p, ok := b.peers[addr]
	if !ok {
		p = &Peer{Address: addr, Index: idx, FirstSeen: s.At.UTC()}
		b.peers[addr] = p
	}
	p.LastSeen = s.At.UTC()
	if name := strings.TrimSpace(s.DisplayName); name != "" {
		p.DisplayName = name
	}
	if s.StampCost > 0 {
		p.StampCost = s.StampCost
	}
	out := *p
	b.version++
	version := b.version
	snapshot := b.listLocked()
	b.mu.Unlock()
	if err := b.writer.write(version, snapshot); err != nil {
		b.opts.saveFailed("peers", err)
	}
	return out, !ok, nil
}

func (b *PeerBook) ByAddress(address string) (Peer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[address]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (b *PeerBook) ByIndex(idx int) (Peer, error) {
	addr, err := b.space.KeyOf(idx)
	if err != nil {
		return Peer{}, err
	}
	p, ok := b.ByAddress(addr)
	if !ok {
		return Peer{}, ErrReferenceNotFound
	}
	return p, nil
}

// ByDisplayName matches case-insensitively. When several peers share a name
// the one with the lowest index wins.
func (b *PeerBook) ByDisplayName(name string) (Peer, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return Peer{}, false
	}
	for _, p := range b.List() {
		if strings.ToLower(p.DisplayName) == key {
			return p, true
		}
	}
	return Peer{}, false
}

func (b *PeerBook) DisplayName(address string) string {
	p, ok := b.ByAddress(address)
	if !ok {
		return ""
	}
	return p.DisplayName
}

func (b *PeerBook) List() []Peer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listLocked()
}

func (b *PeerBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

func (b *PeerBook) listLocked() []Peer {
	out := make([]Peer, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}
