package pipeline

import (
	"sort"
	"sync"

	"meshchat/internal/message"
	"meshchat/internal/store"
)

// messageLog is the in-memory copy of every persisted message, backed by an
// optional database. Memory is authoritative; a failed database write is
// reported but the message stays recorded.
type messageLog struct {
	db *store.MessageDB

	mu   sync.Mutex
	msgs []message.Message
	keys map[message.Key]struct{}
}

func newMessageLog(db *store.MessageDB) (*messageLog, error) {
	l := &messageLog{db: db, keys: make(map[message.Key]struct{})}
	if db == nil {
		return l, nil
	}
	all, err := db.All()
	if err != nil {
		return nil, err
	}
	for _, m := range all {
		l.msgs = append(l.msgs, m)
		l.keys[m.Key()] = struct{}{}
	}
	return l, nil
}

// append records m unless a message with the same key exists. The database
// write happens outside the lock.
func (l *messageLog) append(m message.Message) (bool, error) {
	k := m.Key()
	l.mu.Lock()
	if _, dup := l.keys[k]; dup {
		l.mu.Unlock()
		return false, nil
	}
	l.keys[k] = struct{}{}
	l.msgs = append(l.msgs, m)
	l.mu.Unlock()
	if l.db == nil {
		return true, nil
	}
	_, err := l.db.Append(m)
	return true, err
}

func (l *messageLog) all() []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]message.Message(nil), l.msgs...)
}

func (l *messageLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// with returns the messages exchanged with address, oldest first.
func (l *messageLog) with(address string) []message.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []message.Message
	for _, m := range l.msgs {
		if m.Peer() == address {
			out = append(out, m)
		}
	}
	return out
}

// PeerStats counts the traffic with one address.
type PeerStats struct {
	Address  string
	Sent     int
	Received int
}

// Stats is a summary of the message log.
type Stats struct {
	Sent     int
	Received int
	Peers    []PeerStats
}

func (l *messageLog) stats() Stats {
	l.mu.Lock()
	per := make(map[string]*PeerStats)
	var st Stats
	for _, m := range l.msgs {
		ps := per[m.Peer()]
		if ps == nil {
			ps = &PeerStats{Address: m.Peer()}
			per[m.Peer()] = ps
		}
		if m.Direction == message.Outbound {
			st.Sent++
			ps.Sent++
		} else {
			st.Received++
			ps.Received++
		}
	}
	l.mu.Unlock()
	for _, ps := range per {
		st.Peers = append(st.Peers, *ps)
	}
	sort.Slice(st.Peers, func(i, j int) bool {
		ti := st.Peers[i].Sent + st.Peers[i].Received
		tj := st.Peers[j].Sent + st.Peers[j].Received
		if ti != tj {
			return ti > tj
		}
		return st.Peers[i].Address < st.Peers[j].Address
	})
	return st
}
