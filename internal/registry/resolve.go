package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"meshchat/internal/message"
)

const (
	contactsFile     = "contacts.json"
	peersFile        = "peers.json"
	contactIndexFile = "index_contacts.json"
	peerIndexFile    = "index_peers.json"
	convIndexFile    = "index_conversations.json"
)

// Registry bundles the three books that share a home directory.
type Registry struct {
	Contacts      *ContactBook
	Peers         *PeerBook
	Conversations *Conversations
}

func Open(dir string, opts Options) *Registry {
	contactSpace := OpenSpace("contacts", filepath.Join(dir, contactIndexFile), opts)
	peerSpace := OpenSpace("peers", filepath.Join(dir, peerIndexFile), opts)
	convSpace := OpenSpace("conversations", filepath.Join(dir, convIndexFile), opts)
	return &Registry{
		Contacts:      OpenContactBook(filepath.Join(dir, contactsFile), contactSpace, opts),
		Peers:         OpenPeerBook(filepath.Join(dir, peersFile), peerSpace, opts),
		Conversations: NewConversations(convSpace),
	}
}

// Step is one way of interpreting a reference.
type Step int

const (
	ByContactName Step = iota
	ByContactIndex
	ByConversationIndex
	ByPeerIndex
	ByPeerName
	ByAddress
)

// Resolution orders used by the command surface.
var (
	SendOrder         = []Step{ByContactName, ByContactIndex, ByAddress}
	PeerOrder         = []Step{ByPeerIndex}
	ConversationOrder = []Step{ByConversationIndex}
	ContactOrder      = []Step{ByContactName, ByContactIndex}
	AnyOrder          = []Step{ByContactName, ByContactIndex, ByConversationIndex, ByPeerIndex, ByPeerName, ByAddress}
)

type Target struct {
	Address string
	Via     Step
	Index   int
}

// Label is the best human name for an address: contact name, then
// announced display name, then a shortened address.
func (r *Registry) Label(address string) string {
	if c, ok := r.Contacts.ByAddress(address); ok {
		return c.Name
	}
	if name := r.Peers.DisplayName(address); name != "" {
		return name
	}
	return "<" + message.Short(address) + ">"
}

// Resolve interprets ref by trying each step in order. A numeric reference
// that names a retired index stops the search with ErrStaleReference rather
// than falling through to the next space.
func (r *Registry) Resolve(ref string, order []Step) (Target, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Target{}, ErrReferenceNotFound
	}
	idx, numErr := strconv.Atoi(ref)
	numeric := numErr == nil && idx > 0
	for _, step := range order {
		switch step {
		case ByContactName:
			if c, ok := r.Contacts.ByName(ref); ok {
				return Target{Address: c.Address, Via: step, Index: c.Index}, nil
			}
		case ByContactIndex:
			if !numeric {
				continue
			}
			c, err := r.Contacts.ByIndex(idx)
			if err == nil {
				return Target{Address: c.Address, Via: step, Index: c.Index}, nil
			}
			if errors.Is(err, ErrStaleReference) {
				return Target{}, err
			}
		case ByConversationIndex:
			if !numeric {
				continue
			}
			addr, err := r.Conversations.ByIndex(idx)
			if err == nil {
				return Target{Address: addr, Via: step, Index: idx}, nil
			}
			if errors.Is(err, ErrStaleReference) {
				return Target{}, err
			}
		case ByPeerIndex:
			if !numeric {
				continue
			}
			p, err := r.Peers.ByIndex(idx)
			if err == nil {
				return Target{Address: p.Address, Via: step, Index: p.Index}, nil
			}
			if errors.Is(err, ErrStaleReference) {
				return Target{}, err
			}
		case ByPeerName:
			if p, ok := r.Peers.ByDisplayName(ref); ok {
				return Target{Address: p.Address, Via: step, Index: p.Index}, nil
			}
		case ByAddress:
			if addr, err := message.ParseAddress(ref); err == nil {
				return Target{Address: addr, Via: step}, nil
			}
		}
	}
	return Target{}, fmt.Errorf("%q: %w", ref, ErrReferenceNotFound)
}
