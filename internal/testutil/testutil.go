package testutil

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"meshchat/internal/message"
	"meshchat/internal/registry"
)

const DefaultTimeout = 2 * time.Second

// WithTimeout runs fn and fails the test if it does not return within d.
func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}

// WaitFor polls cond until it holds or d elapses.
func WaitFor(t testing.TB, d time.Duration, cond func() bool) {
	t.Helper()
	if d <= 0 {
		d = DefaultTimeout
	}
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met after %s", d)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Sent is one call to Host.Send.
type Sent struct {
	Ref  string
	Text string
}

// Host is an in-memory plugin host that records what plugins do.
type Host struct {
	mu          sync.Mutex
	Self        string
	Name        string
	Blocked     map[string]bool
	Refs        map[string]string
	ContactList []registry.Contact
	PeerList    []registry.Peer
	Log         []message.Message
	SendErr     error

	sent     []Sent
	printed  []string
	notified []string
}

func NewHost() *Host {
	return &Host{
		Self:    "00000000000000000000000000000001",
		Name:    "Tester",
		Blocked: make(map[string]bool),
		Refs:    make(map[string]string),
	}
}

func (h *Host) Send(ref, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SendErr != nil {
		return h.SendErr
	}
	h.sent = append(h.sent, Sent{Ref: ref, Text: text})
	return nil
}

func (h *Host) Resolve(ref string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if addr, ok := h.Refs[ref]; ok {
		return addr, nil
	}
	if addr, err := message.ParseAddress(ref); err == nil {
		return addr, nil
	}
	return "", fmt.Errorf("%q: %w", ref, registry.ErrReferenceNotFound)
}

func (h *Host) IsBlacklisted(address string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Blocked[address]
}

func (h *Host) Address() string     { return h.Self }
func (h *Host) DisplayName() string { return h.Name }

func (h *Host) Label(address string) string {
	return "<" + message.Short(address) + ">"
}

func (h *Host) Contacts() []registry.Contact {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]registry.Contact(nil), h.ContactList...)
}

// AddContact appends to ContactList with the next index, enforcing the
// same uniqueness rules as the real book.
func (h *Host) AddContact(name, address string) (registry.Contact, error) {
	addr, err := message.ParseAddress(address)
	if err != nil {
		return registry.Contact{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	next := 1
	for _, c := range h.ContactList {
		if strings.EqualFold(c.Name, name) {
			return registry.Contact{}, registry.ErrDuplicateName
		}
		if c.Address == addr {
			return registry.Contact{}, registry.ErrDuplicateAddress
		}
		if c.Index >= next {
			next = c.Index + 1
		}
	}
	c := registry.Contact{Name: name, Address: addr, Index: next, AddedAt: time.Now().UTC()}
	h.ContactList = append(h.ContactList, c)
	return c, nil
}

func (h *Host) Peers() []registry.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]registry.Peer(nil), h.PeerList...)
}

func (h *Host) Messages() []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]message.Message(nil), h.Log...)
}

func (h *Host) Printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.printed = append(h.printed, fmt.Sprintf(format, args...))
}

func (h *Host) Notify(from, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified = append(h.notified, from+": "+text)
}

func (h *Host) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

// Output is everything printed so far, joined.
func (h *Host) Output() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return strings.Join(h.printed, "")
}

func (h *Host) Notified() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notified...)
}
