package pipeline

import (
	"context"

	"meshchat/internal/message"
	"meshchat/internal/notify"
	"meshchat/internal/registry"
)

// Host is the capability surface plugins get. Every accessor hands out a
// copy.
type Host struct {
	p *Pipeline
}

func (p *Pipeline) Host() *Host { return &Host{p: p} }

func (h *Host) Send(ref, text string) error {
	addr, err := h.Resolve(ref)
	if err != nil {
		return err
	}
	_, _, err = h.p.Send(context.Background(), addr, text)
	return err
}

// Resolve accepts anything the operator could type: a contact name or
// index, a conversation or peer index, a display name or an address.
func (h *Host) Resolve(ref string) (string, error) {
	t, err := h.p.reg.Resolve(ref, registry.AnyOrder)
	if err != nil {
		return "", err
	}
	return t.Address, nil
}

func (h *Host) IsBlacklisted(address string) bool {
	return h.p.bl != nil && h.p.bl.Contains(message.NormalizeAddress(address))
}

func (h *Host) Address() string { return h.p.tr.Address() }

func (h *Host) DisplayName() string { return h.p.cfg.Get().DisplayName }

func (h *Host) Label(address string) string { return h.p.reg.Label(address) }

func (h *Host) Contacts() []registry.Contact { return h.p.reg.Contacts.List() }

func (h *Host) AddContact(name, address string) (registry.Contact, error) {
	return h.p.reg.Contacts.Add(name, address)
}

func (h *Host) Peers() []registry.Peer { return h.p.reg.Peers.List() }

func (h *Host) Messages() []message.Message { return h.p.msgs.all() }

func (h *Host) Printf(format string, args ...any) { h.p.con.Printf(format, args...) }

// Notify raises a notification on the operator's enabled channels.
func (h *Host) Notify(from, text string) {
	if h.p.notify == nil {
		return
	}
	h.p.notify.Notify(notify.Notification{From: from, Preview: text})
}
