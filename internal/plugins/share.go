package plugins

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"meshchat/internal/message"
	"meshchat/internal/plugin"
	"meshchat/internal/registry"
)

const cardHeader = `╔══════════════════════════════════╗
║        CONTACT CARD              ║
╚══════════════════════════════════╝`

var (
	cardPattern        = regexp.MustCompile(`(?s)\nName:[ \t]*([^\n]+?)[ \t]*\n.*?\n(?:LXMF )?Address:[ \t]*\n[ \t]*<?([0-9a-fA-F]{32})>?`)
	cardDisplayPattern = regexp.MustCompile(`\nDisplay Name:[ \t]*([^\n]+?)[ \t]*\n`)
)

// Card is a contact shared inside a message body.
type Card struct {
	Name        string
	DisplayName string
	Address     string
}

// FormatCard renders c as the plain-text block other clients recognize.
func FormatCard(c Card) string {
	var b strings.Builder
	b.WriteString(cardHeader)
	b.WriteString("\n\nName: " + c.Name)
	if c.DisplayName != "" && c.DisplayName != c.Name {
		b.WriteString("\nDisplay Name: " + c.DisplayName)
	}
	fmt.Fprintf(&b, "\n\nAddress:\n%s\n\n", c.Address)
	b.WriteString("────────────────────────────────────\n")
	fmt.Fprintf(&b, "To add this contact, use:\nadd %s %s\n\n", c.Name, c.Address)
	b.WriteString("Or type 'import' to add automatically\n")
	b.WriteString("────────────────────────────────────")
	return b.String()
}

// ParseCard extracts a contact card from a message body.
func ParseCard(text string) (Card, bool) {
	if !strings.Contains(text, "CONTACT CARD") {
		return Card{}, false
	}
	m := cardPattern.FindStringSubmatch(text)
	if m == nil {
		return Card{}, false
	}
	addr, err := message.ParseAddress(m[2])
	if err != nil {
		return Card{}, false
	}
	c := Card{Name: strings.TrimSpace(m[1]), Address: addr}
	if d := cardDisplayPattern.FindStringSubmatch(text); d != nil {
		c.DisplayName = strings.TrimSpace(d[1])
	}
	return c, true
}

// Share sends contact cards and imports the ones it receives. Import only
// adds; an address already saved is left as it is.
type Share struct {
	h plugin.Host
}

func ShareFactory() plugin.Factory {
	return plugin.Factory{
		Name:        "share_contact",
		Description: "Share and import contacts",
		Commands:    []string{"share", "sharecontact", "import", "importcontact"},
		New: func(h plugin.Host) (plugin.Plugin, error) {
			return &Share{h: h}, nil
		},
	}
}

func (s *Share) OnMessage(msg message.Message) (bool, error) {
	if msg.Direction != message.Inbound {
		return false, nil
	}
	c, ok := ParseCard(msg.Content)
	if !ok {
		return false, nil
	}
	s.h.Printf("[share] %s sent a contact card for %s\n", s.h.Label(msg.Source), c.Name)
	s.h.Printf("Type 'import' to add this contact\n")
	return false, nil
}

func (s *Share) HandleCommand(cmd string, args []string) error {
	switch cmd {
	case "share", "sharecontact":
		return s.share(args)
	default:
		return s.importCard(args)
	}
}

func (s *Share) share(args []string) error {
	if len(args) < 2 {
		return usage("share <contact> <recipient>")
	}
	c, err := s.contact(args[0])
	if err != nil {
		return err
	}
	to, err := s.h.Resolve(strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	card := Card{Name: c.Name, Address: c.Address}
	for _, p := range s.h.Peers() {
		if p.Address == c.Address {
			card.DisplayName = p.DisplayName
			break
		}
	}
	if err := s.h.Send(to, FormatCard(card)); err != nil {
		return err
	}
	s.h.Printf("Contact card for %s sent to %s\n", c.Name, s.h.Label(to))
	return nil
}

// contact finds a saved contact by index or name.
func (s *Share) contact(ref string) (registry.Contact, error) {
	idx, numErr := strconv.Atoi(ref)
	for _, c := range s.h.Contacts() {
		if (numErr == nil && c.Index == idx) || strings.EqualFold(c.Name, ref) {
			return c, nil
		}
	}
	return registry.Contact{}, fmt.Errorf("contact %q: %w", ref, registry.ErrReferenceNotFound)
}

func (s *Share) importCard(args []string) error {
	msgs := s.h.Messages()
	var (
		card  Card
		found bool
	)
	for i := len(msgs) - 1; i >= 0 && !found; i-- {
		if msgs[i].Direction == message.Inbound {
			card, found = ParseCard(msgs[i].Content)
		}
	}
	if !found {
		return errors.New("no contact card in received messages")
	}
	if card.Address == s.h.Address() {
		s.h.Printf("That card is your own address\n")
		return nil
	}
	for _, c := range s.h.Contacts() {
		if c.Address == card.Address {
			s.h.Printf("Already saved as %s [#%d]\n", c.Name, c.Index)
			return nil
		}
	}
	name := card.Name
	if len(args) > 0 {
		name = args[0]
	}
	c, err := s.h.AddContact(name, card.Address)
	if err != nil {
		return err
	}
	s.h.Printf("Contact imported: %s [#%d]\n", c.Name, c.Index)
	if card.DisplayName != "" && card.DisplayName != c.Name {
		s.h.Printf("  Display name: %s\n", card.DisplayName)
	}
	return nil
}
