// Package plugin loads, tracks and dispatches to plugins. A plugin sees the
// rest of the program only through the Host it is constructed with.
package plugin

import (
	"errors"

	"meshchat/internal/message"
	"meshchat/internal/registry"
)

var (
	ErrUnknownPlugin = errors.New("unknown plugin")
	ErrMissingHook   = errors.New("plugin does not define a required function")
	ErrForbidden     = errors.New("plugin imports a forbidden package")
)

// Plugin is the contract every plugin satisfies. OnMessage returning true
// suppresses the default notification and stops later plugins from seeing
// the message.
type Plugin interface {
	OnMessage(msg message.Message) (bool, error)
	HandleCommand(cmd string, args []string) error
}

// Closer is implemented by plugins that own goroutines or files.
type Closer interface {
	Close() error
}

// Host is the capability surface handed to plugins. All accessors return
// copies.
type Host interface {
	Send(ref, text string) error
	Resolve(ref string) (string, error)
	IsBlacklisted(address string) bool
	Address() string
	DisplayName() string
	Label(address string) string
	Contacts() []registry.Contact
	// AddContact saves a contact. Plugins can add but never remove or
	// rename contacts.
	AddContact(name, address string) (registry.Contact, error)
	Peers() []registry.Peer
	Messages() []message.Message
	Printf(format string, args ...any)
	Notify(from, text string)
}

// Factory describes a built-in plugin.
type Factory struct {
	Name        string
	Description string
	Commands    []string
	New         func(h Host) (Plugin, error)
}

const (
	SourceBuiltin = "builtin"
	SourceScript  = "script"
)

// Record is the operator-visible state of one plugin.
type Record struct {
	Name        string
	Description string
	Source      string
	Path        string
	Commands    []string
	Enabled     bool
	Loaded      bool
	Err         string
}

func (r Record) Status() string {
	switch {
	case r.Loaded && r.Enabled:
		return "loaded"
	case r.Loaded:
		return "disabled (pending reload)"
	case r.Enabled && r.Err != "":
		return "failed: " + r.Err
	case r.Enabled:
		return "enabled (pending reload)"
	default:
		return "disabled"
	}
}
