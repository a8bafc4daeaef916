package plugins

import (
	"strings"
	"sync"

	"meshchat/internal/message"
	"meshchat/internal/plugin"
)

// Echo replies to every inbound message with its own content while on.
// It starts off.
type Echo struct {
	h plugin.Host

	mu sync.Mutex
	on bool
}

func EchoFactory() plugin.Factory {
	return plugin.Factory{
		Name:        "echo",
		Description: "Auto-reply bot that echoes received messages",
		Commands:    []string{"echo"},
		New: func(h plugin.Host) (plugin.Plugin, error) {
			return &Echo{h: h}, nil
		},
	}
}

func (e *Echo) On() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.on
}

func (e *Echo) OnMessage(msg message.Message) (bool, error) {
	if msg.Direction != message.Inbound || !e.On() {
		return false, nil
	}
	if strings.TrimSpace(msg.Content) == "" || e.h.IsBlacklisted(msg.Source) {
		return false, nil
	}
	if err := e.h.Send(msg.Source, "Echo: "+msg.Content); err != nil {
		return false, err
	}
	e.h.Printf("[echo] replied to %s\n", e.h.Label(msg.Source))
	return false, nil
}

func (e *Echo) HandleCommand(cmd string, args []string) error {
	switch firstArg(args) {
	case "on":
		e.mu.Lock()
		e.on = true
		e.mu.Unlock()
		e.h.Printf("Echo bot enabled\n")
	case "off":
		e.mu.Lock()
		e.on = false
		e.mu.Unlock()
		e.h.Printf("Echo bot disabled\n")
	case "", "status":
		state := "off"
		if e.On() {
			state = "on"
		}
		e.h.Printf("Echo bot is %s\n", state)
	default:
		return usage("echo on|off|status")
	}
	return nil
}
