package plugins

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"meshchat/internal/message"
	"meshchat/internal/plugin"
)

const DefaultAwayMessage = "I'm currently away. I'll reply when I'm back!"

// Away answers each sender once while the operator is away.
type Away struct {
	h   plugin.Host
	now func() time.Time

	mu      sync.Mutex
	away    bool
	text    string
	since   time.Time
	replied map[string]bool
}

func AwayFactory() plugin.Factory {
	return plugin.Factory{
		Name:        "away",
		Description: "Auto-reply when away from keyboard",
		Commands:    []string{"away", "back"},
		New: func(h plugin.Host) (plugin.Plugin, error) {
			return newAway(h, time.Now), nil
		},
	}
}

func newAway(h plugin.Host, now func() time.Time) *Away {
	return &Away{h: h, now: now, text: DefaultAwayMessage, replied: make(map[string]bool)}
}

func (a *Away) OnMessage(msg message.Message) (bool, error) {
	if msg.Direction != message.Inbound || a.h.IsBlacklisted(msg.Source) {
		return false, nil
	}
	a.mu.Lock()
	if !a.away || a.replied[msg.Source] {
		a.mu.Unlock()
		return false, nil
	}
	a.replied[msg.Source] = true
	mins := int(a.now().Sub(a.since).Minutes())
	reply := fmt.Sprintf("%s\n\n(away for %d %s)", a.text, mins, plural(mins, "minute"))
	a.mu.Unlock()

	if err := a.h.Send(msg.Source, reply); err != nil {
		// let the next message try again
		a.mu.Lock()
		delete(a.replied, msg.Source)
		a.mu.Unlock()
		return false, err
	}
	a.h.Printf("[away] auto-replied to %s\n", a.h.Label(msg.Source))
	return false, nil
}

func (a *Away) HandleCommand(cmd string, args []string) error {
	switch cmd {
	case "away":
		a.mu.Lock()
		if len(args) > 0 {
			a.text = strings.Join(args, " ")
		}
		a.away = true
		a.since = a.now()
		a.replied = make(map[string]bool)
		text := a.text
		a.mu.Unlock()
		a.h.Printf("Away mode on: %q\n", text)
	case "back":
		a.mu.Lock()
		was := a.away
		mins := int(a.now().Sub(a.since).Minutes())
		n := len(a.replied)
		a.away = false
		a.replied = make(map[string]bool)
		a.mu.Unlock()
		if !was {
			a.h.Printf("You were not away\n")
			return nil
		}
		a.h.Printf("Welcome back! Away for %d %s, auto-replied to %d %s\n",
			mins, plural(mins, "minute"), n, plural(n, "sender"))
	}
	return nil
}
