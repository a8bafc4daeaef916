package plugins

import (
	"sort"
	"strings"
	"sync"

	"meshchat/internal/message"
	"meshchat/internal/plugin"
)

// Keyword raises a notification when an inbound message mentions any of a
// set of words. Matching is substring based.
type Keyword struct {
	h plugin.Host

	mu            sync.Mutex
	words         map[string]bool
	caseSensitive bool
}

func KeywordFactory() plugin.Factory {
	return plugin.Factory{
		Name:        "keyword",
		Description: "Alert on specific keywords in messages",
		Commands:    []string{"keyword", "keywords"},
		New: func(h plugin.Host) (plugin.Plugin, error) {
			return &Keyword{h: h, words: make(map[string]bool)}, nil
		},
	}
}

// Matches returns the keywords found in text, sorted.
func (k *Keyword) Matches(text string) []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.caseSensitive {
		text = strings.ToLower(text)
	}
	var out []string
	for w := range k.words {
		needle := w
		if !k.caseSensitive {
			needle = strings.ToLower(w)
		}
		if strings.Contains(text, needle) {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}

func (k *Keyword) OnMessage(msg message.Message) (bool, error) {
	if msg.Direction != message.Inbound {
		return false, nil
	}
	found := k.Matches(msg.Content)
	if len(found) == 0 {
		return false, nil
	}
	from := k.h.Label(msg.Source)
	k.h.Printf("[keyword] %s mentioned: %s\n", from, strings.Join(found, ", "))
	k.h.Notify(from, preview(msg.Content, 60))
	return false, nil
}

func (k *Keyword) list() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]string, 0, len(k.words))
	for w := range k.words {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

func (k *Keyword) HandleCommand(cmd string, args []string) error {
	sub := firstArg(args)
	rest := ""
	if len(args) > 1 {
		rest = strings.TrimSpace(strings.Join(args[1:], " "))
	}
	switch sub {
	case "", "list":
		words := k.list()
		if len(words) == 0 {
			k.h.Printf("No keywords set\n")
			return nil
		}
		k.h.Printf("Active keywords:\n")
		for _, w := range words {
			k.h.Printf("  - %s\n", w)
		}
	case "add":
		if rest == "" {
			return usage("keyword add <word>")
		}
		k.mu.Lock()
		k.words[rest] = true
		n := len(k.words)
		k.mu.Unlock()
		k.h.Printf("Added keyword %q (%d total)\n", rest, n)
	case "remove", "rm":
		if rest == "" {
			return usage("keyword remove <word>")
		}
		k.mu.Lock()
		_, ok := k.words[rest]
		delete(k.words, rest)
		k.mu.Unlock()
		if !ok {
			k.h.Printf("Keyword %q not found\n", rest)
			return nil
		}
		k.h.Printf("Removed keyword %q\n", rest)
	case "clear":
		k.mu.Lock()
		n := len(k.words)
		k.words = make(map[string]bool)
		k.mu.Unlock()
		k.h.Printf("Cleared %d %s\n", n, plural(n, "keyword"))
	case "case":
		var on bool
		switch strings.ToLower(rest) {
		case "on":
			on = true
		case "off":
		default:
			return usage("keyword case on|off")
		}
		k.mu.Lock()
		k.caseSensitive = on
		k.mu.Unlock()
		if on {
			k.h.Printf("Keyword matching is case sensitive\n")
		} else {
			k.h.Printf("Keyword matching ignores case\n")
		}
	default:
		return usage("keyword [list|add <word>|remove <word>|clear|case on|off]")
	}
	return nil
}
