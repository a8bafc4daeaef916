package plugins

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"meshchat/internal/message"
	"meshchat/internal/plugin"
)

type emojiEntry struct {
	Glyph string
	Name  string
}

var emojiTable = []emojiEntry{
	{"😊", "Happy"}, {"😂", "Laughing"}, {"😍", "Love"}, {"😎", "Cool"},
	{"😢", "Sad"}, {"😭", "Crying"}, {"😡", "Angry"}, {"😱", "Shocked"},
	{"🤔", "Thinking"}, {"😴", "Sleepy"},
	{"👍", "Thumbs Up"}, {"👎", "Thumbs Down"}, {"👌", "OK"}, {"✌️", "Peace"},
	{"🤝", "Handshake"}, {"👋", "Wave"}, {"🙏", "Pray/Thanks"}, {"💪", "Strong"},
	{"❤️", "Heart"}, {"💔", "Broken Heart"}, {"💯", "100"}, {"🔥", "Fire"},
	{"⚡", "Lightning"}, {"✨", "Sparkles"}, {"⭐", "Star"}, {"💫", "Dizzy"},
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🐻", "Bear"}, {"🦊", "Fox"},
	{"🐧", "Penguin"}, {"🦄", "Unicorn"},
	{"🍕", "Pizza"}, {"🍔", "Burger"}, {"🍺", "Beer"}, {"☕", "Coffee"},
	{"🍰", "Cake"}, {"🍎", "Apple"}, {"🍉", "Watermelon"}, {"🌮", "Taco"},
	{"⚽", "Soccer"}, {"🏀", "Basketball"}, {"🎮", "Gaming"}, {"🎵", "Music"},
	{"🎬", "Movie"}, {"📚", "Books"},
	{"🚗", "Car"}, {"✈️", "Airplane"}, {"🚀", "Rocket"}, {"🏠", "Home"},
	{"🌍", "Earth"}, {"🗺️", "Map"},
	{"💻", "Laptop"}, {"📱", "Phone"}, {"⌚", "Watch"}, {"💡", "Idea"},
	{"🔧", "Tool"}, {"🔋", "Battery"},
	{"🌞", "Sun"}, {"🌙", "Moon"}, {"🌈", "Rainbow"}, {"🌸", "Flower"},
	{"🌲", "Tree"}, {"🌊", "Ocean"},
	{"🎉", "Party"}, {"🎁", "Gift"}, {"💰", "Money"}, {"⏰", "Clock"},
	{"📅", "Calendar"}, {"✅", "Check"},
}

var errNoRecentSender = errors.New("no recent conversation, name a recipient")

// Emoji sends one emoji from a numbered table. Without a recipient it
// answers whoever wrote last.
type Emoji struct {
	h    plugin.Host
	pick func(n int) int
}

func EmojiFactory() plugin.Factory {
	return plugin.Factory{
		Name:        "emoji",
		Description: "Browse and send emoji easily",
		Commands:    []string{"emoji", "emo", "emoticon"},
		New: func(h plugin.Host) (plugin.Plugin, error) {
			return &Emoji{h: h, pick: rand.IntN}, nil
		},
	}
}

func (e *Emoji) OnMessage(message.Message) (bool, error) { return false, nil }

func (e *Emoji) HandleCommand(cmd string, args []string) error {
	if len(args) == 0 || firstArg(args) == "list" {
		e.list(emojiTable, "")
		return nil
	}
	if n, err := strconv.Atoi(args[0]); err == nil {
		if n < 1 || n > len(emojiTable) {
			return usage(fmt.Sprintf("%s <1-%d> [recipient]", cmd, len(emojiTable)))
		}
		return e.send(n, args[1:])
	}
	switch firstArg(args) {
	case "search":
		if len(args) < 2 {
			return usage(cmd + " search <keyword>")
		}
		e.list(emojiTable, strings.ToLower(strings.Join(args[1:], " ")))
		return nil
	case "random":
		return e.send(e.pick(len(emojiTable))+1, args[1:])
	default:
		return usage(cmd + " [<#> [recipient] | search <keyword> | random [recipient]]")
	}
}

func (e *Emoji) list(table []emojiEntry, keyword string) {
	shown := 0
	var b strings.Builder
	for i, em := range table {
		if keyword != "" && !strings.Contains(strings.ToLower(em.Name), keyword) {
			continue
		}
		fmt.Fprintf(&b, "[%2d] %s  %-14s", i+1, em.Glyph, em.Name)
		shown++
		if shown%4 == 0 {
			b.WriteString("\n")
		}
	}
	if shown == 0 {
		e.h.Printf("No emoji match %q\n", keyword)
		return
	}
	if shown%4 != 0 {
		b.WriteString("\n")
	}
	e.h.Printf("%sSend with: emo <#> [recipient]\n", b.String())
}

func (e *Emoji) send(n int, rest []string) error {
	em := emojiTable[n-1]
	var to string
	if len(rest) > 0 {
		addr, err := e.h.Resolve(strings.Join(rest, " "))
		if err != nil {
			return err
		}
		to = addr
	} else {
		msgs := e.h.Messages()
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Direction == message.Inbound {
				to = msgs[i].Source
				break
			}
		}
		if to == "" {
			return errNoRecentSender
		}
	}
	if err := e.h.Send(to, em.Glyph); err != nil {
		return err
	}
	e.h.Printf("%s (%s) sent to %s\n", em.Glyph, em.Name, e.h.Label(to))
	return nil
}
