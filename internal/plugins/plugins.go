// Package plugins holds the plugins compiled into the binary. Each one sees
// the program only through plugin.Host.
package plugins

import (
	"errors"
	"strings"

	"meshchat/internal/plugin"
)

var ErrUsage = errors.New("usage")

// Builtins returns a fresh factory list. Scripts with the same names are
// shadowed by these.
func Builtins() []plugin.Factory {
	return []plugin.Factory{
		EchoFactory(),
		AwayFactory(),
		KeywordFactory(),
		SchedulerFactory(SchedulerOptions{}),
		ShareFactory(),
		EmojiFactory(),
	}
}

func usage(text string) error {
	return errors.Join(ErrUsage, errors.New(text))
}

// preview shortens s to n runes, marking the cut.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return strings.ToLower(args[0])
}
