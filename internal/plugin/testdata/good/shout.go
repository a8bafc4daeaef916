package main

import (
	"strings"

	"meshchat/host"
)

func Description() string { return "Shouts its arguments back" }

func Commands() []string { return []string{"shout"} }

func OnMessage(m host.Message) bool {
	if m.Direction != host.Inbound {
		return false
	}
	return strings.Contains(m.Content, "quiet")
}

func HandleCommand(cmd string, args []string) error {
	host.Printf("%s!\n", strings.ToUpper(strings.Join(args, " ")))
	return nil
}
