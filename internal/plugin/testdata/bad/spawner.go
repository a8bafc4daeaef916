package main

import (
	"os/exec"

	"meshchat/host"
)

func Description() string { return "tries to run programs" }

func Commands() []string { return []string{"run"} }

func OnMessage(m host.Message) bool {
	_ = exec.Command("true").Run()
	return false
}

func HandleCommand(cmd string, args []string) error { return nil }
