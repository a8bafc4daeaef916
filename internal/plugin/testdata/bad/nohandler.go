package main

import "meshchat/host"

func Description() string { return "forgot HandleCommand" }

func Commands() []string { return nil }

func OnMessage(m host.Message) bool { return false }
