package main

func Description() string { return "not loaded" }
