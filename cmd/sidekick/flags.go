package main

import "time"

// GlobalFlags are shared by every client subcommand.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
	Insecure   bool
}

// ServeFlags Flag structs to decouple cobra from logic for testing.
type ServeFlags struct {
	ConfigPath string
	Start      bool
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type InputFlags struct {
	Text string
}

type EventsFlags struct {
	Streams []string
	// Count stops after this many events; zero streams until interrupted.
	Count int
}

type JournalFlags struct {
	Limit int
}
