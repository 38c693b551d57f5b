package main

import "time"

// GlobalFlags holds persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

// ServeFlags holds flags for the serve command. Zero values defer to the
// config file / environment.
type ServeFlags struct {
	ConfigPath string
	Bind       string
	Port       int
	Workers    int
	Upstream   string
}

// ClientFlags holds flags for commands that talk to a running pool over its
// control API.
type ClientFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// StopFlags extends ClientFlags with shutdown options.
type StopFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Force      bool
}
