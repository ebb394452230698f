package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Lenient    bool
}

// RunFlags holds flags for run and serve.
type RunFlags struct {
	ConfigPath    string
	Lenient       bool
	Listen        string
	MetricsListen string
	LogLevel      string
	// Serve forces the control API on, at DefaultAPIListen when unset.
	Serve bool
	// Daemonize re-executes tether in the background (serve only).
	Daemonize bool
	PidFile   string
	LogFile   string
}

// APIFlags selects the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

// ProcessFlags holds flags for start, stop, restart and status.
type ProcessFlags struct {
	APIFlags
	Name string
	Wait time.Duration
}

// DumpFlags holds flags for dump.
type DumpFlags struct {
	Format string
}
