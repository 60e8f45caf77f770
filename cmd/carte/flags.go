package main

import "time"

const (
	defaultAPIURL  = "http://localhost:8081/kettle"
	defaultTimeout = 10 * time.Second
)

// GlobalFlags connect remote commands to a server.
type GlobalFlags struct {
	APIUrl   string
	User     string
	Password string
	Timeout  time.Duration
	Insecure bool
	JSON     bool
}

type ServeFlags struct {
	Daemonize bool
	LogFile   string
}

// ExecFlags select an execution and carry add/run options.
type ExecFlags struct {
	Name     string
	ID       string
	LogLevel string
	Params   []string
	Vars     []string
	From     uint64
}

type SniffFlags struct {
	Trans  string
	ID     string
	Step   string
	Copy   int
	Type   string
	Buffer int
	Lines  int
	Watch  time.Duration
	Stop   bool
}

type HashFlags struct {
	Cost int
}
