package config

import "time"

// SupervisorsConfig groups the LSP Supervisor and Terminal/Shell Supervisor
// subsystems, both of which manage long-lived child processes on behalf of
// a session.
type SupervisorsConfig struct {
	LSP      LSPSupervisorConfig      `yaml:"lsp"`
	Terminal TerminalSupervisorConfig `yaml:"terminal"`
}

// LSPSupervisorConfig controls language server lifecycle management.
type LSPSupervisorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Servers maps a language identifier (e.g. "go", "typescript") to the
	// server invoked for files of that language.
	Servers map[string]LSPServerConfig `yaml:"servers"`

	// StartTimeout bounds how long a server may take to complete its
	// initialize handshake before the supervisor gives up.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// RequestTimeout bounds any single request/response round trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LSPServerConfig describes how to launch one language server.
type LSPServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`

	// RootGlobs are file globs used to detect a workspace root for this
	// server when none is supplied explicitly.
	RootGlobs []string `yaml:"root_globs"`
}

// TerminalSupervisorConfig controls the pty-backed shell supervisor.
type TerminalSupervisorConfig struct {
	Enabled bool `yaml:"enabled"`

	// Shell is the executable launched for new terminal sessions.
	Shell string `yaml:"shell"`

	// MaxSessions caps concurrent terminal sessions per workspace.
	MaxSessions int `yaml:"max_sessions"`

	// OutputBufferBytes caps the in-memory scrollback retained per session.
	OutputBufferBytes int `yaml:"output_buffer_bytes"`

	// IdleTimeout closes a terminal session that has had no input or
	// output activity for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}
