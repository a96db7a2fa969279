// Package pty provides a thin abstraction over the operating system's
// pseudo-terminal facility. Workers own at most one Handle; a Handle carries
// exactly one data callback and one exit callback, and setting a callback
// replaces any previous one.
package pty

import (
	"os/exec"
)

// SpawnOptions configures a PTY spawn.
type SpawnOptions struct {
	Dir  string
	Env  map[string]string
	Cols uint16
	Rows uint16
}

// ExitStatus describes how a PTY child process terminated. Code is resolved
// from the raw wait status: when the platform reports no exit code but a
// terminating signal, Code is 128+signal; when neither is known, Code is -1.
type ExitStatus struct {
	Code   int
	Signal string
}

// DataFunc receives raw output chunks in emission order.
type DataFunc func(data []byte)

// ExitFunc receives the final exit status exactly once.
type ExitFunc func(status ExitStatus)

// Handle is a live pseudo-terminal attached to a child process.
//
// OnData/OnExit are overwrite-not-append: each setter stores a single optional
// function reference, so there is never more than one consumer per handle.
type Handle interface {
	// Write sends input bytes to the child process.
	Write(data []byte) (int, error)
	// Resize changes the PTY window size.
	Resize(cols, rows uint16) error
	// Kill terminates the child process. The exit callback fires
	// asynchronously once the process has been reaped.
	Kill() error
	// Pid returns the child process id, or 0 if unknown.
	Pid() int
	// SetOnData replaces the data callback. Passing nil detaches it.
	SetOnData(fn DataFunc)
	// SetOnExit replaces the exit callback. Passing nil detaches it.
	SetOnExit(fn ExitFunc)
	// Close releases the PTY file descriptor without killing the child.
	Close() error
}

// Provider spawns commands attached to pseudo-terminals.
type Provider interface {
	Spawn(command string, args []string, opts SpawnOptions) (Handle, error)
}

// mergeEnv combines the current process environment with overrides.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	merged = append(merged, base...)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// buildCommand constructs the exec.Cmd for a spawn request.
func buildCommand(command string, args []string, opts SpawnOptions, environ []string) *exec.Cmd {
	cmd := exec.Command(command, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	cmd.Env = mergeEnv(environ, opts.Env)
	return cmd
}
