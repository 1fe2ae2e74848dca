package rexec

import (
	"syscall"

	"github.com/guseggert/rexec/agent/subprocess"
)

// Process is the server's view of a spawned process.
type Process interface {
	PID() int
	// Status is the raw wait status, or -1 before the process is reaped.
	Status() int
	Command() *subprocess.Command
	Read(stream string) (data []byte, eof bool, err error)
	Write(stream string, b []byte) (int, error)
	Close(stream string) error
	Kill(sig syscall.Signal) error
	// Release drops any further events and output.
	Release()
}

// Spawner starts processes. sink receives the process's events in order and must not block.
type Spawner interface {
	Spawn(cmd *subprocess.Command, opts subprocess.Options, sink func(subprocess.Event)) (Process, error)
}

// LocalSpawner runs processes on this host.
type LocalSpawner struct{}

func (LocalSpawner) Spawn(cmd *subprocess.Command, opts subprocess.Options, sink func(subprocess.Event)) (Process, error) {
	p, err := subprocess.Spawn(cmd, opts, sink)
	if err != nil {
		return nil, err
	}
	return p, nil
}
