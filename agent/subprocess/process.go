package subprocess

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// State is the lifecycle state of a process. Values are stable because they are sent on the wire.
type State int

const (
	StateInit State = iota
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateRunning:
		return "Running"
	case StateExited:
		return "Exited"
	case StateFailed:
		return "Failed"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

type EventKind int

const (
	EventCompleted EventKind = iota
	EventStateChanged
	EventOutputReady
)

func (k EventKind) String() string {
	switch k {
	case EventCompleted:
		return "Completed"
	case EventStateChanged:
		return "StateChanged"
	case EventOutputReady:
		return "OutputReady"
	}
	return "EventKind(" + strconv.Itoa(int(k)) + ")"
}

// Event is one lifecycle or output notification. State is set for EventStateChanged, Stream for EventOutputReady.
type Event struct {
	Kind   EventKind
	State  State
	Stream string
}

// Options select process group handling and which output streams produce events.
type Options struct {
	SetPgrp    bool
	Stdout     bool
	Stderr     bool
	ChannelOut bool
}

const (
	StreamStdin  = "stdin"
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Process is a running (or finished) local process.
type Process struct {
	cmd     *Command
	execCmd *exec.Cmd
	pgrp    bool
	pid     int

	outputs  map[string]*outputStream
	inputs   map[string]*inputStream
	channels []io.Closer

	emitMu   sync.Mutex
	sink     func(Event)
	released bool

	mu        sync.Mutex
	reaped    bool
	completed bool
	status    int
}

// Spawn starts cmd and begins delivering events to sink. If Spawn fails, sink is never called.
func Spawn(cmd *Command, opts Options, sink func(Event)) (*Process, error) {
	if cmd.Argc() == 0 {
		return nil, fmt.Errorf("empty command: %w", unix.EINVAL)
	}
	stdinSize, err := cmd.BufSize(StreamStdin)
	if err != nil {
		return nil, err
	}

	c := exec.Command(cmd.Cmdline[0], cmd.Cmdline[1:]...)
	c.Dir = cmd.Cwd
	env := cmd.EnvList()
	if len(env) == 0 {
		env = os.Environ()
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: opts.SetPgrp}

	p := &Process{
		cmd:     cmd,
		execCmd: c,
		pgrp:    opts.SetPgrp,
		outputs: map[string]*outputStream{},
		inputs:  map[string]*inputStream{},
		sink:    sink,
		status:  -1,
	}

	var readers []func()
	var closeOnFailure []io.Closer
	var childEnds []*os.File
	fail := func(err error) (*Process, error) {
		for _, cl := range closeOnFailure {
			cl.Close()
		}
		for _, f := range childEnds {
			f.Close()
		}
		return nil, err
	}

	stdin, err := c.StdinPipe()
	if err != nil {
		return fail(fmt.Errorf("creating stdin pipe: %w", err))
	}
	closeOnFailure = append(closeOnFailure, stdin)
	p.inputs[StreamStdin] = newInputStream(StreamStdin, stdinSize, stdin, stdin.Close)

	// Output pipes are plain files so that Wait returns on reap, not when every writer has closed.
	for _, o := range []struct {
		name string
		want bool
		dst  *io.Writer
	}{
		{StreamStdout, opts.Stdout, &c.Stdout},
		{StreamStderr, opts.Stderr, &c.Stderr},
	} {
		if !o.want {
			continue
		}
		size, err := cmd.BufSize(o.name)
		if err != nil {
			return fail(err)
		}
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("creating %s pipe: %w", o.name, err))
		}
		closeOnFailure = append(closeOnFailure, r)
		childEnds = append(childEnds, w)
		*o.dst = w
		s := newOutputStream(o.name, size, false)
		p.outputs[o.name] = s
		run := p.outputRunner(s, r)
		readers = append(readers, func() {
			defer r.Close()
			run()
		})
	}

	for i, name := range cmd.Channels {
		if name == "" || name == StreamStdin || name == StreamStdout || name == StreamStderr {
			return fail(fmt.Errorf("invalid channel name %q: %w", name, unix.EINVAL))
		}
		if _, ok := p.inputs[name]; ok {
			return fail(fmt.Errorf("duplicate channel %q: %w", name, unix.EINVAL))
		}
		size, err := cmd.BufSize(name)
		if err != nil {
			return fail(err)
		}
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return fail(fmt.Errorf("creating channel %q: %w", name, err))
		}
		parent := os.NewFile(uintptr(fds[0]), name)
		child := os.NewFile(uintptr(fds[1]), name)
		childEnds = append(childEnds, child)

		conn, err := net.FileConn(parent)
		parent.Close()
		if err != nil {
			return fail(fmt.Errorf("wrapping channel %q: %w", name, err))
		}
		uc, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			return fail(fmt.Errorf("channel %q is not a unix socket: %w", name, unix.EINVAL))
		}
		closeOnFailure = append(closeOnFailure, uc)
		p.channels = append(p.channels, uc)

		c.ExtraFiles = append(c.ExtraFiles, child)
		env = append(env, name+"="+strconv.Itoa(3+i))

		p.inputs[name] = newInputStream(name, size, uc, uc.CloseWrite)
		s := newOutputStream(name, size, !opts.ChannelOut)
		p.outputs[name] = s
		readers = append(readers, p.outputRunner(s, uc))
	}
	c.Env = env

	if err := c.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			err = fmt.Errorf("%w: %w", err, unix.ENOENT)
		}
		return fail(fmt.Errorf("starting %q: %w", cmd.Cmdline[0], err))
	}
	for _, f := range childEnds {
		f.Close()
	}
	p.pid = c.Process.Pid

	p.emit(Event{Kind: EventStateChanged, State: StateRunning})

	for _, in := range p.inputs {
		go in.run()
	}

	var readersWG sync.WaitGroup
	for _, run := range readers {
		readersWG.Add(1)
		go func(run func()) {
			defer readersWG.Done()
			run()
		}(run)
	}

	go func() {
		_ = c.Wait()
		p.inputs[StreamStdin].stop()
		status := -1
		if c.ProcessState != nil {
			if ws, ok := c.ProcessState.Sys().(syscall.WaitStatus); ok {
				status = int(ws)
			}
		}
		p.mu.Lock()
		p.reaped = true
		p.status = status
		p.mu.Unlock()
		p.emit(Event{Kind: EventStateChanged, State: StateExited})

		// Descendants may hold the output pipes open after the process itself is gone.
		readersWG.Wait()
		for _, in := range p.inputs {
			in.stop()
		}
		for _, ch := range p.channels {
			ch.Close()
		}
		p.mu.Lock()
		p.completed = true
		p.mu.Unlock()
		p.emit(Event{Kind: EventCompleted})
	}()

	return p, nil
}

func (p *Process) outputRunner(s *outputStream, r io.Reader) func() {
	return func() {
		s.run(r, func() { p.emit(Event{Kind: EventOutputReady, Stream: s.name}) })
	}
}

func (p *Process) emit(ev Event) {
	p.emitMu.Lock()
	defer p.emitMu.Unlock()
	if p.released || p.sink == nil {
		return
	}
	p.sink(ev)
}

func (p *Process) PID() int { return p.pid }

func (p *Process) Command() *Command { return p.cmd }

// Status returns the raw wait status once the process has been reaped, and -1 before.
func (p *Process) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// ExitCode decodes Status. It is -1 if the process has not exited or was killed by a signal.
func (p *Process) ExitCode() int {
	return ExitCode(p.Status())
}

// Read returns everything currently buffered on stream. eof is reported once, after the last data.
func (p *Process) Read(stream string) ([]byte, bool, error) {
	s, ok := p.outputs[stream]
	if !ok {
		return nil, false, fmt.Errorf("no output stream %q: %w", stream, unix.EINVAL)
	}
	data, eof := s.read()
	return data, eof, nil
}

// Write buffers b for stream and returns how many bytes were accepted.
func (p *Process) Write(stream string, b []byte) (int, error) {
	s, ok := p.inputs[stream]
	if !ok {
		return 0, fmt.Errorf("no input stream %q: %w", stream, unix.EINVAL)
	}
	return s.write(b)
}

// Close closes stream once buffered data has been flushed.
func (p *Process) Close(stream string) error {
	s, ok := p.inputs[stream]
	if !ok {
		return fmt.Errorf("no input stream %q: %w", stream, unix.EINVAL)
	}
	return s.close()
}

// Kill sends sig to the process group, or to the process if it was not given its own group.
// A group can still be signalled after the process is reaped, until its output has closed.
func (p *Process) Kill(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.completed || (p.reaped && !p.pgrp) {
		return unix.ESRCH
	}
	pid := p.pid
	if p.pgrp {
		pid = -pid
	}
	return unix.Kill(pid, sig)
}

// Release stops event delivery and discards any further output.
// Buffered input is dropped and the input streams are closed.
func (p *Process) Release() {
	p.emitMu.Lock()
	p.released = true
	p.emitMu.Unlock()
	for _, s := range p.outputs {
		s.drop()
	}
	for _, s := range p.inputs {
		s.stop()
	}
}

// ExitCode decodes a raw wait status into an exit code, or -1 if the process did not exit normally.
func ExitCode(status int) int {
	if status < 0 {
		return -1
	}
	ws := syscall.WaitStatus(status)
	if !ws.Exited() {
		return -1
	}
	return ws.ExitStatus()
}

// Signaled decodes a raw wait status into the terminating signal, if any.
func Signaled(status int) (syscall.Signal, bool) {
	if status < 0 {
		return 0, false
	}
	ws := syscall.WaitStatus(status)
	if !ws.Signaled() {
		return 0, false
	}
	return ws.Signal(), true
}
