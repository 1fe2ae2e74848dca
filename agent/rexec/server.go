package rexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/guseggert/rexec/agent/bus"
	"github.com/guseggert/rexec/agent/ioencode"
	"github.com/guseggert/rexec/agent/subprocess"
	"github.com/guseggert/rexec/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	DefaultServiceName = "rexec"
	DefaultURIEnvVar   = "REXEC_URI"
)

var (
	// ErrAlreadyShuttingDown is returned by a second call to Shutdown.
	ErrAlreadyShuttingDown = &bus.Error{Errno: unix.EINVAL, Text: "subprocess server is already shutting down"}
	// ErrServerClosed is returned once the server has been closed.
	ErrServerClosed = errors.New("rexec server closed")
	// ErrNotRunning is returned by Shutdown when Run has not been started.
	ErrNotRunning = errors.New("rexec server is not running")
)

// AuthFunc approves or rejects a request. The returned error's text is sent to the requester.
type AuthFunc func(msg *bus.Message, arg any) error

// Server runs processes on behalf of remote requesters.
//
// All server state is owned by the goroutine running Run: requests, process events, Shutdown and Close
// are queued to it and handled one at a time, each to completion.
type Server struct {
	log      *zap.SugaredLogger
	resp     bus.Responder
	spawner  Spawner
	localURI string
	uriEnv   string
	rank     uint32
	rankStr  string
	service  string

	authFn  AuthFunc
	authArg any

	// owned by the loop
	registry registry
	shutdown *ShutdownHandle
	closed   bool

	inbox     *queue.Queue[any]
	started   atomic.Bool
	stopped   chan struct{}
	closeOnce sync.Once
}

type Option func(s *Server)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l.Named("rexec_server")
	}
}

func WithSpawner(sp Spawner) Option {
	return func(s *Server) {
		s.spawner = sp
	}
}

// WithAuth sets the callback consulted for exec, kill and list requests. arg is passed through to it.
func WithAuth(fn AuthFunc, arg any) Option {
	return func(s *Server) {
		s.authFn = fn
		s.authArg = arg
	}
}

// WithServiceName sets the topic prefix, so requests arrive as "<name>.exec" and so on.
func WithServiceName(name string) Option {
	return func(s *Server) {
		s.service = name
	}
}

// WithURIEnvVar sets the environment variable that carries the local URI to spawned processes.
func WithURIEnvVar(name string) Option {
	return func(s *Server) {
		s.uriEnv = name
	}
}

// procEvent is a process event tagged with the record it belongs to.
type procEvent struct {
	rec *proc
	ev  subprocess.Event
}

// call runs fn on the loop.
type call struct {
	fn   func()
	done chan struct{}
}

// NewServer constructs a server that answers requests through resp.
// localURI is handed to every spawned process so it can reach the bus.
func NewServer(resp bus.Responder, localURI string, rank uint32, opts ...Option) (*Server, error) {
	if resp == nil || localURI == "" {
		return nil, fmt.Errorf("responder and local URI are required: %w", unix.EINVAL)
	}
	s := &Server{
		log:      zap.NewNop().Sugar(),
		resp:     resp,
		spawner:  LocalSpawner{},
		localURI: localURI,
		uriEnv:   DefaultURIEnvVar,
		rank:     rank,
		rankStr:  strconv.FormatUint(uint64(rank), 10),
		service:  DefaultServiceName,
		inbox:    queue.New[any](),
		stopped:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Topic returns the full topic for a method, such as "rexec.exec".
func (s *Server) Topic(method string) string {
	return s.service + "." + method
}

// Deliver queues a request for the loop. It never blocks.
func (s *Server) Deliver(msg *bus.Message) {
	if !s.inbox.Push(msg) {
		s.log.Debugw("dropping message for closed server", "Topic", msg.Topic, "Sender", msg.Sender)
	}
}

// Disconnected tells the server a requester has gone away, so its processes are killed.
func (s *Server) Disconnected(sender string) {
	s.Deliver(&bus.Message{Topic: s.Topic("disconnect"), Sender: sender})
}

// Run handles requests and process events until ctx is done or Close is called.
// Cancelling ctx destroys the server as Close does.
func (s *Server) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("rexec server already started")
	}
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.destroy()
			return ctx.Err()
		case ev, ok := <-s.inbox.Out():
			if !ok {
				return nil
			}
			s.dispatch(ev)
			if s.closed {
				return nil
			}
		}
	}
}

// Close kills every remaining process, releases them and stops the loop.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		if s.started.CompareAndSwap(false, true) {
			s.destroy()
			close(s.stopped)
			return
		}
		s.call(s.destroy)
		<-s.stopped
	})
	return nil
}

// Shutdown signals every process with signum and returns a handle that completes once all of them are gone.
// It fails if a shutdown is already outstanding, or with ErrNotRunning before Run.
func (s *Server) Shutdown(signum syscall.Signal) (*ShutdownHandle, error) {
	if !s.started.Load() {
		return nil, ErrNotRunning
	}
	var h *ShutdownHandle
	var err error
	if !s.call(func() { h, err = s.startShutdown(signum) }) {
		return nil, ErrServerClosed
	}
	return h, err
}

// call runs fn on the loop and waits for it. It returns false if the loop never ran or is gone.
func (s *Server) call(fn func()) bool {
	if !s.started.Load() {
		return false
	}
	c := call{fn: fn, done: make(chan struct{})}
	if !s.inbox.Push(c) {
		return false
	}
	select {
	case <-c.done:
		return true
	case <-s.stopped:
		select {
		case <-c.done:
			return true
		default:
			return false
		}
	}
}

func (s *Server) dispatch(ev any) {
	switch ev := ev.(type) {
	case *bus.Message:
		s.handleMessage(ev)
	case procEvent:
		s.handleProcEvent(ev.rec, ev.ev)
	case call:
		ev.fn()
		close(ev.done)
	}
}

func (s *Server) handleMessage(msg *bus.Message) {
	if s.closed {
		return
	}
	switch msg.Topic {
	case s.Topic("exec"):
		s.handleExec(msg)
	case s.Topic("write"):
		s.handleWrite(msg)
	case s.Topic("kill"):
		s.handleKill(msg)
	case s.Topic("list"):
		s.handleList(msg)
	case s.Topic("disconnect"):
		s.handleDisconnect(msg)
	default:
		s.respondError(msg, unix.ENOSYS, fmt.Sprintf("unknown method %q", msg.Topic))
	}
}

func (s *Server) authorize(msg *bus.Message) error {
	if s.authFn == nil {
		return nil
	}
	return s.authFn(msg, s.authArg)
}

func (s *Server) respondError(msg *bus.Message, errno syscall.Errno, text string) {
	if err := s.resp.RespondError(msg, errno, text); err != nil {
		s.log.Errorw("error responding to request", "Topic", msg.Topic, "Error", err)
	}
}

func (s *Server) handleExec(msg *bus.Message) {
	var req ExecRequest
	if err := msg.Unpack(&req); err != nil || len(req.Cmd) == 0 ||
		req.OnChannelOut == nil || req.OnStdout == nil || req.OnStderr == nil {
		s.respondError(msg, unix.EPROTO, "")
		return
	}
	if s.shutdown != nil {
		s.respondError(msg, unix.ENOSYS, "subprocess server is shutting down")
		return
	}
	if err := s.authorize(msg); err != nil {
		s.log.Debugw("exec request denied", "Sender", msg.Sender, "Error", err)
		s.respondError(msg, unix.EPERM, err.Error())
		return
	}

	cmd, err := subprocess.ParseCommand(req.Cmd)
	if err != nil {
		s.respondError(msg, unix.EPROTO, "error parsing command string")
		return
	}
	if cmd.Argc() == 0 {
		s.respondError(msg, unix.EPROTO, "command string is empty")
		return
	}

	// if no environment sent, use the server's own
	if len(cmd.Env) == 0 {
		err = cmd.SetEnvList(os.Environ())
	}
	if err == nil {
		err = cmd.SetEnv(s.uriEnv, s.localURI, true)
	}
	if err != nil {
		s.respondError(msg, bus.Errnum(err, unix.EINVAL), "error setting up command environment")
		return
	}

	rec := &proc{
		srv:            s,
		req:            msg,
		wantStdout:     *req.OnStdout,
		wantStderr:     *req.OnStderr,
		wantChannelOut: *req.OnChannelOut,
	}
	opts := subprocess.Options{
		SetPgrp:    true,
		Stdout:     rec.wantStdout,
		Stderr:     rec.wantStderr,
		ChannelOut: rec.wantChannelOut,
	}
	p, err := s.spawner.Spawn(cmd, opts, func(ev subprocess.Event) {
		s.inbox.Push(procEvent{rec: rec, ev: ev})
	})
	if err != nil {
		s.log.Debugw("exec failed", "Cmd", cmd.String(), "Error", err)
		s.respondError(msg, bus.Errnum(err, unix.EINVAL), "exec failed")
		return
	}
	rec.p = p
	rec.state = subprocess.StateRunning

	if err := s.registry.add(rec); err != nil {
		s.log.Errorw("saving process", "PID", p.PID(), "Error", err)
		rec.removed = true
		if err := p.Kill(syscall.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			s.log.Errorw("killing unsaved process", "PID", p.PID(), "Error", err)
		}
		p.Release()
		s.respondError(msg, bus.Errnum(err, unix.ENOMEM), err.Error())
		return
	}
	s.log.Debugw("started process", "PID", p.PID(), "Cmd", cmd.String(), "Sender", msg.Sender)
}

func (s *Server) handleWrite(msg *bus.Message) {
	var req WriteRequest
	if err := msg.Unpack(&req); err != nil || req.PID == nil || len(req.IO) == 0 {
		// no pid to send an errno back to
		s.log.Errorw("malformed write request", "Sender", msg.Sender, "Error", err)
		return
	}
	chunk, err := ioencode.Decode(req.IO)
	if err != nil {
		s.log.Errorw("decoding write request", "PID", *req.PID, "Error", err)
		return
	}

	rec := s.registry.findByPID(*req.PID)
	if rec == nil {
		// A late EOF after the process has finished is expected.
		if !chunk.EOF {
			s.log.Errorw("write to unknown process", "PID", *req.PID, "Stream", chunk.Stream)
		}
		return
	}
	// The process may have exited since the write was sent.
	if rec.state != subprocess.StateRunning {
		return
	}

	if len(chunk.Data) > 0 {
		if err := rec.write(chunk.Stream, chunk.Data); err != nil {
			s.internalFatal(rec, bus.Errnum(err, unix.EIO))
			return
		}
	}
	if chunk.EOF {
		if err := rec.closeStream(chunk.Stream); err != nil {
			s.internalFatal(rec, bus.Errnum(err, unix.EIO))
		}
	}
}

func (s *Server) handleKill(msg *bus.Message) {
	var req KillRequest
	if err := msg.Unpack(&req); err != nil || req.PID == nil || req.Signum == nil {
		s.respondError(msg, unix.EPROTO, "")
		return
	}
	if err := s.authorize(msg); err != nil {
		s.respondError(msg, unix.EPERM, err.Error())
		return
	}
	rec := s.registry.findByPID(*req.PID)
	if rec == nil {
		s.respondError(msg, unix.ENOENT, "")
		return
	}
	if err := rec.p.Kill(syscall.Signal(*req.Signum)); err != nil {
		s.respondError(msg, bus.Errnum(err, unix.EINVAL), "")
		return
	}
	if err := s.resp.Respond(msg, nil); err != nil {
		s.log.Errorw("error responding to kill request", "Error", err)
	}
}

func (s *Server) handleList(msg *bus.Message) {
	if err := s.authorize(msg); err != nil {
		s.respondError(msg, unix.EPERM, err.Error())
		return
	}
	resp := ListResponse{Rank: s.rank, Procs: make([]ProcInfo, 0, s.registry.len())}
	for _, rec := range s.registry.procs {
		resp.Procs = append(resp.Procs, ProcInfo{PID: rec.pid(), Cmd: rec.p.Command().Arg(0)})
	}
	if err := s.resp.Respond(msg, resp); err != nil {
		s.log.Errorw("error responding to list request", "Error", err)
	}
}

// handleDisconnect kills every process started by a requester that has gone away.
func (s *Server) handleDisconnect(msg *bus.Message) {
	if msg.Sender == "" {
		return
	}
	for _, rec := range s.registry.snapshot() {
		if rec.req != nil && rec.req.Sender == msg.Sender {
			s.log.Debugw("killing process of disconnected requester", "PID", rec.pid(), "Sender", msg.Sender)
			s.kill(rec, syscall.SIGKILL)
		}
	}
}

func (s *Server) handleProcEvent(rec *proc, ev subprocess.Event) {
	if rec.removed || s.closed {
		return
	}
	switch ev.Kind {
	case subprocess.EventStateChanged:
		s.procStateChange(rec, ev.State)
	case subprocess.EventOutputReady:
		s.procOutput(rec, ev.Stream)
	case subprocess.EventCompleted:
		s.procCompletion(rec)
	}
}

func (s *Server) procStateChange(rec *proc, state subprocess.State) {
	var err error
	switch state {
	case subprocess.StateRunning:
		err = rec.respondState(state)
	case subprocess.StateExited:
		if rec.state == subprocess.StateFailed {
			return
		}
		rec.state = subprocess.StateExited
		err = rec.respondState(state)
	case subprocess.StateFailed:
		err = s.resp.RespondError(rec.req, rec.failErrno, "")
		s.remove(rec)
	default:
		s.log.Errorw("illegal state", "PID", rec.pid(), "State", state)
		s.internalFatal(rec, unix.EPROTO)
		return
	}
	if err != nil {
		s.log.Errorw("error responding to exec request", "PID", rec.pid(), "Error", err)
	}
}

func (s *Server) procCompletion(rec *proc) {
	if rec.state != subprocess.StateFailed {
		// ENODATA ends the response stream
		if err := s.resp.RespondError(rec.req, unix.ENODATA, ""); err != nil {
			s.log.Errorw("error responding to exec request", "PID", rec.pid(), "Error", err)
		}
	}
	s.log.Debugw("process completed", "PID", rec.pid(), "Status", rec.p.Status())
	s.remove(rec)
}

func (s *Server) procOutput(rec *proc, stream string) {
	if !rec.wants(stream) {
		return
	}
	data, eof, err := rec.p.Read(stream)
	if err != nil {
		s.log.Errorw("reading process output", "PID", rec.pid(), "Stream", stream, "Error", err)
		s.internalFatal(rec, bus.Errnum(err, unix.EIO))
		return
	}
	if len(data) > 0 {
		if err := rec.output(stream, data, false); err != nil {
			s.internalFatal(rec, bus.Errnum(err, unix.EIO))
			return
		}
	}
	if eof {
		if err := rec.output(stream, nil, true); err != nil {
			s.internalFatal(rec, bus.Errnum(err, unix.EIO))
		}
	}
}

// internalFatal fails a process because of an error on our side, reports it and kills its process group.
func (s *Server) internalFatal(rec *proc, errno syscall.Errno) {
	if rec.state == subprocess.StateFailed {
		return
	}
	rec.state = subprocess.StateFailed
	rec.failErrno = errno
	s.procStateChange(rec, subprocess.StateFailed)

	if err := rec.p.Kill(syscall.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		s.log.Errorw("killing failed process", "PID", rec.pid(), "Error", err)
	}
}

// remove drops rec from the registry and completes an outstanding shutdown once it is empty.
func (s *Server) remove(rec *proc) {
	if rec.removed {
		return
	}
	rec.removed = true
	s.registry.remove(rec)
	rec.p.Release()
	rec.req = nil

	if s.shutdown != nil && s.registry.len() == 0 {
		s.log.Debug("all processes gone, shutdown complete")
		s.shutdown.fulfill()
	}
}

// kill signals rec, logging failures.
func (s *Server) kill(rec *proc, sig syscall.Signal) {
	if err := rec.p.Kill(sig); err != nil {
		s.log.Errorw("kill", "PID", rec.pid(), "Signal", sig, "Error", err)
	}
}

func (s *Server) killAll(sig syscall.Signal) {
	for _, rec := range s.registry.snapshot() {
		s.kill(rec, sig)
	}
}

func (s *Server) startShutdown(signum syscall.Signal) (*ShutdownHandle, error) {
	if s.shutdown != nil || s.closed {
		return nil, ErrAlreadyShuttingDown
	}
	h := newShutdownHandle()
	s.shutdown = h
	if s.registry.len() == 0 {
		h.fulfill()
	} else {
		s.log.Debugw("shutting down", "Procs", s.registry.len(), "Signal", signum)
		s.killAll(signum)
	}
	return h, nil
}

func (s *Server) destroy() {
	if s.closed {
		return
	}
	s.closed = true
	s.killAll(syscall.SIGKILL)
	for _, rec := range s.registry.snapshot() {
		rec.removed = true
		rec.p.Release()
	}
	s.registry.clear()
	if s.shutdown != nil {
		s.shutdown.abort()
	}
	s.inbox.Stop()
}
