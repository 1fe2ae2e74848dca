package rexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/rexec/agent/bus"
	"github.com/guseggert/rexec/agent/ioencode"
	"github.com/guseggert/rexec/agent/subprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sys/unix"
)

const testURI = "ws://127.0.0.1:1/rexec"

type response struct {
	msg    *bus.Message
	body   any
	errnum syscall.Errno
	errstr string
}

type fakeResponder struct {
	ch chan response
}

func newFakeResponder() *fakeResponder {
	return &fakeResponder{ch: make(chan response, 1024)}
}

func (r *fakeResponder) Respond(msg *bus.Message, body any) error {
	if msg.Tag == 0 {
		return nil
	}
	r.ch <- response{msg: msg, body: body}
	return nil
}

func (r *fakeResponder) RespondError(msg *bus.Message, errnum syscall.Errno, errstr string) error {
	if msg.Tag == 0 {
		return nil
	}
	r.ch <- response{msg: msg, errnum: errnum, errstr: errstr}
	return nil
}

func (r *fakeResponder) next(t *testing.T) response {
	t.Helper()
	select {
	case resp := <-r.ch:
		return resp
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for response")
		return response{}
	}
}

func (r *fakeResponder) none(t *testing.T) {
	t.Helper()
	select {
	case resp := <-r.ch:
		t.Fatalf("unexpected response: %+v", resp)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeProcess struct {
	pid  int
	cmd  *subprocess.Command
	opts subprocess.Options
	sink func(subprocess.Event)

	mu       sync.Mutex
	signals  []syscall.Signal
	accept   int
	writes   map[string][]byte
	output   map[string][]byte
	eof      map[string]bool
	closed   map[string]bool
	status   int
	released bool
	readErr  error
	closeErr error
}

func (p *fakeProcess) PID() int                     { return p.pid }
func (p *fakeProcess) Command() *subprocess.Command { return p.cmd }

func (p *fakeProcess) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProcess) Read(stream string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return nil, false, p.readErr
	}
	data := p.output[stream]
	delete(p.output, stream)
	eof := p.eof[stream]
	delete(p.eof, stream)
	return data, eof, nil
}

func (p *fakeProcess) Write(stream string, b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(b)
	if p.accept >= 0 && n > p.accept {
		n = p.accept
	}
	p.writes[stream] = append(p.writes[stream], b[:n]...)
	return n, nil
}

func (p *fakeProcess) Close(stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closeErr != nil {
		return p.closeErr
	}
	p.closed[stream] = true
	return nil
}

func (p *fakeProcess) Kill(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
}

func (p *fakeProcess) getSignals() []syscall.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syscall.Signal(nil), p.signals...)
}

func (p *fakeProcess) isReleased() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// emitOutput queues data on stream and reports it ready.
func (p *fakeProcess) emitOutput(stream string, data []byte, eof bool) {
	p.mu.Lock()
	p.output[stream] = append(p.output[stream], data...)
	if eof {
		p.eof[stream] = true
	}
	p.mu.Unlock()
	p.sink(subprocess.Event{Kind: subprocess.EventOutputReady, Stream: stream})
}

// reap reports the process exited with status, without completing it.
func (p *fakeProcess) reap(status int) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
	p.sink(subprocess.Event{Kind: subprocess.EventStateChanged, State: subprocess.StateExited})
}

// exit reports the process exited with status and then completed.
func (p *fakeProcess) exit(status int) {
	p.reap(status)
	p.sink(subprocess.Event{Kind: subprocess.EventCompleted})
}

func (p *fakeProcess) inject(f func(p *fakeProcess)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f(p)
}

type fakeSpawner struct {
	mu      sync.Mutex
	nextPID int
	accept  int
	err     error
	procs   []*fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{nextPID: 1000, accept: -1}
}

func (s *fakeSpawner) Spawn(cmd *subprocess.Command, opts subprocess.Options, sink func(subprocess.Event)) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPID++
	p := &fakeProcess{
		pid:    s.nextPID,
		cmd:    cmd,
		opts:   opts,
		sink:   sink,
		accept: s.accept,
		writes: map[string][]byte{},
		output: map[string][]byte{},
		eof:    map[string]bool{},
		closed: map[string]bool{},
		status: -1,
	}
	s.procs = append(s.procs, p)
	sink(subprocess.Event{Kind: subprocess.EventStateChanged, State: subprocess.StateRunning})
	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *fakeSpawner) proc(i int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

type harness struct {
	srv  *Server
	resp *fakeResponder
	sp   *fakeSpawner
	logs *observer.ObservedLogs
	tag  uint32
}

func newHarness(t *testing.T, opts ...Option) *harness {
	core, logs := observer.New(zap.DebugLevel)
	h := &harness{resp: newFakeResponder(), sp: newFakeSpawner(), logs: logs}
	opts = append([]Option{WithLogger(zap.New(core).Sugar()), WithSpawner(h.sp)}, opts...)
	srv, err := NewServer(h.resp, testURI, 3, opts...)
	require.NoError(t, err)
	h.srv = srv

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, srv.started.Load, 5*time.Second, time.Millisecond)
	return h
}

// sync waits until the server loop has handled everything delivered so far.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	require.True(t, h.srv.call(func() {}))
}

func (h *harness) request(t *testing.T, method, sender string, body any) *bus.Message {
	t.Helper()
	var payload json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		payload = b
	}
	h.tag++
	msg := &bus.Message{Topic: "rexec." + method, Tag: h.tag, Payload: payload, Sender: sender}
	h.srv.Deliver(msg)
	return msg
}

func execBody(cmdline ...string) map[string]any {
	return map[string]any{
		"cmd":            subprocess.Command{Cmdline: cmdline},
		"on_stdout":      true,
		"on_stderr":      false,
		"on_channel_out": false,
	}
}

// exec starts a fake process and consumes its running frame.
func (h *harness) exec(t *testing.T, sender string, cmdline ...string) (*bus.Message, *fakeProcess) {
	t.Helper()
	msg := h.request(t, "exec", sender, execBody(cmdline...))
	resp := h.resp.next(t)
	require.Same(t, msg, resp.msg)
	require.Zero(t, resp.errnum, resp.errstr)
	er := resp.body.(ExecResponse)
	require.Equal(t, subprocess.StateRunning, er.State)
	return msg, h.sp.proc(h.sp.count() - 1)
}

func writeBody(t *testing.T, pid int, stream string, data []byte, eof bool) WriteRequest {
	raw, err := ioencode.Encode(stream, "0", data, eof)
	require.NoError(t, err)
	return WriteRequest{PID: intPtr(pid), IO: raw}
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, testURI, 0)
	assert.True(t, errors.Is(err, unix.EINVAL))
	_, err = NewServer(newFakeResponder(), "", 0)
	assert.True(t, errors.Is(err, unix.EINVAL))
}

func TestExecEcho(t *testing.T) {
	resp := newFakeResponder()
	srv, err := NewServer(resp, testURI, 0, WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	b, err := json.Marshal(execBody("/bin/echo", "hi"))
	require.NoError(t, err)
	msg := &bus.Message{Topic: "rexec.exec", Tag: 1, Payload: b, Sender: "u1"}
	srv.Deliver(msg)

	r := resp.next(t)
	require.Zero(t, r.errnum, r.errstr)
	running := r.body.(ExecResponse)
	assert.Equal(t, responseTypeState, running.Type)
	assert.Equal(t, subprocess.StateRunning, running.State)
	assert.Greater(t, running.PID, 0)

	// Exited follows the reap and may arrive before the last output.
	var stdout bytes.Buffer
	var exited *ExecResponse
	eofs := 0
	for {
		r = resp.next(t)
		if r.errnum != 0 {
			assert.Equal(t, unix.ENODATA, r.errnum)
			break
		}
		er := r.body.(ExecResponse)
		switch er.Type {
		case responseTypeOutput:
			assert.Equal(t, running.PID, er.PID)
			chunk, err := ioencode.Decode(er.IO)
			require.NoError(t, err)
			assert.Equal(t, subprocess.StreamStdout, chunk.Stream)
			assert.Equal(t, "0", chunk.Rank)
			stdout.Write(chunk.Data)
			if chunk.EOF {
				eofs++
			}
		case responseTypeState:
			require.Nil(t, exited, "second state frame")
			exited = &er
		}
	}
	assert.Equal(t, "hi\n", stdout.String())
	assert.Equal(t, 1, eofs)
	require.NotNil(t, exited)
	assert.Equal(t, subprocess.StateExited, exited.State)
	require.NotNil(t, exited.Status)
	assert.Equal(t, 0, *exited.Status)
	resp.none(t)

	require.True(t, srv.call(func() { assert.Zero(t, srv.registry.len()) }))
}

func TestExecSetsEnvironment(t *testing.T) {
	h := newHarness(t)
	h.exec(t, "u1", "true")
	p := h.sp.proc(0)
	assert.Equal(t, testURI, p.cmd.Env[DefaultURIEnvVar])
	for _, kv := range os.Environ() {
		name, value, _ := strings.Cut(kv, "=")
		assert.Equal(t, value, p.cmd.Env[name], name)
	}
	assert.True(t, p.opts.SetPgrp)
	assert.True(t, p.opts.Stdout)
	assert.False(t, p.opts.Stderr)
}

func TestExecKeepsRequestEnvironment(t *testing.T) {
	h := newHarness(t, WithURIEnvVar("MY_URI"))
	body := execBody("true")
	body["cmd"] = subprocess.Command{Cmdline: []string{"true"}, Env: map[string]string{"A": "b"}}
	h.request(t, "exec", "u1", body)
	require.Zero(t, h.resp.next(t).errnum)
	assert.Equal(t, map[string]string{"A": "b", "MY_URI": testURI}, h.sp.proc(0).cmd.Env)
}

func TestExecErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   any
		errnum syscall.Errno
		errstr string
	}{
		{
			name:   "missing flags",
			body:   map[string]any{"cmd": subprocess.Command{Cmdline: []string{"true"}}},
			errnum: unix.EPROTO,
		},
		{
			name:   "missing cmd",
			body:   map[string]any{"on_stdout": true, "on_stderr": true, "on_channel_out": true},
			errnum: unix.EPROTO,
		},
		{
			name: "bad cmd",
			body: map[string]any{
				"cmd":            []string{"true"},
				"on_stdout":      true,
				"on_stderr":      true,
				"on_channel_out": true,
			},
			errnum: unix.EPROTO,
			errstr: "error parsing command string",
		},
		{
			name:   "empty cmdline",
			body:   execBody(),
			errnum: unix.EPROTO,
			errstr: "command string is empty",
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			h.request(t, "exec", "u1", c.body)
			resp := h.resp.next(t)
			assert.Equal(t, c.errnum, resp.errnum)
			assert.Equal(t, c.errstr, resp.errstr)
			assert.Zero(t, h.sp.count())
		})
	}
}

func TestExecSpawnFailure(t *testing.T) {
	h := newHarness(t)
	h.sp.err = &bus.Error{Errno: unix.ENOENT}
	h.request(t, "exec", "u1", execBody("nope"))
	resp := h.resp.next(t)
	assert.Equal(t, unix.ENOENT, resp.errnum)
	assert.Equal(t, "exec failed", resp.errstr)
}

func TestExecDenied(t *testing.T) {
	var gotArg any
	auth := func(msg *bus.Message, arg any) error {
		gotArg = arg
		if msg.Cred.Subject != "owner" {
			return errors.New("requester is not the owner")
		}
		return nil
	}
	h := newHarness(t, WithAuth(auth, "secret"))
	h.request(t, "exec", "u1", execBody("true"))
	resp := h.resp.next(t)
	assert.Equal(t, unix.EPERM, resp.errnum)
	assert.Equal(t, "requester is not the owner", resp.errstr)
	assert.Equal(t, "secret", gotArg)
	assert.Zero(t, h.sp.count())

	h.request(t, "list", "u1", nil)
	assert.Equal(t, unix.EPERM, h.resp.next(t).errnum)
}

func TestUnknownMethod(t *testing.T) {
	h := newHarness(t)
	h.request(t, "frobnicate", "u1", nil)
	assert.Equal(t, unix.ENOSYS, h.resp.next(t).errnum)
}

func TestOutputAndExit(t *testing.T) {
	h := newHarness(t)
	msg, p := h.exec(t, "u1", "cat")

	p.emitOutput(subprocess.StreamStdout, []byte("abc"), false)
	// stderr was not requested
	p.emitOutput(subprocess.StreamStderr, []byte("ignored"), true)
	p.emitOutput(subprocess.StreamStdout, nil, true)
	p.exit(0)

	wants := []struct {
		data string
		eof  bool
	}{{"abc", false}, {"", true}}
	for _, w := range wants {
		resp := h.resp.next(t)
		require.Same(t, msg, resp.msg)
		chunk, err := ioencode.Decode(resp.body.(ExecResponse).IO)
		require.NoError(t, err)
		assert.Equal(t, w.data, string(chunk.Data))
		assert.Equal(t, w.eof, chunk.EOF)
		assert.Equal(t, "3", chunk.Rank)
	}
	exited := h.resp.next(t).body.(ExecResponse)
	assert.Equal(t, subprocess.StateExited, exited.State)
	assert.Equal(t, uint32(3), exited.Rank)
	assert.Equal(t, unix.ENODATA, h.resp.next(t).errnum)
	assert.True(t, p.isReleased())
}

func TestWrite(t *testing.T) {
	h := newHarness(t)
	_, p := h.exec(t, "u1", "cat")

	h.request(t, "write", "u1", writeBody(t, p.pid, subprocess.StreamStdin, []byte("hello"), false))
	h.request(t, "write", "u1", writeBody(t, p.pid, subprocess.StreamStdin, nil, true))
	h.sync(t)

	p.mu.Lock()
	assert.Equal(t, "hello", string(p.writes[subprocess.StreamStdin]))
	assert.True(t, p.closed[subprocess.StreamStdin])
	p.mu.Unlock()
	h.resp.none(t)
}

func TestWriteUnknownPID(t *testing.T) {
	h := newHarness(t)
	h.request(t, "write", "u1", writeBody(t, 4242, subprocess.StreamStdin, []byte("x"), false))
	h.request(t, "write", "u1", writeBody(t, 4243, subprocess.StreamStdin, nil, true))
	h.sync(t)
	h.resp.none(t)
	// a late EOF is not an error
	assert.Equal(t, 1, h.logs.FilterMessage("write to unknown process").Len())
}

func TestShortWriteFailsProcess(t *testing.T) {
	h := newHarness(t)
	h.sp.accept = 2
	msg, p := h.exec(t, "u1", "cat")

	h.request(t, "write", "u1", writeBody(t, p.pid, subprocess.StreamStdin, []byte("hello"), false))
	resp := h.resp.next(t)
	require.Same(t, msg, resp.msg)
	assert.Equal(t, unix.EOVERFLOW, resp.errnum)

	h.sync(t)
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, p.getSignals())
	assert.True(t, p.isReleased())
	assert.Equal(t, 1, h.logs.FilterMessage("channel buffer error").Len())

	// the process's own exit is no longer reported
	p.exit(9)
	h.sync(t)
	h.resp.none(t)

	h.request(t, "list", "u1", nil)
	assert.Empty(t, h.resp.next(t).body.(ListResponse).Procs)
}

func TestKill(t *testing.T) {
	h := newHarness(t)
	_, p := h.exec(t, "u1", "sleep", "100")

	h.request(t, "kill", "u1", KillRequest{PID: intPtr(p.pid), Signum: intPtr(int(syscall.SIGTERM))})
	resp := h.resp.next(t)
	assert.Zero(t, resp.errnum)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, p.getSignals())
}

func TestKillUnknownPID(t *testing.T) {
	h := newHarness(t)
	_, p := h.exec(t, "u1", "sleep", "100")

	h.request(t, "kill", "u1", KillRequest{PID: intPtr(p.pid + 1), Signum: intPtr(int(syscall.SIGTERM))})
	assert.Equal(t, unix.ENOENT, h.resp.next(t).errnum)
	assert.Empty(t, p.getSignals())

	h.request(t, "kill", "u1", KillRequest{PID: intPtr(p.pid)})
	assert.Equal(t, unix.EPROTO, h.resp.next(t).errnum)
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.request(t, "list", "u1", nil)
	lr := h.resp.next(t).body.(ListResponse)
	assert.NotNil(t, lr.Procs)
	assert.Empty(t, lr.Procs)

	_, p1 := h.exec(t, "u1", "/bin/sleep", "10")
	_, p2 := h.exec(t, "u2", "cat")

	h.request(t, "list", "u3", nil)
	lr = h.resp.next(t).body.(ListResponse)
	assert.Equal(t, uint32(3), lr.Rank)
	assert.Equal(t, []ProcInfo{{PID: p1.pid, Cmd: "/bin/sleep"}, {PID: p2.pid, Cmd: "cat"}}, lr.Procs)
}

func TestDisconnectKillsSendersProcesses(t *testing.T) {
	h := newHarness(t)
	_, a := h.exec(t, "u1", "sleep", "1")
	_, b := h.exec(t, "u2", "sleep", "2")
	_, c := h.exec(t, "u1", "sleep", "3")

	h.srv.Deliver(&bus.Message{Topic: "rexec.disconnect", Sender: "u1"})
	h.sync(t)

	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, a.getSignals())
	assert.Empty(t, b.getSignals())
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, c.getSignals())
	h.resp.none(t)
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	_, a := h.exec(t, "u1", "sleep", "1")
	_, b := h.exec(t, "u1", "sleep", "2")

	handle, err := h.srv.Shutdown(syscall.SIGTERM)
	require.NoError(t, err)
	assert.False(t, handle.Fulfilled())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, a.getSignals())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, b.getSignals())

	_, err = h.srv.Shutdown(syscall.SIGTERM)
	assert.Equal(t, ErrAlreadyShuttingDown, err)

	h.request(t, "exec", "u1", execBody("true"))
	resp := h.resp.next(t)
	assert.Equal(t, unix.ENOSYS, resp.errnum)
	assert.Equal(t, "subprocess server is shutting down", resp.errstr)

	a.exit(15)
	h.sync(t)
	assert.False(t, handle.Fulfilled())

	b.exit(15)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
}

func TestShutdownWithoutProcesses(t *testing.T) {
	h := newHarness(t)
	handle, err := h.srv.Shutdown(syscall.SIGTERM)
	require.NoError(t, err)
	assert.True(t, handle.Fulfilled())
}

func TestCloseKillsEverything(t *testing.T) {
	h := newHarness(t)
	_, a := h.exec(t, "u1", "sleep", "1")
	_, b := h.exec(t, "u2", "sleep", "2")

	handle, err := h.srv.Shutdown(syscall.SIGTERM)
	require.NoError(t, err)
	require.NoError(t, h.srv.Close())

	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, a.getSignals())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, b.getSignals())
	assert.True(t, a.isReleased())
	assert.True(t, b.isReleased())
	assert.ErrorIs(t, handle.Wait(context.Background()), ErrServerClosed)

	_, err = h.srv.Shutdown(syscall.SIGTERM)
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestExecLogsCommand(t *testing.T) {
	h := newHarness(t)
	h.exec(t, "u1", "echo", "a b")
	h.sync(t)
	entries := h.logs.FilterMessage("started process").All()
	require.Len(t, entries, 1)
	assert.Regexp(t, regexp.MustCompile(`echo "a b"`), entries[0].ContextMap()["Cmd"])
}

func TestExecRejectsOversizedBuffer(t *testing.T) {
	resp := newFakeResponder()
	srv, err := NewServer(resp, testURI, 0, WithLogger(zaptest.NewLogger(t).Sugar()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	body := execBody("/bin/echo", "hi")
	body["cmd"] = subprocess.Command{
		Cmdline: []string{"/bin/echo", "hi"},
		Opts:    map[string]string{"stdout_BUFSIZE": "9000000000G"},
	}
	b, err := json.Marshal(body)
	require.NoError(t, err)
	srv.Deliver(&bus.Message{Topic: "rexec.exec", Tag: 1, Payload: b, Sender: "u1"})

	r := resp.next(t)
	assert.Equal(t, unix.EINVAL, r.errnum)
	assert.Equal(t, "exec failed", r.errstr)
	resp.none(t)
}

func TestCloseFailureFailsProcess(t *testing.T) {
	h := newHarness(t)
	msg, p := h.exec(t, "u1", "cat")
	p.inject(func(p *fakeProcess) { p.closeErr = unix.EBADF })

	h.request(t, "write", "u1", writeBody(t, p.pid, subprocess.StreamStdin, nil, true))
	resp := h.resp.next(t)
	require.Same(t, msg, resp.msg)
	assert.Equal(t, unix.EBADF, resp.errnum)
	h.resp.none(t)

	h.sync(t)
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, p.getSignals())
	assert.True(t, p.isReleased())
	assert.Equal(t, 1, h.logs.FilterMessage("closing process stream").Len())

	p.exit(9)
	h.sync(t)
	h.resp.none(t)

	h.request(t, "list", "u1", nil)
	assert.Empty(t, h.resp.next(t).body.(ListResponse).Procs)
}

func TestReadFailureFailsProcess(t *testing.T) {
	h := newHarness(t)
	msg, p := h.exec(t, "u1", "cat")
	p.inject(func(p *fakeProcess) { p.readErr = unix.EFAULT })

	p.emitOutput(subprocess.StreamStdout, []byte("abc"), false)
	resp := h.resp.next(t)
	require.Same(t, msg, resp.msg)
	assert.Equal(t, unix.EFAULT, resp.errnum)

	h.sync(t)
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, p.getSignals())
	assert.True(t, p.isReleased())
	assert.Equal(t, 1, h.logs.FilterMessage("reading process output").Len())

	// later events for the failed process are dropped
	p.emitOutput(subprocess.StreamStdout, []byte("def"), true)
	p.exit(9)
	h.sync(t)
	h.resp.none(t)
}

func TestWriteAfterExitIsDropped(t *testing.T) {
	h := newHarness(t)
	msg, p := h.exec(t, "u1", "cat")

	p.reap(0)
	resp := h.resp.next(t)
	require.Same(t, msg, resp.msg)
	assert.Equal(t, subprocess.StateExited, resp.body.(ExecResponse).State)

	h.request(t, "write", "u1", writeBody(t, p.pid, subprocess.StreamStdin, []byte("late"), false))
	h.request(t, "write", "u1", writeBody(t, p.pid, subprocess.StreamStdin, nil, true))
	h.sync(t)
	h.resp.none(t)

	p.mu.Lock()
	assert.Empty(t, p.writes[subprocess.StreamStdin])
	assert.False(t, p.closed[subprocess.StreamStdin])
	p.mu.Unlock()
	assert.Empty(t, p.getSignals())
	assert.False(t, p.isReleased())
	assert.Zero(t, h.logs.FilterMessage("write to unknown process").Len())

	p.sink(subprocess.Event{Kind: subprocess.EventCompleted})
	assert.Equal(t, unix.ENODATA, h.resp.next(t).errnum)
	h.sync(t)
	assert.True(t, p.isReleased())
}

func TestExecDuplicatePID(t *testing.T) {
	h := newHarness(t)
	_, first := h.exec(t, "u1", "sleep", "10")

	h.sp.mu.Lock()
	h.sp.nextPID = first.pid - 1
	h.sp.mu.Unlock()
	msg := h.request(t, "exec", "u2", execBody("sleep", "20"))
	resp := h.resp.next(t)
	require.Same(t, msg, resp.msg)
	assert.Equal(t, unix.EEXIST, resp.errnum)

	// the duplicate's running frame is never sent
	h.sync(t)
	h.resp.none(t)

	require.Equal(t, 2, h.sp.count())
	dup := h.sp.proc(1)
	assert.Equal(t, first.pid, dup.pid)
	assert.Equal(t, []syscall.Signal{syscall.SIGKILL}, dup.getSignals())
	assert.True(t, dup.isReleased())
	assert.Empty(t, first.getSignals())
	assert.False(t, first.isReleased())

	dup.exit(9)
	h.sync(t)
	h.resp.none(t)

	h.request(t, "list", "u1", nil)
	assert.Equal(t, []ProcInfo{{PID: first.pid, Cmd: "sleep"}}, h.resp.next(t).body.(ListResponse).Procs)
}

func TestShutdownBeforeRun(t *testing.T) {
	srv, err := NewServer(newFakeResponder(), testURI, 0, WithSpawner(newFakeSpawner()))
	require.NoError(t, err)

	_, err = srv.Shutdown(syscall.SIGTERM)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, srv.Close())
	_, err = srv.Shutdown(syscall.SIGTERM)
	assert.ErrorIs(t, err, ErrServerClosed)
}
