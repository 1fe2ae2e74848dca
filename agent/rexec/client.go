package rexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"syscall"

	"github.com/guseggert/rexec/agent/bus"
	"github.com/guseggert/rexec/agent/ioencode"
	"github.com/guseggert/rexec/agent/subprocess"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// stdinChunkSize bounds the data sent in one write request when pumping an io.Reader.
const stdinChunkSize = 32768

// Client issues requests to a rexec server over a bus connection.
type Client struct {
	Bus *bus.Client
	// Service is the server's topic prefix. Empty means DefaultServiceName.
	Service string
	Log     *zap.SugaredLogger
}

func NewClient(b *bus.Client, log *zap.SugaredLogger) *Client {
	return &Client{Bus: b, Service: DefaultServiceName, Log: log.Named("rexec_client")}
}

func (c *Client) topic(method string) string {
	if c.Service == "" {
		return DefaultServiceName + "." + method
	}
	return c.Service + "." + method
}

// ExecOptions selects where a remote process's output goes.
// Output on streams without a writer is not sent by the server at all.
type ExecOptions struct {
	// Stdin, if set, is copied to the process's stdin, which is closed when it returns io.EOF.
	Stdin    io.Reader
	Stdout   io.Writer
	Stderr   io.Writer
	Channels map[string]io.Writer
}

// ExecResult is the outcome of a remote process.
type ExecResult struct {
	// Status is the raw wait status.
	Status   int
	ExitCode int
}

// RemoteProcess is a process started by Exec.
type RemoteProcess struct {
	PID  int
	Rank uint32

	c      *Client
	stream *bus.Stream
	opts   ExecOptions

	waitOnce sync.Once
	result   *ExecResult
	err      error
}

// Exec starts cmd and returns once the server reports it running.
func (c *Client) Exec(ctx context.Context, cmd *subprocess.Command, opts ExecOptions) (*RemoteProcess, error) {
	if cmd == nil || cmd.Argc() == 0 {
		return nil, fmt.Errorf("empty command: %w", unix.EINVAL)
	}
	for name := range opts.Channels {
		if !slices.Contains(cmd.Channels, name) {
			cmd.Channels = append(cmd.Channels, name)
		}
	}
	rawCmd, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}
	req := ExecRequest{
		Cmd:          rawCmd,
		OnStdout:     boolPtr(opts.Stdout != nil),
		OnStderr:     boolPtr(opts.Stderr != nil),
		OnChannelOut: boolPtr(len(opts.Channels) > 0),
	}
	s, err := c.Bus.Request(ctx, c.topic("exec"), req)
	if err != nil {
		return nil, err
	}

	resp, err := s.Next(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := resp.Err(); err != nil {
		s.Close()
		return nil, err
	}
	var first ExecResponse
	if err := resp.Unpack(&first); err != nil {
		s.Close()
		return nil, err
	}
	if first.Type != responseTypeState || first.State != subprocess.StateRunning {
		s.Close()
		return nil, fmt.Errorf("expected running state, got %s %s: %w", first.Type, first.State, unix.EPROTO)
	}
	c.Log.Debugw("remote process running", "PID", first.PID, "Rank", first.Rank, "Cmd", cmd.String())

	p := &RemoteProcess{
		PID:    first.PID,
		Rank:   first.Rank,
		c:      c,
		stream: s,
		opts:   opts,
	}
	if opts.Stdin != nil {
		go p.pumpStdin(ctx, opts.Stdin)
	}
	return p, nil
}

func (p *RemoteProcess) pumpStdin(ctx context.Context, r io.Reader) {
	buf := make([]byte, stdinChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := p.Write(ctx, subprocess.StreamStdin, buf[:n]); werr != nil {
				p.c.Log.Debugw("error sending stdin", "PID", p.PID, "Error", werr)
				return
			}
		}
		if errors.Is(err, io.EOF) {
			if cerr := p.CloseStream(ctx, subprocess.StreamStdin); cerr != nil {
				p.c.Log.Debugw("error closing stdin", "PID", p.PID, "Error", cerr)
			}
			return
		}
		if err != nil {
			p.c.Log.Debugw("error reading stdin", "PID", p.PID, "Error", err)
			return
		}
	}
}

// Wait copies the process's output to the configured writers until the server ends the response stream.
func (p *RemoteProcess) Wait(ctx context.Context) (*ExecResult, error) {
	p.waitOnce.Do(func() {
		p.result, p.err = p.wait(ctx)
		p.stream.Close()
	})
	return p.result, p.err
}

func (p *RemoteProcess) wait(ctx context.Context) (*ExecResult, error) {
	var result *ExecResult
	for {
		resp, err := p.stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if err := resp.Err(); err != nil {
			if errors.Is(err, unix.ENODATA) && result != nil {
				return result, nil
			}
			return nil, err
		}
		var er ExecResponse
		if err := resp.Unpack(&er); err != nil {
			return nil, err
		}
		switch er.Type {
		case responseTypeOutput:
			if err := p.handleOutput(er.IO); err != nil {
				return nil, err
			}
		case responseTypeState:
			if er.State == subprocess.StateExited && er.Status != nil {
				result = &ExecResult{Status: *er.Status, ExitCode: subprocess.ExitCode(*er.Status)}
			}
		default:
			p.c.Log.Debugw("ignoring unknown response type", "Type", er.Type)
		}
	}
}

func (p *RemoteProcess) handleOutput(raw json.RawMessage) error {
	chunk, err := ioencode.Decode(raw)
	if err != nil {
		return err
	}
	var w io.Writer
	switch chunk.Stream {
	case subprocess.StreamStdout:
		w = p.opts.Stdout
	case subprocess.StreamStderr:
		w = p.opts.Stderr
	default:
		w = p.opts.Channels[chunk.Stream]
	}
	if w == nil || len(chunk.Data) == 0 {
		return nil
	}
	if _, err := w.Write(chunk.Data); err != nil {
		return fmt.Errorf("writing %s output: %w", chunk.Stream, err)
	}
	return nil
}

// Write sends data to one of the process's input streams.
func (p *RemoteProcess) Write(ctx context.Context, stream string, data []byte) error {
	return p.c.Write(ctx, p.Rank, p.PID, stream, data, false)
}

// CloseStream sends EOF on one of the process's input streams.
func (p *RemoteProcess) CloseStream(ctx context.Context, stream string) error {
	return p.c.Write(ctx, p.Rank, p.PID, stream, nil, true)
}

func (p *RemoteProcess) CloseStdin(ctx context.Context) error {
	return p.CloseStream(ctx, subprocess.StreamStdin)
}

// Kill signals the process's group.
func (p *RemoteProcess) Kill(ctx context.Context, sig syscall.Signal) error {
	return p.c.Kill(ctx, p.PID, sig)
}

// Write sends a write request. Write requests get no response, so success only means the request was sent.
func (c *Client) Write(ctx context.Context, rank uint32, pid int, stream string, data []byte, eof bool) error {
	raw, err := ioencode.Encode(stream, strconv.FormatUint(uint64(rank), 10), data, eof)
	if err != nil {
		return err
	}
	return c.Bus.Send(ctx, c.topic("write"), WriteRequest{PID: intPtr(pid), IO: raw})
}

func (c *Client) Kill(ctx context.Context, pid int, sig syscall.Signal) error {
	_, err := c.Bus.RPC(ctx, c.topic("kill"), KillRequest{PID: intPtr(pid), Signum: intPtr(int(sig))})
	return err
}

// List returns the processes the server is tracking.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	resp, err := c.Bus.RPC(ctx, c.topic("list"), nil)
	if err != nil {
		return nil, err
	}
	var lr ListResponse
	if err := resp.Unpack(&lr); err != nil {
		return nil, err
	}
	return &lr, nil
}
