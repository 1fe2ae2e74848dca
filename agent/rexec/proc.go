package rexec

import (
	"syscall"

	"github.com/guseggert/rexec/agent/bus"
	"github.com/guseggert/rexec/agent/ioencode"
	"github.com/guseggert/rexec/agent/subprocess"
	"golang.org/x/sys/unix"
)

// proc ties a spawned process to the exec request that created it and the server that owns it.
type proc struct {
	srv *Server
	p   Process
	// req addresses every response for this process. It is dropped when the proc is removed.
	req *bus.Message

	state     subprocess.State
	failErrno syscall.Errno
	removed   bool

	wantStdout     bool
	wantStderr     bool
	wantChannelOut bool
}

func (r *proc) pid() int { return r.p.PID() }

func (r *proc) wants(stream string) bool {
	switch stream {
	case subprocess.StreamStdout:
		return r.wantStdout
	case subprocess.StreamStderr:
		return r.wantStderr
	default:
		return r.wantChannelOut
	}
}

func (r *proc) respondState(state subprocess.State) error {
	resp := ExecResponse{Type: responseTypeState, Rank: r.srv.rank, State: state}
	switch state {
	case subprocess.StateRunning:
		resp.PID = r.pid()
	case subprocess.StateExited:
		resp.Status = intPtr(r.p.Status())
	}
	return r.srv.resp.Respond(r.req, resp)
}

// output frames one chunk of a stream and sends it to the requester.
func (r *proc) output(stream string, data []byte, eof bool) error {
	io, err := ioencode.Encode(stream, r.srv.rankStr, data, eof)
	if err != nil {
		r.srv.log.Errorw("encoding output", "PID", r.pid(), "Stream", stream, "Error", err)
		return err
	}
	err = r.srv.resp.Respond(r.req, ExecResponse{
		Type: responseTypeOutput,
		Rank: r.srv.rank,
		PID:  r.pid(),
		IO:   io,
	})
	if err != nil {
		r.srv.log.Errorw("error responding to exec request", "PID", r.pid(), "Error", err)
		return err
	}
	return nil
}

// write feeds data to stream. Anything short of a full write is an error: the data cannot be buffered.
func (r *proc) write(stream string, data []byte) error {
	n, err := r.p.Write(stream, data)
	if err != nil {
		r.srv.log.Errorw("writing to process", "PID", r.pid(), "Stream", stream, "Error", err)
		return err
	}
	if n != len(data) {
		r.srv.log.Errorw("channel buffer error",
			"Rank", r.srv.rank,
			"PID", r.pid(),
			"Stream", stream,
			"Len", len(data),
			"Written", n,
		)
		return unix.EOVERFLOW
	}
	return nil
}

func (r *proc) closeStream(stream string) error {
	if err := r.p.Close(stream); err != nil {
		r.srv.log.Errorw("closing process stream", "PID", r.pid(), "Stream", stream, "Error", err)
		return err
	}
	return nil
}
