package rexec

import (
	"encoding/json"

	"github.com/guseggert/rexec/agent/subprocess"
)

// ExecRequest starts a process. All fields are required.
// The On* flags select which output streams are sent back to the requester.
type ExecRequest struct {
	Cmd          json.RawMessage `json:"cmd"`
	OnChannelOut *bool           `json:"on_channel_out"`
	OnStdout     *bool           `json:"on_stdout"`
	OnStderr     *bool           `json:"on_stderr"`
}

// ExecResponse is one frame of the response stream of an exec request.
// Type is "state" or "output". The stream ends with an error frame: ENODATA after a normal exit,
// or the errno of the failure.
type ExecResponse struct {
	Type   string           `json:"type"`
	Rank   uint32           `json:"rank"`
	PID    int              `json:"pid,omitempty"`
	State  subprocess.State `json:"state,omitempty"`
	Status *int             `json:"status,omitempty"`
	IO     json.RawMessage  `json:"io,omitempty"`
}

const (
	responseTypeState  = "state"
	responseTypeOutput = "output"
)

// WriteRequest feeds a process input stream. IO is an ioencode chunk. It gets no response.
type WriteRequest struct {
	PID *int            `json:"pid"`
	IO  json.RawMessage `json:"io"`
}

// KillRequest signals a process group.
type KillRequest struct {
	PID    *int `json:"pid"`
	Signum *int `json:"signum"`
}

// ProcInfo describes one live process in a list response.
type ProcInfo struct {
	PID int    `json:"pid"`
	Cmd string `json:"cmd"`
}

type ListResponse struct {
	Rank  uint32     `json:"rank"`
	Procs []ProcInfo `json:"procs"`
}

func boolPtr(b bool) *bool { return &b }

func intPtr(i int) *int { return &i }
