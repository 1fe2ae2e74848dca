package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ReadLimit is the largest frame either side accepts.
// Output chunks are bounded by the stream buffer size (4 MiB by default) before base64 expansion.
const ReadLimit = 16 * 1024 * 1024

var (
	// ErrNoSuchSender is returned when responding to a requester whose connection is gone.
	ErrNoSuchSender = errors.New("no such sender")
	// ErrClosed is returned by client operations after the connection has closed.
	ErrClosed = errors.New("bus connection closed")
)

// Message is a request frame, sent client->server.
// A Tag of zero means the sender does not want a response.
type Message struct {
	Topic   string          `json:"topic"`
	Tag     uint32          `json:"tag,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Sender and Cred are filled in by the receiving transport and never read from the wire.
	Sender string `json:"-"`
	Cred   Cred   `json:"-"`
}

// Cred is what the transport knows about a requester.
type Cred struct {
	// Subject is the common name of the requester's TLS client certificate, if any.
	Subject string
}

// Unpack decodes the payload into v. A missing payload decodes as an empty object.
func (m *Message) Unpack(v any) error {
	payload := m.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("unpacking %s payload: %w", m.Topic, unix.EPROTO)
	}
	return nil
}

// Response is a response frame, sent server->client.
// A request can receive many responses; the first one carrying an Errnum is the last one for its Tag.
type Response struct {
	Tag     uint32          `json:"tag"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Errnum  int             `json:"errnum,omitempty"`
	Errstr  string          `json:"errstr,omitempty"`
}

// Err returns the error carried by the response, or nil.
func (r *Response) Err() error {
	if r.Errnum == 0 {
		return nil
	}
	return &Error{Errno: syscall.Errno(r.Errnum), Text: r.Errstr}
}

// Unpack decodes the payload into v.
func (r *Response) Unpack(v any) error {
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("unpacking response: %w", unix.EPROTO)
	}
	return nil
}

// Responder sends responses correlated with a request.
type Responder interface {
	Respond(msg *Message, body any) error
	RespondError(msg *Message, errnum syscall.Errno, errstr string) error
}

// Error is an errno with optional human-readable text, as exchanged with requesters.
type Error struct {
	Errno syscall.Errno
	Text  string
}

func (e *Error) Error() string {
	if e.Text == "" {
		return e.Errno.Error()
	}
	return e.Text
}

func (e *Error) Unwrap() error { return e.Errno }

// Errnum extracts an errno from err, or returns fallback if it carries none.
func Errnum(err error, fallback syscall.Errno) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return fallback
}
