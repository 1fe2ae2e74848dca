// Package ioencode frames a piece of process I/O (stream name, originating rank, bytes and an EOF flag)
// as a JSON object so it can travel inside bus messages in either direction.
package ioencode

import (
	"encoding/json"
	"fmt"

	"golang.org/x/sys/unix"
)

// Chunk is the wire form of one unit of stream I/O.
// Data is base64-encoded by encoding/json.
type Chunk struct {
	Stream string `json:"stream"`
	Rank   string `json:"rank"`
	Data   []byte `json:"data,omitempty"`
	EOF    bool   `json:"eof,omitempty"`
}

// Encode builds a framed chunk. A chunk must name a stream and rank and carry data, EOF, or both.
func Encode(stream, rank string, data []byte, eof bool) (json.RawMessage, error) {
	if stream == "" || rank == "" || (len(data) == 0 && !eof) {
		return nil, unix.EINVAL
	}
	b, err := json.Marshal(Chunk{Stream: stream, Rank: rank, Data: data, EOF: eof})
	if err != nil {
		return nil, fmt.Errorf("marshaling chunk: %w", err)
	}
	return b, nil
}

// Decode parses a framed chunk produced by Encode.
func Decode(raw json.RawMessage) (*Chunk, error) {
	if len(raw) == 0 {
		return nil, unix.EPROTO
	}
	var c Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("unmarshaling chunk: %w", unix.EPROTO)
	}
	if c.Stream == "" || c.Rank == "" {
		return nil, unix.EPROTO
	}
	return &c, nil
}
