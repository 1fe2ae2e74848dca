package subprocess

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

const readChunkSize = 64 * 1024

// outputStream buffers bytes read from the process until the owner drains them with Read.
type outputStream struct {
	name string
	max  int

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	closed  bool
	eofSent bool
	discard bool
}

func newOutputStream(name string, max int, discard bool) *outputStream {
	s := &outputStream{name: name, max: max, discard: discard}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// run copies r into the buffer, waiting for room when the buffer is full. notify is called after new data and at EOF.
func (s *outputStream) run(r io.Reader, notify func()) {
	chunk := make([]byte, min(readChunkSize, s.max))
	for {
		s.mu.Lock()
		for !s.discard && len(s.buf) >= s.max {
			s.cond.Wait()
		}
		s.mu.Unlock()

		n, err := r.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			discard := s.discard
			if !discard {
				s.buf = append(s.buf, chunk[:n]...)
			}
			s.mu.Unlock()
			if !discard {
				notify()
			}
		}
		if err != nil {
			s.mu.Lock()
			s.closed = true
			discard := s.discard
			s.mu.Unlock()
			if !discard {
				notify()
			}
			return
		}
	}
}

// read drains the buffer. eof is true exactly once: on the first read that finds the stream closed and drained.
func (s *outputStream) read() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := s.buf
	s.buf = nil
	s.cond.Broadcast()

	eof := false
	if s.closed && !s.eofSent {
		s.eofSent = true
		eof = true
	}
	return data, eof
}

func (s *outputStream) drop() {
	s.mu.Lock()
	s.discard = true
	s.buf = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

// inputStream accepts bytes into a bounded buffer and flushes them to the process from its own goroutine.
type inputStream struct {
	name    string
	max     int
	w       io.Writer
	closeFn func() error

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	inflight int
	closed   bool
	broken   bool
	stopped  bool
}

func newInputStream(name string, max int, w io.Writer, closeFn func() error) *inputStream {
	s := &inputStream{name: name, max: max, w: w, closeFn: closeFn}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// write returns how many bytes of b fit in the buffer.
// Once the process side has gone away, data is accepted and discarded.
func (s *inputStream) write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, unix.EPIPE
	}
	if s.broken || s.stopped {
		return len(b), nil
	}
	free := s.max - len(s.buf) - s.inflight
	if free <= 0 {
		return 0, nil
	}
	n := min(free, len(b))
	s.buf = append(s.buf, b[:n]...)
	s.cond.Broadcast()
	return n, nil
}

func (s *inputStream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unix.EPIPE
	}
	s.closed = true
	s.cond.Broadcast()
	return nil
}

func (s *inputStream) stop() {
	s.mu.Lock()
	s.stopped = true
	s.buf = nil
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *inputStream) run() {
	defer s.closeFn()
	for {
		s.mu.Lock()
		for len(s.buf) == 0 && !s.closed && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped || len(s.buf) == 0 {
			s.mu.Unlock()
			return
		}
		data := s.buf
		s.buf = nil
		s.inflight = len(data)
		s.mu.Unlock()

		_, err := s.w.Write(data)

		s.mu.Lock()
		s.inflight = 0
		if err != nil {
			s.broken = true
			s.buf = nil
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}
