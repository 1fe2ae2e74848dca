package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/guseggert/rexec/internal/queue"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is a bus connection from the requester side.
type Client struct {
	Log *zap.SugaredLogger

	conn   *websocket.Conn
	ctx    context.Context
	cancel func()

	mu      sync.Mutex
	nextTag uint32
	pending map[uint32]*Stream
	err     error

	done          chan struct{}
	closeConnOnce sync.Once
}

// Dial opens a bus connection. httpClient may be nil.
func Dial(ctx context.Context, url string, httpClient *http.Client, log *zap.SugaredLogger) (*Client, error) {
	log.Debugw("dialing bus", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn to bus: %w", err)
	}
	wsConn.SetReadLimit(ReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		Log:     log,
		conn:    wsConn,
		ctx:     connCtx,
		cancel:  cancel,
		pending: map[uint32]*Stream{},
		done:    make(chan struct{}),
	}
	go c.readResponses()
	return c, nil
}

// Stream delivers the responses to one request.
type Stream struct {
	Tag uint32

	c     *Client
	q     *queue.Queue[*Response]
	ended atomic.Bool
}

// Next returns the next response. It returns io.EOF after the final response of the stream has been returned,
// or the connection error if the connection ended first.
func (s *Stream) Next(ctx context.Context) (*Response, error) {
	select {
	case resp, ok := <-s.q.Out():
		if !ok {
			if s.ended.Load() {
				return nil, io.EOF
			}
			return nil, s.c.Err()
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops delivery of further responses for the stream.
func (s *Stream) Close() {
	s.c.mu.Lock()
	delete(s.c.pending, s.Tag)
	s.c.mu.Unlock()
	s.q.Stop()
}

// Request sends a message and returns the stream of its responses.
func (c *Client) Request(ctx context.Context, topic string, body any) (*Stream, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextTag++
	if c.nextTag == 0 {
		c.nextTag++
	}
	s := &Stream{Tag: c.nextTag, c: c, q: queue.New[*Response]()}
	c.pending[s.Tag] = s
	c.mu.Unlock()

	err = wsjson.Write(ctx, c.conn, Message{Topic: topic, Tag: s.Tag, Payload: payload})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("sending %s request: %w", topic, err)
	}
	return s, nil
}

// RPC sends a message and waits for its single response.
func (c *Client) RPC(ctx context.Context, topic string, body any) (*Response, error) {
	s, err := c.Request(ctx, topic, body)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	resp, err := s.Next(ctx)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Send sends a message for which no response is wanted.
func (c *Client) Send(ctx context.Context, topic string, body any) error {
	payload, err := marshalBody(body)
	if err != nil {
		return err
	}
	if err := c.Err(); err != nil {
		return err
	}
	err = wsjson.Write(ctx, c.conn, Message{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("sending %s message: %w", topic, err)
	}
	return nil
}

// Err returns the reason the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Pending streams end with ErrClosed.
func (c *Client) Close() error {
	c.close(websocket.StatusNormalClosure, "")
	<-c.done
	return nil
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	// websocket reason can't be above 123 chars
	if len(reason) > 100 {
		reason = reason[0:100]
	}
	c.closeConnOnce.Do(func() {
		err := c.conn.Close(code, reason)
		if err != nil {
			c.Log.Debugf("error closing conn: %s", err)
		}
		c.cancel()
	})
}

func (c *Client) readResponses() {
	defer close(c.done)
	var connErr error
	for {
		var resp Response
		err := wsjson.Read(c.ctx, c.conn, &resp)
		if err != nil {
			c.Log.Debugf("response reader got error: %s", err)
			connErr = fmt.Errorf("%w: %s", ErrClosed, err)
			c.close(websocket.StatusInternalError, err.Error())
			break
		}

		c.mu.Lock()
		s, ok := c.pending[resp.Tag]
		final := resp.Errnum != 0
		if ok && final {
			delete(c.pending, resp.Tag)
		}
		c.mu.Unlock()
		if !ok {
			c.Log.Debugw("dropping response for unknown tag", "Tag", resp.Tag)
			continue
		}
		r := resp
		s.q.Push(&r)
		if final {
			s.ended.Store(true)
			s.q.Close()
		}
	}

	c.mu.Lock()
	c.err = connErr
	pending := c.pending
	c.pending = map[uint32]*Stream{}
	c.mu.Unlock()
	for _, s := range pending {
		s.q.Close()
	}
}

func marshalBody(body any) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}
	return b, nil
}
