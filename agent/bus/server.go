package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/rexec/internal/queue"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server accepts bus connections and routes responses back to them.
type Server struct {
	Log *zap.SugaredLogger
	// Handler is called for every message, from the connection's read goroutine.
	Handler func(msg *Message)
	// OnDisconnect is called once per connection after it has ended.
	OnDisconnect func(sender string)

	mu    sync.Mutex
	conns map[string]*serverConn
}

var _ Responder = (*Server)(nil)

const flushTimeout = 5 * time.Second

type serverConn struct {
	id     string
	conn   *websocket.Conn
	outbox *queue.Queue[Response]
	// flushed is closed when the writer has stopped.
	flushed chan struct{}
}

func NewServer(log *zap.SugaredLogger, handler func(msg *Message), onDisconnect func(sender string)) *Server {
	return &Server{
		Log:          log,
		Handler:      handler,
		OnDisconnect: onDisconnect,
		conns:        map[string]*serverConn{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.Log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(ReadLimit)

	var cred Cred
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		cred.Subject = r.TLS.PeerCertificates[0].Subject.CommonName
	}

	c := &serverConn{
		id:      uuid.NewString(),
		conn:    wsConn,
		outbox:  queue.New[Response](),
		flushed: make(chan struct{}),
	}
	log := s.Log.With("Sender", c.id)
	log.Debugw("accepted bus conn", "Subject", cred.Subject)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		defer close(c.flushed)
		s.writeResponses(ctx, log, c)
	}()

	s.readMessages(ctx, log, c, cred)

	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	c.outbox.Stop()
	cancel()
	wg.Wait()

	err = wsConn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		log.Debugf("error closing conn: %s", err)
	}
	log.Debug("bus conn ended")
	if s.OnDisconnect != nil {
		s.OnDisconnect(c.id)
	}
}

func (s *Server) readMessages(ctx context.Context, log *zap.SugaredLogger, c *serverConn, cred Cred) {
	for {
		var msg Message
		err := wsjson.Read(ctx, c.conn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			log.Debugf("message reader got error: %s", err)
			return
		}
		msg.Sender = c.id
		msg.Cred = cred
		if msg.Topic == "" {
			if err := s.RespondError(&msg, syscall.EPROTO, "message has no topic"); err != nil {
				log.Debugf("error responding to topicless message: %s", err)
			}
			continue
		}
		s.Handler(&msg)
	}
}

func (s *Server) writeResponses(ctx context.Context, log *zap.SugaredLogger, c *serverConn) {
	for resp := range c.outbox.Out() {
		err := wsjson.Write(ctx, c.conn, resp)
		if err != nil {
			log.Debugf("error writing response: %s", err)
			return
		}
	}
}

// Respond sends a successful response. A nil body sends an empty payload.
func (s *Server) Respond(msg *Message, body any) error {
	if msg.Tag == 0 {
		return nil
	}
	resp := Response{Tag: msg.Tag}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling response to %s: %w", msg.Topic, err)
		}
		resp.Payload = b
	}
	return s.send(msg.Sender, resp)
}

// RespondError sends an error response, which ends the response stream for the request.
func (s *Server) RespondError(msg *Message, errnum syscall.Errno, errstr string) error {
	if msg.Tag == 0 {
		return nil
	}
	return s.send(msg.Sender, Response{Tag: msg.Tag, Errnum: int(errnum), Errstr: errstr})
}

func (s *Server) send(sender string, resp Response) error {
	s.mu.Lock()
	c, ok := s.conns[sender]
	s.mu.Unlock()
	if !ok || !c.outbox.Push(resp) {
		return fmt.Errorf("responding to %s: %w", sender, ErrNoSuchSender)
	}
	return nil
}

// Senders returns the identities of the connected requesters.
func (s *Server) Senders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close ends every connection after writing the responses already queued for it, waiting at most flushTimeout per connection.
// Connections accepted afterwards are not affected.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.outbox.Close()
		select {
		case <-c.flushed:
		case <-time.After(flushTimeout):
			s.Log.Debugw("timed out flushing responses", "Sender", c.id)
		}
		if err := c.conn.Close(websocket.StatusGoingAway, "server closing"); err != nil {
			s.Log.Debugw("error closing conn", "Sender", c.id, "Error", err)
		}
	}
}
