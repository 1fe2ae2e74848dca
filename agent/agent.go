package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/rexec/agent/bus"
	"github.com/guseggert/rexec/agent/rexec"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// NodeAgent is an HTTP agent that runs on each node and executes processes for remote requesters.
// The agent requires mTLS for both traffic encryption and authz.
type NodeAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string

	rank            uint32
	localURI        string
	uriEnvVar       string
	allowedSubjects []string
	drainSignal     syscall.Signal
	drainTimeout    time.Duration

	httpServer  *http.Server
	busServer   *bus.Server
	rexecServer *rexec.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *NodeAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = f
	}
}

// WithHeartbeatFailureDrain drains the agent's processes and exits when heartbeats stop.
func WithHeartbeatFailureDrain() Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = n.heartbeatFailureDrain
	}
}

func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Named("nodeagent").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *NodeAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithRank sets the node's rank, which is reported in every exec response.
func WithRank(rank uint32) Option {
	return func(n *NodeAgent) {
		n.rank = rank
	}
}

// WithLocalURI sets the URI handed to spawned processes for reaching this agent.
func WithLocalURI(uri string) Option {
	return func(n *NodeAgent) {
		n.localURI = uri
	}
}

func WithURIEnvVar(name string) Option {
	return func(n *NodeAgent) {
		n.uriEnvVar = name
	}
}

// WithAllowedSubjects restricts exec, kill and list to clients whose certificate common name is listed.
func WithAllowedSubjects(subjects ...string) Option {
	return func(n *NodeAgent) {
		n.allowedSubjects = subjects
	}
}

// WithDrain sets the signal sent to processes on a drain and how long to wait for them.
func WithDrain(sig syscall.Signal, timeout time.Duration) Option {
	return func(n *NodeAgent) {
		n.drainSignal = sig
		n.drainTimeout = timeout
	}
}

func HeartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown host: %s", err)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

func (a *NodeAgent) heartbeatFailureDrain() {
	a.logger.Info("heartbeat failed, draining")
	ctx, cancel := context.WithTimeout(context.Background(), a.drainTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		a.logger.Errorw("drain failed", "Error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// subjectAuth allows a request if the requester's certificate subject is in the allowed list, or the list is empty.
func subjectAuth(msg *bus.Message, arg any) error {
	allowed, _ := arg.([]string)
	if len(allowed) == 0 || slices.Contains(allowed, msg.Cred.Subject) {
		return nil
	}
	return fmt.Errorf("subject %q is not allowed", msg.Cred.Subject)
}

// NewNodeAgent constructs a new host agent.
func NewNodeAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*NodeAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	n := &NodeAgent{
		logger:           logger.Named("nodeagent").Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		uriEnvVar:        rexec.DefaultURIEnvVar,
		drainSignal:      syscall.SIGTERM,
		drainTimeout:     30 * time.Second,
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}

	if n.localURI == "" {
		_, port, err := net.SplitHostPort(n.listenAddr)
		if err != nil {
			return nil, fmt.Errorf("parsing listen address: %w", err)
		}
		n.localURI = fmt.Sprintf("wss://nodeagent:%s/rexec", port)
	}

	n.busServer = bus.NewServer(n.logger.Named("bus_server"), nil, nil)
	n.rexecServer, err = rexec.NewServer(n.busServer, n.localURI, n.rank,
		rexec.WithLogger(n.logger),
		rexec.WithAuth(subjectAuth, n.allowedSubjects),
		rexec.WithURIEnvVar(n.uriEnvVar),
	)
	if err != nil {
		return nil, fmt.Errorf("building rexec server: %w", err)
	}
	n.busServer.Handler = n.rexecServer.Deliver
	n.busServer.OnDisconnect = n.rexecServer.Disconnected

	router := httprouter.New()
	router.GET("/heartbeat", n.heartbeat)
	router.GET("/rexec", n.serveRexec)
	n.httpServer = &http.Server{Handler: router}
	return n, nil
}

// startHeartbeatCheck starts a goroutine that checks for a heartbeat timeout and runs the failure handler once when a timeout occurs.
func (a *NodeAgent) startHeartbeatCheck() {
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
				return
			}
		}
	}()
}

func (a *NodeAgent) runHTTPServer() error {
	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		tcpListener.Close()
		return fmt.Errorf("building server TLS config: %w", err)
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	a.logger.Debugw("serving", "Addr", a.listenAddr, "Rank", a.rank, "LocalURI", a.localURI)
	err = a.httpServer.Serve(tlsListener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Run runs the node agent and returns once the node agent has stopped.
func (a *NodeAgent) Run() error {
	a.startHeartbeatCheck()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := a.rexecServer.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		defer cancel()
		return a.runHTTPServer()
	})
	return group.Wait()
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
		Rank          uint32
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
		Rank:          a.rank,
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (a *NodeAgent) serveRexec(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.busServer.ServeHTTP(w, r)
}

// Shutdown signals every running process with the drain signal, waits for all of them to be reaped, then stops the agent.
func (a *NodeAgent) Shutdown(ctx context.Context) error {
	h, err := a.rexecServer.Shutdown(a.drainSignal)
	if err != nil {
		return fmt.Errorf("shutting down rexec server: %w", err)
	}
	if err := h.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for processes: %w", err)
	}
	a.logger.Debug("all processes drained")
	return a.Stop()
}

// Stop stops the agent immediately, killing any remaining processes.
func (a *NodeAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })
	err := a.httpServer.Close()
	a.busServer.Close()
	a.rexecServer.Close()
	return err
}
