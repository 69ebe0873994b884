package bridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/simbridge/sim"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
)

// Server accepts WebSocket connections and runs one simulator session per connection.
type Server struct {
	logger *zap.SugaredLogger

	simConfig      sim.Config
	listenAddr     string
	certPEM        []byte
	keyPEM         []byte
	originPatterns []string
	observer       func(id string, state State)

	ctx    context.Context
	cancel context.CancelFunc

	mut        sync.Mutex
	httpServer *http.Server
	sessions   map[string]struct{}
	stopOnce   sync.Once
	stopErr    error
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("bridge").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.logger = s.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithTLS serves over TLS with the given PEM-encoded certificate and key.
func WithTLS(certPEM, keyPEM []byte) Option {
	return func(s *Server) {
		s.certPEM = certPEM
		s.keyPEM = keyPEM
	}
}

// WithOriginPatterns restricts which browser origins may connect. With no patterns, any origin is accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.originPatterns = patterns
	}
}

// WithStateObserver registers f to be called on every session state transition.
// f is called synchronously from the session's goroutines, so it must not block.
func WithStateObserver(f func(id string, state State)) Option {
	return func(s *Server) {
		s.observer = f
	}
}

// NewServer builds a server that launches simulators as described by simConfig.
// The executable is resolved here, so a missing simulator fails the whole server rather than each session.
func NewServer(simConfig sim.Config, opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	resolved, err := simConfig.Resolve()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:     logger.Named("bridge").Sugar(),
		simConfig:  resolved,
		listenAddr: "0.0.0.0:8766",
		ctx:        ctx,
		cancel:     cancel,
		sessions:   map[string]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Handler returns the server's routes, for serving with something other than Run.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/sim", s.simWS)
	router.GET("/healthz", s.healthz)
	return router
}

// Run listens and serves until Stop is called.
func (s *Server) Run() error {
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}

	if s.certPEM != nil {
		tlsConfig, err := ServerTLSConfig(s.certPEM, s.keyPEM)
		if err != nil {
			listener.Close()
			return fmt.Errorf("building server TLS config: %w", err)
		}
		listener = tls.NewListener(listener, tlsConfig)
	}

	server := &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return s.ctx },
	}

	s.mut.Lock()
	if s.ctx.Err() != nil {
		s.mut.Unlock()
		listener.Close()
		return nil
	}
	s.httpServer = server
	s.mut.Unlock()

	s.logger.Infow("serving", "Addr", listener.Addr().String(), "TLS", s.certPEM != nil)
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and ends every active session.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mut.Lock()
		defer s.mut.Unlock()
		s.cancel()
		if s.httpServer != nil {
			s.stopErr = s.httpServer.Close()
		}
	})
	return s.stopErr
}

func (s *Server) simWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     s.originPatterns,
		InsecureSkipVerify: len(s.originPatterns) == 0,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)

	id := uuid.NewString()
	log := s.logger.Named("session").With("Session", id)
	log.Infow("client connected", "RemoteAddr", r.RemoteAddr)

	s.track(id)
	defer s.untrack(id)

	sess := newSession(id, log, wsConn, sim.New(log.Named("sim"), s.simConfig), s.observer)
	sess.run(r.Context())
	log.Info("client disconnected")
}

func (s *Server) track(id string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.sessions[id] = struct{}{}
}

func (s *Server) untrack(id string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.sessions, id)
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Sessions int
	IDs      []string
}

func (s *Server) health() HealthResponse {
	s.mut.Lock()
	defer s.mut.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return HealthResponse{Sessions: len(ids), IDs: ids}
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(s.health())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
