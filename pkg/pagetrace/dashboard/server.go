// Package dashboard serves a live feed of request traces over websocket.
// Traces are forwarded as they arrive and never stored.
package dashboard

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/chosenoffset/pagetrace/pkg/pagetrace/classify"
	"github.com/chosenoffset/pagetrace/pkg/pagetrace/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultMaxClients = 100
	pingInterval      = 30 * time.Second
	readTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
)

// Trace is one finished request as sent to dashboard clients.
type Trace struct {
	ID          string           `json:"id"`
	RequestLine string           `json:"request_line"`
	Timestamp   string           `json:"timestamp"`
	Metrics     metrics.Snapshot `json:"metrics"`
	Tabs        []classify.Tab   `json:"tabs"`
}

func NewTrace(id string, tabs []classify.Tab, snap metrics.Snapshot) Trace {
	return Trace{
		ID:          id,
		RequestLine: snap.RequestLine,
		Timestamp:   snap.Timestamp,
		Metrics:     snap,
		Tabs:        tabs,
	}
}

type message struct {
	Type string `json:"type"`
	Data Trace  `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type Option func(*Server)

// WithMaxClients limits concurrent websocket connections.
func WithMaxClients(n int) Option {
	return func(s *Server) { s.maxClients = n }
}

// WithAllowedOrigins replaces the default localhost-only origin check.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin]
		}
	}
}

type Server struct {
	addr         string
	server       *http.Server
	upgrader     websocket.Upgrader
	clients      map[*client]bool
	clientsMutex sync.RWMutex
	maxClients   int
	traces       chan Trace
	stop         chan struct{}
	stopOnce     sync.Once
	logger       logr.Logger
}

// NewServer creates a dashboard for addr and starts its broadcast loop.
func NewServer(addr string, logger logr.Logger, opts ...Option) *Server {
	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin:     sameHost,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:    make(map[*client]bool),
		maxClients: defaultMaxClients,
		traces:     make(chan Trace, 100),
		stop:       make(chan struct{}),
		logger:     logger.WithName("pagetrace.dashboard"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.broadcast()
	return s
}

// sameHost accepts requests without an Origin header and those whose origin
// host matches the request host.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

// Start serves the dashboard until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting dashboard", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Publish queues a trace for every connected client. Traces are dropped
// when the queue is full.
func (s *Server) Publish(t Trace) {
	select {
	case s.traces <- t:
	default:
		s.logger.V(1).Info("dropping trace, feed queue full", "id", t.ID)
	}
}

// Clients reports the number of connected websocket clients.
func (s *Server) Clients() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Check client limit before upgrading
	if s.Clients() >= s.maxClients {
		http.Error(w, "Maximum clients reached", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(err, "websocket upgrade failed")
		return
	}
	defer conn.Close()

	c := &client{conn: conn, send: make(chan []byte, 16)}
	s.clientsMutex.Lock()
	s.clients[c] = true
	s.clientsMutex.Unlock()

	defer func() {
		s.clientsMutex.Lock()
		delete(s.clients, c)
		s.clientsMutex.Unlock()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Reading is required to notice disconnects.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.logger.V(1).Info("websocket read error", "error", err.Error())
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	// This loop is the only writer of conn.
	for {
		select {
		case data := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readDone:
			return
		case <-s.stop:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) broadcast() {
	for {
		select {
		case t := <-s.traces:
			s.broadcastMessage(message{Type: "trace", Data: t})
		case <-s.stop:
			return
		}
	}
}

func (s *Server) broadcastMessage(msg message) {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	if len(s.clients) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error(err, "failed to marshal trace", "id", msg.Data.ID)
		return
	}

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			s.logger.V(1).Info("slow dashboard client, dropping trace", "id", msg.Data.ID)
		}
	}
}
