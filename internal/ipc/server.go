// Package ipc implements the local stream-socket supervisor the child
// agent connects to: a unix-socket server with bind retry, newline-delimited
// JSON framing, ack discipline, pending-result caching and health checks,
// plus the matching client and a process-wide server pool with
// termination hooks.
package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devloop/internal/events"
	"devloop/internal/logging"
	"devloop/internal/protocol"
)

// ErrServerClosed is returned by operations on a stopped server.
var ErrServerClosed = errors.New("ipc server closed")

const (
	maxBindRetries = 3
	// DefaultResultTimeout bounds WaitForResult when the caller passes 0.
	DefaultResultTimeout = 5 * time.Minute
	healthCheckInterval  = 30 * time.Second
	gracefulCloseDelay   = 1 * time.Second
	stopBackstop         = 5 * time.Second
)

// backoffDelay returns min(100ms * 2^attempt, 2s).
func backoffDelay(attempt int) time.Duration {
	d := 100 * time.Millisecond << uint(attempt)
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// socketPath derives a fresh socket path for a session.
func socketPath(sessionID string) string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return filepath.Join(os.TempDir(),
		fmt.Sprintf("devloop-%s-%d-%s.sock", sessionID, time.Now().UnixMilli(), suffix))
}

// Server supervises one session's socket. Connections are accepted in a
// background goroutine; each runs a framing loop that parses JSON lines,
// acks every non-ack inbound message, and caches terminal results so late
// WaitForResult calls return immediately.
type Server struct {
	mu        sync.Mutex
	sessionID string
	path      string
	debug     bool
	bus       *events.Bus

	ln        net.Listener
	conns     map[net.Conn]struct{}
	connByReq map[string]net.Conn
	pending   map[string]protocol.Message

	// Typed listener channels; key "" receives every message.
	listeners map[string][]chan protocol.Message

	healthStop chan struct{}
	pool       *Pool
	closed     bool
	wg         sync.WaitGroup
}

// NewServer creates an unstarted server for one session.
func NewServer(sessionID string, bus *events.Bus, debug bool) *Server {
	return &Server{
		sessionID: sessionID,
		debug:     debug,
		bus:       bus,
		conns:     make(map[net.Conn]struct{}),
		connByReq: make(map[string]net.Conn),
		pending:   make(map[string]protocol.Message),
		listeners: make(map[string][]chan protocol.Message),
	}
}

// Start binds the session socket, retrying address collisions with a
// regenerated path and exponential backoff, registers in the pool, and
// starts the health-check timer. Returns the bound socket path.
func (s *Server) Start(pool *Pool) (string, error) {
	log := logging.Get(logging.CategoryIPC)

	var lastErr error
	for attempt := 0; ; attempt++ {
		path := socketPath(s.sessionID)
		_ = os.Remove(path)

		ln, err := net.Listen("unix", path)
		if err == nil {
			s.mu.Lock()
			s.ln = ln
			s.path = path
			s.healthStop = make(chan struct{})
			s.pool = pool
			s.mu.Unlock()

			if pool != nil {
				pool.register(s)
			}
			s.wg.Add(2)
			go s.acceptLoop()
			go s.healthLoop()
			log.Infow("ipc server listening", "session", s.sessionID, "path", path)
			return path, nil
		}

		lastErr = err
		if attempt >= maxBindRetries || !isAddrInUse(err) {
			break
		}
		delay := backoffDelay(attempt)
		log.Warnw("socket bind conflict, retrying", "path", path, "attempt", attempt+1, "delay", delay)
		s.bus.Emit(events.TypeIPCConnectionRetry, map[string]any{
			"session": s.sessionID,
			"attempt": attempt + 1,
			"error":   err.Error(),
		}, events.EmitOptions{Severity: events.SeverityWarn})
		time.Sleep(delay)
	}

	s.bus.Emit(events.TypeIPCConnectionFailed, map[string]any{
		"session": s.sessionID,
		"error":   lastErr.Error(),
	}, events.EmitOptions{Severity: events.SeverityError})
	return "", fmt.Errorf("failed to bind session socket after %d attempts: %w", maxBindRetries+1, lastErr)
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use") ||
		strings.Contains(err.Error(), "in use")
}

// Path returns the bound socket path.
func (s *Server) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// SessionID returns the session this server belongs to.
func (s *Server) SessionID() string { return s.sessionID }

// acceptLoop accepts connections until the listener closes.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn runs the framing loop for one connection: buffer bytes, split
// on newlines, parse each complete line. Parse failures log the first 100
// characters of the offending line and processing continues.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		for req, c := range s.connByReq {
			if c == conn {
				delete(s.connByReq, req)
			}
		}
		s.mu.Unlock()
		_ = conn.Close()
	}()

	log := logging.Get(logging.CategoryIPC)
	sc := protocol.NewScanner(conn)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			preview := string(line)
			if len(preview) > 100 {
				preview = preview[:100]
			}
			log.Warnw("dropping unparseable frame", "session", s.sessionID, "line", preview)
			continue
		}
		s.route(conn, msg)
	}
}

// route processes one valid inbound message.
func (s *Server) route(conn net.Conn, msg protocol.Message) {
	s.mu.Lock()
	if msg.RequestID != "" {
		// Latest registration wins so replies go to the live connection.
		s.connByReq[msg.RequestID] = conn
	}
	if msg.Type == protocol.MessageComplete || msg.Type == protocol.MessageCodeChanges {
		s.pending[msg.RequestID] = msg
	}
	wildcard := append([]chan protocol.Message(nil), s.listeners[""]...)
	typed := append([]chan protocol.Message(nil), s.listeners[string(msg.Type)]...)
	s.mu.Unlock()

	if msg.Type != protocol.MessageAck {
		if err := protocol.Encode(conn, msg.Ack()); err != nil {
			logging.Get(logging.CategoryIPC).Warnw("failed to write ack",
				"session", s.sessionID, "request", msg.RequestID, "error", err)
		}
	}

	for _, ch := range wildcard {
		select {
		case ch <- msg:
		default:
		}
	}
	for _, ch := range typed {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Listen returns a channel receiving inbound messages of the given type;
// an empty type receives every message. The channel is closed on Stop.
func (s *Server) Listen(msgType string, buffer int) <-chan protocol.Message {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan protocol.Message, buffer)
	s.mu.Lock()
	s.listeners[msgType] = append(s.listeners[msgType], ch)
	s.mu.Unlock()
	return ch
}

// WaitForResult blocks until a terminal message (complete, code_changes,
// or error) arrives for requestID, returning nil on timeout. A result
// already cached resolves immediately. timeout <= 0 uses
// DefaultResultTimeout.
func (s *Server) WaitForResult(requestID string, timeout time.Duration) *protocol.Message {
	if timeout <= 0 {
		timeout = DefaultResultTimeout
	}

	s.mu.Lock()
	if msg, ok := s.pending[requestID]; ok {
		s.mu.Unlock()
		return &msg
	}
	ch := make(chan protocol.Message, 8)
	s.listeners[""] = append(s.listeners[""], ch)
	s.mu.Unlock()

	defer s.removeListener(ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if msg.RequestID != requestID || !msg.IsTerminal() {
				continue
			}
			return &msg
		case <-timer.C:
			return nil
		}
	}
}

func (s *Server) removeListener(ch chan protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, chans := range s.listeners {
		for i, c := range chans {
			if c == ch {
				s.listeners[key] = append(chans[:i], chans[i+1:]...)
				return
			}
		}
	}
}

// TakeResult removes and returns a cached terminal result, if present.
func (s *Server) TakeResult(requestID string) (protocol.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return msg, ok
}

// healthLoop emits ipc:health_check every 30 seconds.
func (s *Server) healthLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.healthStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			connections := len(s.conns)
			pendingResults := len(s.pending)
			listening := s.ln != nil && !s.closed
			s.mu.Unlock()
			s.bus.Emit(events.TypeIPCHealthCheck, map[string]any{
				"session":        s.sessionID,
				"connections":    connections,
				"pendingResults": pendingResults,
				"listening":      listening,
			}, events.EmitOptions{})
		}
	}
}

// Stop shuts the server down: stops the health timer, gracefully closes
// every connection (forced after one second), clears pending state, closes
// the listener, removes the socket file and deregisters from the pool. A
// five-second backstop bounds the whole teardown.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.healthStop != nil {
		close(s.healthStop)
	}
	ln := s.ln
	path := s.path
	pool := s.pool
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.pending = make(map[string]protocol.Message)
	s.connByReq = make(map[string]net.Conn)
	listeners := s.listeners
	s.listeners = make(map[string][]chan protocol.Message)
	s.mu.Unlock()

	// Graceful close: stop reading new data, then force-close stragglers.
	for _, c := range conns {
		if uc, ok := c.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}
	}
	forced := time.AfterFunc(gracefulCloseDelay, func() {
		for _, c := range conns {
			_ = c.Close()
		}
	})

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopBackstop):
		logging.Get(logging.CategoryIPC).Warnw("server stop hit backstop", "session", s.sessionID)
	}
	forced.Stop()
	for _, c := range conns {
		_ = c.Close()
	}
	for _, chans := range listeners {
		for _, ch := range chans {
			close(ch)
		}
	}
	if path != "" {
		_ = os.Remove(path)
	}
	if pool != nil {
		pool.remove(s)
	}
	logging.Get(logging.CategoryIPC).Infow("ipc server stopped", "session", s.sessionID)
}
