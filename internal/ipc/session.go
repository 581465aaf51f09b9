package ipc

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry records one request/response exchange with the child.
type HistoryEntry struct {
	RequestID string    `json:"requestId"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session tracks one logical conversation with a child process. At most
// one request is in flight per session at a time.
type Session struct {
	ID              string
	ChatID          string // provider-assigned, opaque to the core
	CreatedAt       time.Time
	LastUsedAt      time.Time
	CallCount       int
	SuccessCount    int
	ParseErrorCount int

	history    []HistoryEntry
	maxHistory int
	inFlight   string // current request id, "" when idle
}

// SessionManager owns session bookkeeping: bounded history rings and
// age-based expiry per the sessionManagement config.
type SessionManager struct {
	mu         sync.Mutex
	sessions   map[string]*Session
	maxAge     time.Duration
	maxHistory int
}

// NewSessionManager creates a manager. maxAge <= 0 disables expiry;
// maxHistory <= 0 defaults to 100.
func NewSessionManager(maxAge time.Duration, maxHistory int) *SessionManager {
	if maxHistory <= 0 {
		maxHistory = 100
	}
	return &SessionManager{
		sessions:   make(map[string]*Session),
		maxAge:     maxAge,
		maxHistory: maxHistory,
	}
}

// Create registers a new session and returns it.
func (m *SessionManager) Create() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastUsedAt: now,
		maxHistory: m.maxHistory,
	}
	m.sessions[s.ID] = s
	return s
}

// Get returns a live session, expiring it first when it has aged out.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.maxAge > 0 && time.Since(s.CreatedAt) > m.maxAge {
		delete(m.sessions, id)
		return nil, false
	}
	return s, true
}

// BeginRequest marks a request in flight. Returns false when another
// request is already active on the session.
func (m *SessionManager) BeginRequest(sessionID, requestID, prompt string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.inFlight != "" {
		return false
	}
	s.inFlight = requestID
	s.CallCount++
	s.LastUsedAt = time.Now()
	s.appendHistory(HistoryEntry{RequestID: requestID, Prompt: prompt, Timestamp: time.Now()})
	return true
}

// EndRequest records the outcome of the in-flight request.
func (m *SessionManager) EndRequest(sessionID, requestID, response, errText string, parseError bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.inFlight != requestID {
		return
	}
	s.inFlight = ""
	s.LastUsedAt = time.Now()
	if errText == "" {
		s.SuccessCount++
	}
	if parseError {
		s.ParseErrorCount++
	}
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].RequestID == requestID {
			s.history[i].Response = response
			s.history[i].Error = errText
			break
		}
	}
}

// History returns a copy of the session's exchange history.
func (m *SessionManager) History(sessionID string) []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]HistoryEntry, len(s.history))
	copy(out, s.history)
	return out
}

// appendHistory appends with oldest-first eviction at the ring bound.
func (s *Session) appendHistory(e HistoryEntry) {
	s.history = append(s.history, e)
	if len(s.history) > s.maxHistory {
		s.history = s.history[len(s.history)-s.maxHistory:]
	}
}
