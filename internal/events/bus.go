// Package events implements the in-process event bus: a bounded, ordered
// event log with polling queries plus per-type channel subscriptions.
// Components emit state transitions here; metrics and the monitor consume
// them. The bus is the only process-wide shared mutable object; all
// operations are short and run under one mutex.
package events

import (
	"sync"
	"time"
)

// Severity tags an event for filtering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Common event types. Types are dot-namespaced strings; components may emit
// types not listed here.
const (
	TypeTaskComplete         = "task:complete"
	TypeTaskBlocked          = "task:blocked"
	TypeTaskUnblocked        = "task:unblocked"
	TypeTaskFailed           = "task:failed"
	TypeTasksFileChanged     = "tasks:file_changed"
	TypeValidationError      = "validation:error_with_suggestion"
	TypeIPCConnectionRetry   = "ipc:connection_retry"
	TypeIPCConnectionFailed  = "ipc:connection_failed"
	TypeIPCHealthCheck       = "ipc:health_check"
	TypeInterventionTrigger  = "intervention:triggered"
	TypeInterventionSuccess  = "intervention:successful"
	TypeInterventionFailed   = "intervention:failed"
	TypeInterventionRollback = "intervention:rolled_back"
)

// Event is one entry in the bus history. IDs are assigned in emission
// order and are strictly monotone per bus instance.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"taskId,omitempty"`
	PRDID     string         `json:"prdId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EmitOptions carries the optional fields of an emission.
type EmitOptions struct {
	Severity Severity
	TaskID   string
	PRDID    string
}

// PollOptions filters a Poll call. Zero values mean "no filter";
// Limit defaults to 100.
type PollOptions struct {
	Since    int64
	Types    []string
	Severity []Severity
	Limit    int
}

const (
	// DefaultCapacity bounds the history ring.
	DefaultCapacity = 10000
	// DefaultPollLimit is applied when PollOptions.Limit is zero.
	DefaultPollLimit = 100
)

// Bus is a bounded FIFO event log with typed subscriptions.
type Bus struct {
	mu       sync.Mutex
	ring     []Event
	capacity int
	nextID   int64
	dropped  int64
	subs     map[string][]chan Event
	// recvToSend maps the receive-only channel handed to subscribers back
	// to the bidirectional channel stored in subs, so Unsubscribe can
	// accept the caller's view of the channel.
	recvToSend map[<-chan Event]chan Event
}

// NewBus creates a bus with the given ring capacity; capacity <= 0 uses
// DefaultCapacity.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity:   capacity,
		subs:       make(map[string][]chan Event),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Emit appends an event and returns its id. When the ring is full the
// oldest entry is silently discarded and the dropped counter increments.
// Severity defaults to info.
func (b *Bus) Emit(eventType string, payload map[string]any, opts EmitOptions) int64 {
	sev := opts.Severity
	if sev == "" {
		sev = SeverityInfo
	}

	b.mu.Lock()
	b.nextID++
	ev := Event{
		ID:        b.nextID,
		Type:      eventType,
		Severity:  sev,
		Timestamp: time.Now().UTC(),
		TaskID:    opts.TaskID,
		PRDID:     opts.PRDID,
		Payload:   payload,
	}
	b.ring = append(b.ring, ev)
	if len(b.ring) > b.capacity {
		drop := len(b.ring) - b.capacity
		b.ring = b.ring[drop:]
		b.dropped += int64(drop)
	}
	// Snapshot subscribers so channel sends happen outside the ring append
	// but still under the lock: sends are non-blocking, so this stays short.
	for _, ch := range b.subs[ev.Type] {
		select {
		case ch <- ev:
		default:
		}
	}
	for _, ch := range b.subs[""] {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	return ev.ID
}

// Poll returns events with id strictly greater than opts.Since that match
// the type and severity filters, in id order, up to the limit.
func (b *Bus) Poll(opts PollOptions) []Event {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPollLimit
	}

	var typeSet map[string]struct{}
	if len(opts.Types) > 0 {
		typeSet = make(map[string]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			typeSet[t] = struct{}{}
		}
	}
	var sevSet map[Severity]struct{}
	if len(opts.Severity) > 0 {
		sevSet = make(map[Severity]struct{}, len(opts.Severity))
		for _, s := range opts.Severity {
			sevSet[s] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, limit)
	for _, ev := range b.ring {
		if ev.ID <= opts.Since {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[ev.Type]; !ok {
				continue
			}
		}
		if sevSet != nil {
			if _, ok := sevSet[ev.Severity]; !ok {
				continue
			}
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out
}

// LastID returns the most recently assigned event id, 0 if none.
func (b *Bus) LastID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// Dropped returns the number of events evicted from a full ring.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// BlockedTasks returns task:blocked events not superseded by a later
// task:unblocked for the same task id.
func (b *Bus) BlockedTasks() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	unblockedAfter := make(map[string]int64)
	for _, ev := range b.ring {
		if ev.Type == TypeTaskUnblocked && ev.TaskID != "" {
			unblockedAfter[ev.TaskID] = ev.ID
		}
	}

	var out []Event
	for _, ev := range b.ring {
		if ev.Type != TypeTaskBlocked {
			continue
		}
		if unblockID, ok := unblockedAfter[ev.TaskID]; ok && unblockID > ev.ID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Clear empties the ring and resets the id counter to 0. Subscriptions
// survive a clear.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = nil
	b.nextID = 0
	b.dropped = 0
}

// Subscribe returns a buffered channel receiving events of the given type
// as they are emitted. An empty eventType subscribes to every event. Sends
// are non-blocking: a full subscriber misses events rather than stalling
// emitters. Callers must Unsubscribe when done.
func (b *Bus) Subscribe(eventType string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.recvToSend[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel. No-op for
// unknown channels.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.recvToSend, ch)
	for eventType, chans := range b.subs {
		for i, c := range chans {
			if c == sendCh {
				b.subs[eventType] = append(chans[:i], chans[i+1:]...)
				close(c)
				return
			}
		}
	}
}
