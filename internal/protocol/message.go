// Package protocol defines the wire schema spoken between the devloop
// supervisor and the child agent process: newline-delimited JSON messages
// plus the change-set structure a child proposes. Both the IPC layer and
// the validation gate consume these types; they pass by value across
// component boundaries.
package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// MessageType enumerates the IPC message kinds.
type MessageType string

const (
	MessageStatus       MessageType = "status"
	MessageProgress     MessageType = "progress"
	MessageFilesChanged MessageType = "files_changed"
	MessageCodeChanges  MessageType = "code_changes"
	MessageError        MessageType = "error"
	MessageComplete     MessageType = "complete"
	MessageAck          MessageType = "ack"
)

// Message is one frame on the wire. Every non-ack message from the child
// is answered by exactly one ack with a matching RequestID.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	RequestID string      `json:"requestId"`
	Timestamp int64       `json:"timestamp"` // epoch milliseconds

	// Payload union; which fields are set depends on Type.
	Status   string     `json:"status,omitempty"`
	Progress float64    `json:"progress,omitempty"`
	Files    []string   `json:"files,omitempty"`
	Changes  *ChangeSet `json:"changes,omitempty"`
	Error    string     `json:"error,omitempty"`
	Success  *bool      `json:"success,omitempty"`
	Summary  string     `json:"summary,omitempty"`

	// Token usage for the request, reported on terminal messages.
	TokensIn  int64 `json:"tokensIn,omitempty"`
	TokensOut int64 `json:"tokensOut,omitempty"`
}

// NewMessage builds a message stamped with the current time.
func NewMessage(t MessageType, sessionID, requestID string) Message {
	return Message{
		Type:      t,
		SessionID: sessionID,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Ack returns the ack frame answering this message.
func (m Message) Ack() Message {
	return NewMessage(MessageAck, m.SessionID, m.RequestID)
}

// IsTerminal reports whether this message ends a request
// (complete, code_changes, or error).
func (m Message) IsTerminal() bool {
	switch m.Type {
	case MessageComplete, MessageCodeChanges, MessageError:
		return true
	}
	return false
}

// Encode writes the message as one JSON line.
func Encode(w io.Writer, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// MaxLineSize bounds a single wire frame. Change-sets embed file contents,
// so frames can run to megabytes.
const MaxLineSize = 16 * 1024 * 1024

// NewScanner returns a bufio.Scanner sized for multi-megabyte frames.
func NewScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineSize)
	return sc
}

// Decode parses one JSON line into a message.
func Decode(line []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("failed to parse message: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("message missing type")
	}
	return m, nil
}
