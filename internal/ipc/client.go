package ipc

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"devloop/internal/logging"
	"devloop/internal/protocol"
)

// Client is the child-side connection to the supervisor socket. The
// supervisor itself embeds one for loopback tests; real children implement
// the same wire behavior in whatever language they are written in.
type Client struct {
	mu        sync.Mutex
	sessionID string
	requestID string
	path      string
	conn      net.Conn
	retries   int

	acks chan protocol.Message
	wg   sync.WaitGroup
}

// NewClient creates a disconnected client for one request.
func NewClient(sessionID, requestID string) *Client {
	return &Client{
		sessionID: sessionID,
		requestID: requestID,
		acks:      make(chan protocol.Message, 64),
	}
}

// Connect dials the supervisor socket. Connection-refused and missing-file
// errors retry up to 3 times with exponential backoff; success resets the
// retry counter. Returns false when the socket stays unreachable.
func (c *Client) Connect(path string) bool {
	log := logging.Get(logging.CategoryIPC)
	for {
		conn, err := net.Dial("unix", path)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.path = path
			c.retries = 0
			c.mu.Unlock()
			c.wg.Add(1)
			go c.readLoop(conn)
			return true
		}
		if !isRetryableDialError(err) {
			log.Warnw("client dial failed", "path", path, "error", err)
			return false
		}
		c.mu.Lock()
		c.retries++
		attempt := c.retries
		c.mu.Unlock()
		if attempt > maxBindRetries {
			log.Warnw("client dial retries exhausted", "path", path, "error", err)
			return false
		}
		time.Sleep(backoffDelay(attempt - 1))
	}
}

func isRetryableDialError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such file")
}

// Reconnect tears down the current connection and dials again.
func (c *Client) Reconnect() bool {
	c.mu.Lock()
	path := c.path
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
	return c.Connect(path)
}

// readLoop parses server frames (acks) off the wire.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()
	sc := protocol.NewScanner(conn)
	for sc.Scan() {
		msg, err := protocol.Decode(sc.Bytes())
		if err != nil {
			continue
		}
		select {
		case c.acks <- msg:
		default:
		}
	}
}

// Acks exposes the stream of server replies.
func (c *Client) Acks() <-chan protocol.Message { return c.acks }

// send writes one frame. Write failures after server shutdown are
// non-fatal for the child; the caller sees "not sent".
func (c *Client) send(msg protocol.Message) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	if err := protocol.Encode(conn, msg); err != nil {
		logging.Get(logging.CategoryIPC).Debugw("client write failed", "type", msg.Type, "error", err)
		return false
	}
	return true
}

func (c *Client) newMessage(t protocol.MessageType) protocol.Message {
	return protocol.NewMessage(t, c.sessionID, c.requestID)
}

// SendStatus reports a free-text status.
func (c *Client) SendStatus(status string) bool {
	m := c.newMessage(protocol.MessageStatus)
	m.Status = status
	return c.send(m)
}

// SendProgress reports percent completion.
func (c *Client) SendProgress(percent float64) bool {
	m := c.newMessage(protocol.MessageProgress)
	m.Progress = percent
	return c.send(m)
}

// SendFilesChanged reports the files touched so far.
func (c *Client) SendFilesChanged(files []string) bool {
	m := c.newMessage(protocol.MessageFilesChanged)
	m.Files = files
	return c.send(m)
}

// SendCodeChanges submits the proposed change-set.
func (c *Client) SendCodeChanges(cs protocol.ChangeSet) bool {
	m := c.newMessage(protocol.MessageCodeChanges)
	m.Changes = &cs
	return c.send(m)
}

// SendError reports a failure.
func (c *Client) SendError(errText string) bool {
	m := c.newMessage(protocol.MessageError)
	m.Error = errText
	return c.send(m)
}

// Send writes an arbitrary frame, stamping the client's session and
// request ids when the caller left them empty. The typed helpers cover
// the common messages; children with richer payloads (token usage,
// partial results) compose the message themselves.
func (c *Client) Send(m protocol.Message) bool {
	if m.SessionID == "" {
		m.SessionID = c.sessionID
	}
	if m.RequestID == "" {
		m.RequestID = c.requestID
	}
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().UnixMilli()
	}
	return c.send(m)
}

// SendComplete reports terminal success or failure with a summary.
func (c *Client) SendComplete(success bool, summary string) bool {
	m := c.newMessage(protocol.MessageComplete)
	m.Success = &success
	m.Summary = summary
	return c.send(m)
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close client connection: %w", err)
	}
	c.wg.Wait()
	return nil
}
