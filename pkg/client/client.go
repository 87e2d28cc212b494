package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/trade-relay/pkg/protocol"
)

// ReplyError is an error envelope returned by the broker.
type ReplyError struct {
	Status  string
	Message string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Status, e.Message)
}

// Message is one record read from the broker.
type Message struct {
	// Type is the envelope type, e.g. "ack", "error" or "tradeEvent".
	Type string
	// Reply is set for ack and error envelopes.
	Reply *protocol.Reply
	// Raw is the record without its delimiter.
	Raw []byte
}

// Conn is a connection to the relay broker. Writes are safe for concurrent
// use; reads are not.
type Conn struct {
	conn         net.Conn
	r            *bufio.Reader
	writeMu      sync.Mutex
	writeTimeout time.Duration
}

// Dial connects to the broker at addr.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return NewConn(conn, timeout), nil
}

// NewConn wraps an established connection. writeTimeout bounds each write;
// zero disables it.
func NewConn(conn net.Conn, writeTimeout time.Duration) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn), writeTimeout: writeTimeout}
}

// RemoteAddr returns the broker address.
func (c *Conn) RemoteAddr() string {
	if c.conn.RemoteAddr() == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// SendRaw writes one record, adding the delimiter if it is missing.
func (c *Conn) SendRaw(record []byte) error {
	if bytes.IndexByte(bytes.TrimSuffix(record, []byte{protocol.Delimiter}), protocol.Delimiter) >= 0 {
		return errors.New("record contains an embedded delimiter")
	}
	if len(record) == 0 || record[len(record)-1] != protocol.Delimiter {
		record = protocol.Frame(record)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	_, err := c.conn.Write(record)
	return err
}

func (c *Conn) send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SendRaw(b)
}

type identification struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	AccountID string `json:"accountId"`
	ListenTo  string `json:"listenTo,omitempty"`
}

// Identify sends an identification and waits for the broker's reply. An
// error envelope is returned as a *ReplyError. It must be called before any
// other record is read.
func (c *Conn) Identify(role, accountID, listenTo string) (protocol.Reply, error) {
	err := c.send(identification{
		Type:      protocol.TypeIdentification,
		Role:      role,
		AccountID: accountID,
		ListenTo:  listenTo,
	})
	if err != nil {
		return protocol.Reply{}, err
	}
	msg, err := c.ReadEnvelope()
	if err != nil {
		return protocol.Reply{}, err
	}
	if msg.Reply == nil {
		return protocol.Reply{}, fmt.Errorf("unexpected %q record while identifying", msg.Type)
	}
	if msg.Reply.IsError() {
		return *msg.Reply, &ReplyError{Status: msg.Reply.Status, Message: msg.Reply.Message}
	}
	return *msg.Reply, nil
}

// Heartbeat sends a heartbeat. The broker's ack arrives on the read side.
func (c *Conn) Heartbeat() error {
	return c.send(map[string]string{"type": protocol.TypeHeartbeat})
}

// SendTradeEvent sends fields as a trade event. The type field is set here.
func (c *Conn) SendTradeEvent(fields map[string]any) error {
	msg := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		msg[k] = v
	}
	msg["type"] = protocol.TypeTradeEvent
	return c.send(msg)
}

// ReadRecord returns the next non-blank record without its delimiter.
func (c *Conn) ReadRecord() ([]byte, error) {
	for {
		line, err := c.r.ReadBytes(protocol.Delimiter)
		if err != nil {
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = bytes.TrimSuffix(line, []byte{protocol.Delimiter})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// ReadEnvelope reads the next record and classifies it.
func (c *Conn) ReadEnvelope() (Message, error) {
	raw, err := c.ReadRecord()
	if err != nil {
		return Message{}, err
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", protocol.ErrInvalidJSON, err)
	}
	msg := Message{Type: head.Type, Raw: raw}
	if head.Type == protocol.TypeAck || head.Type == protocol.TypeError {
		reply, err := protocol.ParseReply(raw)
		if err != nil {
			return Message{}, err
		}
		msg.Reply = &reply
	}
	return msg, nil
}

// SetReadDeadline bounds the next reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
