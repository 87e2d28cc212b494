package types

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport is the byte stream a connection is carried over. net.Conn
// satisfies it; the WebSocket listener provides its own adapter.
type Transport interface {
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// writeDeadliner is implemented by transports that support write deadlines.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Role of an identified connection.
type Role int

const (
	RoleUnset Role = iota
	RoleSender
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return "unset"
	}
}

// State is the identification state of a connection.
//
//	Unidentified -> Sender
//	Unidentified -> ReceiverUnauthorized | ReceiverPrimary | ReceiverDuplicate
type State int

const (
	StateUnidentified State = iota
	StateSender
	StateReceiverUnauthorized
	StateReceiverPrimary
	StateReceiverDuplicate
)

// States lists every state, in declaration order.
var States = []State{
	StateUnidentified,
	StateSender,
	StateReceiverUnauthorized,
	StateReceiverPrimary,
	StateReceiverDuplicate,
}

func (s State) String() string {
	switch s {
	case StateSender:
		return "sender"
	case StateReceiverUnauthorized:
		return "receiver_unauthorized"
	case StateReceiverPrimary:
		return "receiver_primary"
	case StateReceiverDuplicate:
		return "receiver_duplicate"
	default:
		return "unidentified"
	}
}

// Role derives the role from the state.
func (s State) Role() Role {
	switch s {
	case StateSender:
		return RoleSender
	case StateReceiverUnauthorized, StateReceiverPrimary, StateReceiverDuplicate:
		return RoleReceiver
	default:
		return RoleUnset
	}
}

// Connection is one accepted transport connection.
//
// State, AccountID and ListenTo are guarded by the registry that owns the
// connection; read them through the registry or from a snapshot.
type Connection struct {
	ID          string
	Session     string
	ConnectedAt time.Time

	State     State
	AccountID string
	ListenTo  string

	transport    Transport
	writeTimeout time.Duration
	writeMu      sync.Mutex
	lastActivity atomic.Int64
	closeOnce    sync.Once
	closeErr     error
	closeReason  string
	closed       atomic.Bool
}

// NewConnection wraps t. id is normally the remote address and port.
func NewConnection(id string, t Transport, writeTimeout time.Duration) *Connection {
	now := time.Now()
	c := &Connection{
		ID:           id,
		Session:      uuid.NewString(),
		ConnectedAt:  now,
		transport:    t,
		writeTimeout: writeTimeout,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// Role returns the role implied by the current state.
func (c *Connection) Role() Role { return c.State.Role() }

// IsAuthorized reports whether the connection is an allowlisted receiver.
func (c *Connection) IsAuthorized() bool {
	return c.State == StateReceiverPrimary || c.State == StateReceiverDuplicate
}

// IsPrimary reports whether the connection receives relayed data for its account.
func (c *Connection) IsPrimary() bool { return c.State == StateReceiverPrimary }

// Touch records inbound activity at t.
func (c *Connection) Touch(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

// LastActivity returns the time of the last decoded inbound record.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Send writes p to the transport. Writes from different goroutines are
// serialized so records never interleave.
func (c *Connection) Send(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if wd, ok := c.transport.(writeDeadliner); ok && c.writeTimeout > 0 {
		_ = wd.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer wd.SetWriteDeadline(time.Time{})
	}
	_, err := c.transport.Write(p)
	return err
}

// Close closes the transport once; later calls return the first result.
func (c *Connection) Close() error {
	return c.CloseAs("closed")
}

// CloseAs is Close recording why the broker closed the connection. Only the
// first reason is kept.
func (c *Connection) CloseAs(reason string) error {
	c.closeOnce.Do(func() {
		c.closeReason = reason
		c.closed.Store(true)
		c.closeErr = c.transport.Close()
	})
	return c.closeErr
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool { return c.closed.Load() }

// CloseReason returns the reason given to the first CloseAs, or "" while
// the connection is open.
func (c *Connection) CloseReason() string {
	if !c.closed.Load() {
		return ""
	}
	return c.closeReason
}

// Transport returns the underlying transport.
func (c *Connection) Transport() Transport { return c.transport }

// Info is a point-in-time copy of a connection's identity.
type Info struct {
	ID           string
	Session      string
	State        State
	AccountID    string
	ListenTo     string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Info copies the identity fields. Callers must hold the owning registry lock.
func (c *Connection) Info() Info {
	return Info{
		ID:           c.ID,
		Session:      c.Session,
		State:        c.State,
		AccountID:    c.AccountID,
		ListenTo:     c.ListenTo,
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.LastActivity(),
	}
}
