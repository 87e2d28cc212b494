package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/trade-relay/pkg/logging"
	"github.com/trade-relay/pkg/protocol"
	"github.com/trade-relay/pkg/types"
)

// Close reasons, used as log fields and metric labels.
const (
	reasonPeerClosed       = "peer_closed"
	reasonReadError        = "read_error"
	reasonRecordTooLarge   = "record_too_large"
	reasonHeartbeatTimeout = "heartbeat_timeout"
	reasonWriteError       = "write_error"
	reasonShutdown         = "shutdown"
	reasonDuplicateID      = "duplicate_id"
)

const readBufferSize = 4096

// streamTransport is a transport the broker can also read from.
type streamTransport interface {
	types.Transport
	io.Reader
}

// StartRelayListener listens on bindAddr and serves until Shutdown.
func (s *RelayServer) StartRelayListener(bindAddr string) error {
	listener, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}
	return s.Serve(listener)
}

// Serve accepts relay connections on listener until Shutdown. It always
// returns a non-nil error; after Shutdown that is ErrServerClosed.
func (s *RelayServer) Serve(listener net.Listener) error {
	if !s.track(listener, nil) {
		_ = listener.Close()
		return ErrServerClosed
	}
	s.startMonitor()

	logging.Logf("[listen] relay addr=%s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.isClosing() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			s.logAcceptError(err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		if !s.beginConn() {
			_ = conn.Close()
			return ErrServerClosed
		}
		s.collector.RecordAccepted()
		go s.handleConnection(conn.RemoteAddr().String(), conn)
	}
}

// handleConnection owns one connection from registration to cleanup. The
// caller must have called beginConn.
func (s *RelayServer) handleConnection(id string, t streamTransport) {
	defer s.wg.Done()

	c := types.NewConnection(id, t, s.cfg.GetWriteTimeout())
	if err := s.registry.Register(c); err != nil {
		logging.Warnf("[conn] rejected id=%s: %v", id, err)
		_ = c.CloseAs(reasonDuplicateID)
		s.collector.RecordClosed(reasonDuplicateID)
		return
	}
	logging.Logf("[conn] connected id=%s session=%s", c.ID, c.Session)

	// Shutdown may have snapshotted the registry before Register.
	if s.isClosing() {
		_ = c.CloseAs(reasonShutdown)
	}

	reason := s.readLoop(c, t)
	s.teardown(c, reason)
}

// readLoop reads and dispatches records until the transport fails or the
// peer breaks the framing. It returns the close reason.
func (s *RelayServer) readLoop(c *types.Connection, src io.Reader) string {
	dec := protocol.NewDecoder(s.cfg.GetMaxRecordSize())
	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			records, ferr := dec.Feed(buf[:n])
			for _, rec := range records {
				s.handleRecord(c, rec)
			}
			if ferr != nil {
				s.collector.RecordDecodeError(reasonRecordTooLarge)
				logging.Warnf("[conn] record too large id=%s limit=%d", c.ID, s.cfg.GetMaxRecordSize())
				s.reply(c, protocol.FormatError(protocol.StatusRecordTooLarge, protocol.MsgRecordTooLarge))
				return reasonRecordTooLarge
			}
		}
		if err != nil {
			if c.Closed() {
				return c.CloseReason()
			}
			if errors.Is(err, io.EOF) {
				return reasonPeerClosed
			}
			logging.Debugf("[conn] read error id=%s: %v", c.ID, err)
			return reasonReadError
		}
	}
}

// teardown is the single cleanup path for a connection, whatever closed it.
func (s *RelayServer) teardown(c *types.Connection, reason string) {
	info, _ := s.registry.Info(c.ID)
	removed := s.registry.Remove(c)
	_ = c.CloseAs(reason)
	if !removed {
		return
	}
	s.collector.RecordClosed(reason)
	logging.Logf("[conn] disconnected id=%s state=%s account=%s reason=%s",
		c.ID, info.State, info.AccountID, reason)
	if logging.DebugEnabled() {
		logging.Debugf("[registry] connections=%s", s.registry.tableLine())
	}
}

// handleRecord dispatches one decoded record.
func (s *RelayServer) handleRecord(c *types.Connection, record []byte) {
	env, err := protocol.Decode(record)
	if err != nil {
		s.collector.RecordDecodeError(protocol.StatusInvalidJSON)
		logging.Debugf("[conn] invalid record id=%s: %v", c.ID, err)
		s.reply(c, protocol.FormatError(protocol.StatusInvalidJSON, protocol.MsgInvalidJSON))
		return
	}

	c.Touch(time.Now())
	s.collector.RecordReceived(env.Kind.String())

	switch env.Kind {
	case protocol.KindIdentification:
		s.handleIdentification(c, env.Identification())

	case protocol.KindHeartbeat:
		s.reply(c, protocol.FormatAck("", protocol.MsgHeartbeat))

	case protocol.KindTradeEvent:
		info, ok := s.registry.Info(c.ID)
		if !ok || info.State != types.StateSender {
			s.reply(c, protocol.FormatError(protocol.StatusNotSender, protocol.MsgNotSender))
			return
		}
		s.Relay(info.AccountID, protocol.Frame(env.Raw))

	default:
		logging.Debugf("[conn] unknown message type id=%s type=%q", c.ID, env.Type)
		s.reply(c, protocol.FormatError(protocol.StatusUnknownType, protocol.MsgUnknownType))
	}
}

func (s *RelayServer) handleIdentification(c *types.Connection, ident protocol.Identification) {
	out := s.registry.Identify(c, ident, s.allowlist.Load(), s.cfg.Relay.AllowReidentify)
	s.collector.RecordIdentification(out.Name)
	logging.Logf("[ident] id=%s role=%q account=%q listen_to=%q outcome=%s state=%s",
		c.ID, ident.Role, ident.AccountID, ident.ListenTo, out.Name, out.State)
	if logging.DebugEnabled() {
		logging.Debugf("[registry] connections=%s", s.registry.tableLine())
	}
	if out.Reply != nil {
		s.reply(c, out.Reply)
	}
}

// reply writes an ack or error envelope. Failures only mean the peer is
// going away; the read loop notices.
func (s *RelayServer) reply(c *types.Connection, p []byte) {
	if err := c.Send(p); err != nil {
		logging.Debugf("[conn] reply failed id=%s: %v", c.ID, err)
	}
}

// logAcceptError logs accept failures at most once per 5s.
func (s *RelayServer) logAcceptError(err error) {
	now := time.Now()

	s.acceptErrLock.Lock()
	defer s.acceptErrLock.Unlock()

	const window = 5 * time.Second
	if !s.acceptErrLastLogAt.IsZero() && now.Sub(s.acceptErrLastLogAt) < window {
		s.acceptErrSuppressed++
		return
	}

	if s.acceptErrSuppressed > 0 {
		logging.Warnf("[accept] error: %v (suppressed=%d in last=%s)",
			err, s.acceptErrSuppressed, now.Sub(s.acceptErrLastLogAt).Truncate(time.Second))
	} else {
		logging.Warnf("[accept] error: %v", err)
	}

	s.acceptErrSuppressed = 0
	s.acceptErrLastLogAt = now
}
