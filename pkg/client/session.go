package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trade-relay/pkg/logging"
	"github.com/trade-relay/pkg/protocol"
)

// Options configures RunSession.
type Options struct {
	Role      string
	AccountID string
	ListenTo  string

	DialTimeout       time.Duration // default 10s
	HeartbeatInterval time.Duration // default 30s
	ReconnectInterval time.Duration // default 5s
	MaxReconnect      int           // 0 retries forever
}

func (o *Options) setDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
}

// Session is one identified connection handed to a RunSession handler.
type Session struct {
	*Conn
	Addr        string
	ConnectedAt time.Time
	// Identified is the broker's reply to the identification.
	Identified protocol.Reply
}

// RunSession keeps an identified connection to the broker at addr. Each
// time it connects it identifies, starts heartbeats and calls handler,
// which owns the read side until it returns. A nil return from handler or a
// cancelled ctx ends RunSession; any other error reconnects after
// ReconnectInterval. An identification the broker rejects is returned as a
// *ReplyError without retrying.
func RunSession(ctx context.Context, addr string, opts Options, handler func(ctx context.Context, s *Session) error) error {
	opts.setDefaults()

	reconnectCount := 0
	for {
		err := runOnce(ctx, addr, opts, handler)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		var replyErr *ReplyError
		if errors.As(err, &replyErr) {
			return err
		}

		logging.Logf("[client] connection to %s closed: %v", addr, err)
		if opts.MaxReconnect > 0 && reconnectCount >= opts.MaxReconnect {
			return fmt.Errorf("giving up on %s after %d reconnects: %w", addr, reconnectCount, err)
		}
		reconnectCount++
		recordReconnect()
		logging.Logf("[client] reconnecting to %s in %v (attempt %d)...", addr, opts.ReconnectInterval, reconnectCount)

		timer := time.NewTimer(opts.ReconnectInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func runOnce(ctx context.Context, addr string, opts Options, handler func(ctx context.Context, s *Session) error) error {
	conn, err := Dial(ctx, addr, opts.DialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock reads when ctx ends.
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	reply, err := conn.Identify(opts.Role, opts.AccountID, opts.ListenTo)
	if err != nil {
		return err
	}
	recordSession()
	logging.Logf("[client] identified addr=%s role=%s account=%s status=%q",
		addr, opts.Role, opts.AccountID, reply.Status)

	go heartbeatLoop(sessCtx, conn, opts.HeartbeatInterval)

	return handler(sessCtx, &Session{
		Conn:        conn,
		Addr:        addr,
		ConnectedAt: time.Now(),
		Identified:  reply,
	})
}

func heartbeatLoop(ctx context.Context, conn *Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.Heartbeat(); err != nil {
				logging.Debugf("[client] heartbeat failed addr=%s: %v", conn.RemoteAddr(), err)
				return
			}
			recordHeartbeat()
		}
	}
}

// Records reads trade events until the connection fails, passing each to fn.
// Acks are skipped and error envelopes are logged.
func (s *Session) Records(fn func(record []byte) error) error {
	for {
		msg, err := s.ReadEnvelope()
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidJSON) {
				logging.Warnf("[client] skipping malformed record from %s: %v", s.Addr, err)
				continue
			}
			return err
		}
		switch {
		case msg.Reply == nil:
			recordReceived(msg.Type)
			if err := fn(msg.Raw); err != nil {
				return err
			}
		case msg.Reply.IsError():
			logging.Warnf("[client] broker error status=%s message=%q", msg.Reply.Status, msg.Reply.Message)
		}
	}
}
