// Package mirror republishes relayed trade events to NATS so that other
// systems can observe the stream without holding a receiver connection.
// Publishing is fire-and-forget; it adds no durability to the relay.
package mirror

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/trade-relay/pkg/logging"
)

// Publisher is the subset of *nats.Conn the mirror needs.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSMirror publishes each relayed record on <prefix>.<sender>.
type NATSMirror struct {
	pub    Publisher
	nc     *nats.Conn
	prefix string
}

// New wraps an existing publisher.
func New(pub Publisher, prefix string) *NATSMirror {
	return &NATSMirror{pub: pub, prefix: strings.TrimSuffix(prefix, ".")}
}

// Connect dials the NATS server at url. The connection reconnects forever;
// publishes made while disconnected are buffered by the client library.
func Connect(url, name, prefix string) (*NATSMirror, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warnf("[mirror] disconnected from nats url=%s err=%v", url, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Logf("[mirror] reconnected to nats url=%s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	m := New(nc, prefix)
	m.nc = nc
	logging.Logf("[mirror] publishing relayed trade events to nats url=%s subject=%s.<sender>", url, m.prefix)
	return m, nil
}

// Publish mirrors one relayed record for sender.
func (m *NATSMirror) Publish(sender string, record []byte) error {
	return m.pub.Publish(Subject(m.prefix, sender), record)
}

// Close drains the NATS connection if the mirror owns one.
func (m *NATSMirror) Close() error {
	if m.nc == nil {
		return nil
	}
	return m.nc.Drain()
}

// Subject builds the subject for sender. Characters that NATS treats as
// token separators or wildcards are replaced so a sender id is always a
// single token.
func Subject(prefix, sender string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, sender)
	if token == "" {
		token = "_"
	}
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}
