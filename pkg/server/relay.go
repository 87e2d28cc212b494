package server

import (
	"fmt"

	"github.com/trade-relay/pkg/logging"
	"github.com/trade-relay/pkg/types"
)

// Relay writes record, already framed, to every primary receiver listening
// to sender, then hands it to the mirror. Targets are collected under the
// registry read lock and written outside it. A failed write closes that
// receiver, since a partial record would corrupt its stream, and never stops
// delivery to the others.
func (s *RelayServer) Relay(sender string, record []byte) (delivered, failed int) {
	var targets []*types.Connection
	s.registry.ForEach(func(c *types.Connection) bool {
		if c.State == types.StateReceiverPrimary && c.ListenTo == sender {
			targets = append(targets, c)
		}
		return true
	})

	for _, c := range targets {
		if err := deliver(c, record); err != nil {
			failed++
			logging.Warnf("[relay] write failed sender=%s receiver=%s: %v", sender, c.ID, err)
			_ = c.CloseAs(reasonWriteError)
			continue
		}
		delivered++
	}

	if s.mirror != nil {
		if err := s.mirror.Publish(sender, record); err != nil {
			s.collector.RecordMirrorError()
			logging.Warnf("[mirror] publish failed sender=%s: %v", sender, err)
		}
	}

	s.collector.RecordRelay(sender, delivered, failed)
	logging.Debugf("[relay] sender=%s receivers=%d failed=%d bytes=%d", sender, delivered, failed, len(record))
	return delivered, failed
}

func deliver(c *types.Connection, record []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic writing to %s: %v", c.ID, r)
		}
	}()
	return c.Send(record)
}
