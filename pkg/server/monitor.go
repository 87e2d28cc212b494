package server

import (
	"time"

	"github.com/trade-relay/pkg/logging"
	"github.com/trade-relay/pkg/types"
)

// startMonitor starts the idle sweep once, with the first listener.
func (s *RelayServer) startMonitor() {
	s.mu.Lock()
	if s.monitorOn || s.closing {
		s.mu.Unlock()
		return
	}
	s.monitorOn = true
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runMonitor(s.cfg.GetHeartbeatInterval())
}

func (s *RelayServer) runMonitor(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.Sweep(now)
		}
	}
}

// Sweep closes every connection silent for longer than the heartbeat
// timeout and returns how many it closed. It only closes transports; each
// connection's read loop then runs the usual cleanup.
func (s *RelayServer) Sweep(now time.Time) int {
	timeout := s.cfg.GetHeartbeatTimeout()

	var stale []*types.Connection
	s.registry.ForEach(func(c *types.Connection) bool {
		if !c.Closed() && now.Sub(c.LastActivity()) > timeout {
			stale = append(stale, c)
		}
		return true
	})

	for _, c := range stale {
		logging.Logf("[monitor] timed out id=%s idle=%s", c.ID, now.Sub(c.LastActivity()).Truncate(time.Millisecond))
		s.collector.RecordHeartbeatTimeout()
		_ = c.CloseAs(reasonHeartbeatTimeout)
	}
	return len(stale)
}
