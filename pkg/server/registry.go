package server

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/trade-relay/pkg/types"
)

// ErrDuplicateID is returned by Register when the id is already live.
var ErrDuplicateID = errors.New("connection id already registered")

// Registry tracks live connections and, per receiver account, which
// connection is the primary. Both maps share one lock so a primary entry
// always names a registered connection in the primary state.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*types.Connection
	primaries map[string]string // accountId -> connection id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]*types.Connection),
		primaries: make(map[string]string),
	}
}

// Register adds c in the unidentified state.
func (r *Registry) Register(c *types.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[c.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, c.ID)
	}
	r.conns[c.ID] = c
	return nil
}

// Get returns the live connection with the given id.
func (r *Registry) Get(id string) (*types.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Info returns a copy of the identity of the connection with the given id.
func (r *Registry) Info(id string) (types.Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	if !ok {
		return types.Info{}, false
	}
	return c.Info(), true
}

// Remove deletes c and releases its primary claim. It only removes the
// exact connection registered under c.ID, so calling it twice, or after a
// newer connection reused the id, is a no-op. Reports whether c was removed.
func (r *Registry) Remove(c *types.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[c.ID]; !ok || cur != c {
		return false
	}
	r.releaseLocked(c)
	delete(r.conns, c.ID)
	return true
}

// RemoveID deletes whatever connection is registered under id.
func (r *Registry) RemoveID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return false
	}
	r.releaseLocked(c)
	delete(r.conns, id)
	return true
}

// releaseLocked drops c's primary claim, if it holds one. r.mu must be held
// for writing.
func (r *Registry) releaseLocked(c *types.Connection) {
	if c.State != types.StateReceiverPrimary {
		return
	}
	if r.primaries[c.AccountID] == c.ID {
		delete(r.primaries, c.AccountID)
	}
}

// ForEach calls fn for every live connection under the read lock until fn
// returns false. fn may read identity fields but must not call back into
// the registry or block on I/O.
func (r *Registry) ForEach(fn func(c *types.Connection) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.conns {
		if !fn(c) {
			return
		}
	}
}

// Connections returns the live connections.
func (r *Registry) Connections() []*types.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a copy of every connection's identity, ordered by id.
func (r *Registry) Snapshot() []types.Info {
	r.mu.RLock()
	out := make([]types.Info, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Primary returns the id of the primary connection for a receiver account.
func (r *Registry) Primary(accountID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.primaries[accountID]
	return id, ok
}

// tableLine renders the registry for debug logs.
func (r *Registry) tableLine() string {
	infos := r.Snapshot()
	if len(infos) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteString("[")
	for i, info := range infos {
		if i > 0 {
			b.WriteString(" ")
		}
		switch info.State.Role() {
		case types.RoleSender:
			fmt.Fprintf(&b, "%s(%s account=%s)", info.ID, info.State, info.AccountID)
		case types.RoleReceiver:
			fmt.Fprintf(&b, "%s(%s account=%s listen_to=%s)", info.ID, info.State, info.AccountID, info.ListenTo)
		default:
			fmt.Fprintf(&b, "%s(%s)", info.ID, info.State)
		}
	}
	b.WriteString("]")
	return b.String()
}
