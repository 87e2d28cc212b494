package server

import (
	"strings"

	"github.com/trade-relay/pkg/allowlist"
	"github.com/trade-relay/pkg/protocol"
	"github.com/trade-relay/pkg/types"
)

// Identification outcomes, used as log fields and metric labels.
const (
	OutcomeSender                = "sender"
	OutcomePrimary               = protocol.StatusAuthenticatedPrimary
	OutcomeDuplicate             = protocol.StatusAuthenticatedDuplicate
	OutcomeUnauthorized          = protocol.StatusUnauthorized
	OutcomeInvalidIdentification = protocol.StatusInvalidIdentification
	OutcomeAlreadyIdentified     = protocol.StatusAlreadyIdentified
	OutcomeNotRegistered         = "not_registered"
)

// Outcome is the result of one identification attempt.
type Outcome struct {
	Name  string
	State types.State
	// Reply is the framed envelope to send back, nil if nothing is sent.
	Reply []byte
}

// Identify applies an identification to c. The whole transition, including
// the primary claim, happens under the registry write lock, so of several
// connections identifying for one account exactly the first becomes primary.
//
// Account ids are compared with surrounding whitespace trimmed, as the
// allowlist stores them. Invalid identifications leave c unchanged. An already identified c is
// rejected unless allowReidentify is set, in which case its previous
// identity, and any primary claim it held, is released first.
func (r *Registry) Identify(c *types.Connection, id protocol.Identification, allowed *allowlist.Set, allowReidentify bool) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[c.ID]; !ok || cur != c {
		return Outcome{Name: OutcomeNotRegistered, State: c.State}
	}

	if c.State != types.StateUnidentified && !allowReidentify {
		return Outcome{
			Name:  OutcomeAlreadyIdentified,
			State: c.State,
			Reply: protocol.FormatError(protocol.StatusAlreadyIdentified, protocol.MsgAlreadyIdentified),
		}
	}

	accountID := strings.TrimSpace(id.AccountID)
	listenTo := strings.TrimSpace(id.ListenTo)

	invalid := func(msg string) Outcome {
		return Outcome{
			Name:  OutcomeInvalidIdentification,
			State: c.State,
			Reply: protocol.FormatError(protocol.StatusInvalidIdentification, msg),
		}
	}

	if id.Malformed {
		return invalid(protocol.MsgInvalidIdentification)
	}

	switch id.Role {
	case protocol.RoleSender:
		if accountID == "" {
			return invalid(protocol.MsgInvalidIdentification)
		}
		r.resetLocked(c)
		c.State = types.StateSender
		c.AccountID = accountID
		return Outcome{
			Name:  OutcomeSender,
			State: c.State,
			Reply: protocol.FormatAck("", protocol.MsgIdentified),
		}

	case protocol.RoleReceiver:
		if accountID == "" || listenTo == "" {
			return invalid(protocol.MsgInvalidIdentification)
		}
		r.resetLocked(c)
		c.AccountID = accountID
		c.ListenTo = listenTo

		if !allowed.Contains(accountID) {
			c.State = types.StateReceiverUnauthorized
			return Outcome{
				Name:  OutcomeUnauthorized,
				State: c.State,
				Reply: protocol.FormatError(protocol.StatusUnauthorized, protocol.MsgUnauthorized),
			}
		}
		if _, taken := r.primaries[accountID]; taken {
			c.State = types.StateReceiverDuplicate
			return Outcome{
				Name:  OutcomeDuplicate,
				State: c.State,
				Reply: protocol.FormatAck(protocol.StatusAuthenticatedDuplicate, protocol.MsgDuplicate),
			}
		}
		c.State = types.StateReceiverPrimary
		r.primaries[accountID] = c.ID
		return Outcome{
			Name:  OutcomePrimary,
			State: c.State,
			Reply: protocol.FormatAck(protocol.StatusAuthenticatedPrimary, protocol.MsgPrimary),
		}

	case "":
		return invalid(protocol.MsgInvalidIdentification)

	default:
		return invalid(protocol.MsgUnknownRole)
	}
}

// resetLocked returns c to the unidentified state, releasing its primary
// claim. r.mu must be held for writing.
func (r *Registry) resetLocked(c *types.Connection) {
	r.releaseLocked(c)
	c.State = types.StateUnidentified
	c.AccountID = ""
	c.ListenTo = ""
}
