package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Delimiter terminates every record on the wire.
const Delimiter = '\n'

// Envelope types
const (
	TypeIdentification = "identification"
	TypeHeartbeat      = "heartbeat"
	TypeTradeEvent     = "tradeEvent"
	TypeAck            = "ack"
	TypeError          = "error"
)

// Identification roles
const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

// Reply statuses
const (
	StatusAuthenticatedPrimary   = "authenticated_primary"
	StatusAuthenticatedDuplicate = "authenticated_duplicate"
	StatusUnauthorized           = "unauthorized"
	StatusInvalidJSON            = "invalid_json"
	StatusInvalidIdentification  = "invalid_identification"
	StatusNotSender              = "not_sender"
	StatusUnknownType            = "unknown_type"
	StatusAlreadyIdentified      = "already_identified"
	StatusRecordTooLarge         = "record_too_large"
)

// Reply messages
const (
	MsgIdentified            = "Identification successful"
	MsgHeartbeat             = "Heartbeat received"
	MsgPrimary               = "Authenticated as primary receiver"
	MsgDuplicate             = "Authenticated as duplicate receiver; relayed data goes to the primary connection"
	MsgUnauthorized          = "Account not authorized"
	MsgInvalidJSON           = "Invalid JSON format"
	MsgInvalidIdentification = "Invalid identification format"
	MsgUnknownRole           = "Unknown role"
	MsgNotSender             = "Cannot process tradeEvent: identify as sender first"
	MsgUnknownType           = "Unknown message type"
	MsgAlreadyIdentified     = "Connection already identified"
	MsgRecordTooLarge        = "Record exceeds maximum size"
)

var (
	ErrInvalidJSON    = errors.New("invalid JSON record")
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
)

// Kind classifies a decoded envelope.
type Kind int

const (
	KindUnknown Kind = iota
	KindIdentification
	KindHeartbeat
	KindTradeEvent
)

func (k Kind) String() string {
	switch k {
	case KindIdentification:
		return TypeIdentification
	case KindHeartbeat:
		return TypeHeartbeat
	case KindTradeEvent:
		return TypeTradeEvent
	default:
		return "unknown"
	}
}

// Envelope is one decoded inbound record. Raw is the record as received,
// without the delimiter.
type Envelope struct {
	Kind Kind
	// Type is the type field, "" when it is missing or not a string.
	Type      string
	Role      string
	AccountID string
	ListenTo  string
	// BadFields is set when an identification carries a non-string role,
	// accountId or listenTo.
	BadFields bool
	Raw       []byte
}

// Identification returns the identification fields of e.
func (e Envelope) Identification() Identification {
	return Identification{Role: e.Role, AccountID: e.AccountID, ListenTo: e.ListenTo, Malformed: e.BadFields}
}

// Identification is the payload of an identification envelope.
type Identification struct {
	Role      string
	AccountID string
	ListenTo  string
	// Malformed identifications are rejected whatever their role.
	Malformed bool
}

// inbound holds the envelope fields undecoded, so sender-defined fields of
// a trade event may use these names with any JSON value.
type inbound struct {
	Type      json.RawMessage `json:"type"`
	Role      json.RawMessage `json:"role"`
	AccountID json.RawMessage `json:"accountId"`
	ListenTo  json.RawMessage `json:"listenTo"`
}

// stringField decodes an optional string field. Missing and null fields
// are "". ok is false for any other non-string value.
func stringField(raw json.RawMessage) (v string, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	if raw[0] != '"' {
		return "", false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	return v, true
}

// Decode parses one record. Only type is read from every record; the
// identification fields are read only from identifications, and a trade
// event is left untouched in Raw.
func Decode(record []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(record)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrInvalidJSON)
	}
	var in inbound
	if err := json.Unmarshal(trimmed, &in); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	env := Envelope{Raw: record}
	env.Type, _ = stringField(in.Type)
	switch env.Type {
	case TypeIdentification:
		env.Kind = KindIdentification
		var okRole, okAccount, okListen bool
		env.Role, okRole = stringField(in.Role)
		env.AccountID, okAccount = stringField(in.AccountID)
		env.ListenTo, okListen = stringField(in.ListenTo)
		env.BadFields = !(okRole && okAccount && okListen)
	case TypeHeartbeat:
		env.Kind = KindHeartbeat
	case TypeTradeEvent:
		env.Kind = KindTradeEvent
	default:
		env.Kind = KindUnknown
	}
	return env, nil
}

// Reply is an outbound ack or error envelope.
type Reply struct {
	Type    string `json:"type"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message"`
}

// IsError reports whether r is an error envelope.
func (r Reply) IsError() bool {
	return r.Type == TypeError
}

// FormatAck formats an ack envelope terminated by the delimiter.
func FormatAck(status, message string) []byte {
	return formatReply(Reply{Type: TypeAck, Status: status, Message: message})
}

// FormatError formats an error envelope terminated by the delimiter.
func FormatError(status, message string) []byte {
	return formatReply(Reply{Type: TypeError, Status: status, Message: message})
}

func formatReply(r Reply) []byte {
	b, err := json.Marshal(r)
	if err != nil {
		// Reply only holds strings; Marshal cannot fail on it.
		panic(err)
	}
	return append(b, Delimiter)
}

// ParseReply parses an ack or error envelope.
func ParseReply(record []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(bytes.TrimSpace(record), &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return r, nil
}

// Frame appends the delimiter to a record for relaying.
func Frame(record []byte) []byte {
	out := make([]byte, len(record)+1)
	copy(out, record)
	out[len(record)] = Delimiter
	return out
}
