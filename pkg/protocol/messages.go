// Package protocol defines the wire protocol messages exchanged between
// device agents, the hub, and control frontends over WebSocket.
//
// All messages are flat JSON objects with a "type" field that determines
// the remaining structure. The hub forwards command and state messages
// verbatim, so decoded messages keep the original bytes alongside the
// typed variant.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type constants.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeAgentList  = "esp32_list"
	TypeOnline     = "esp32_online"
	TypeOffline    = "esp32_offline"
	TypeCommand    = "command"
	TypeState      = "state"
	TypeGetState   = "get_state"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeError      = "error"
	TypeWarning    = "warning"
)

// Peer roles accepted in a register message.
const (
	RoleAgent    = "esp32"
	RoleFrontend = "frontend"
)

// Register is the mandatory first message on every connection.
// Mac and IP are only meaningful for the agent role.
type Register struct {
	Type string `json:"type"`
	Role string `json:"role"`
	ID   string `json:"id,omitempty"`
	Mac  string `json:"mac,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// Registered confirms a successful registration. Agents get their id
// echoed back; frontends get the role instead.
type Registered struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Role string `json:"role,omitempty"`
}

// AgentList carries the sorted ids of all currently connected agents.
type AgentList struct {
	Type  string   `json:"type"`
	Items []string `json:"items"`
}

// AgentEvent announces an agent coming online or going offline.
type AgentEvent struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Command is a frontend request targeting one sub-device of one agent.
// The hub forwards it verbatim; fields beyond the routing key are opaque.
type Command struct {
	Type   string `json:"type"`
	To     string `json:"to"`
	Device string `json:"device,omitempty"`
	ID     int    `json:"id,omitempty"`
	Action string `json:"action,omitempty"`
}

// State reports the current state of one sub-device. The three key
// fields are pointers so a missing field is distinguishable from a zero
// value; a mistyped field fails the decode and leaves the variant nil.
type State struct {
	Type   string  `json:"type"`
	From   *string `json:"from"`
	Device *string `json:"device"`
	ID     *int    `json:"id"`
	State  string  `json:"state,omitempty"`
}

// GetState asks the hub for the last known state of an agent.
type GetState struct {
	Type string `json:"type"`
	To   string `json:"to"`
}

// Ping is the protocol-level keep-alive; Pong is its reply.
type Ping struct {
	Type string `json:"type"`
	From string `json:"from,omitempty"`
}

type Pong struct {
	Type string `json:"type"`
}

// ErrorMessage reports a failure to one peer. Warning is the non-fatal
// counterpart.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type Warning struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewPong() Pong { return Pong{Type: TypePong} }

func NewError(format string, args ...any) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

func NewWarning(format string, args ...any) Warning {
	return Warning{Type: TypeWarning, Message: fmt.Sprintf(format, args...)}
}

// Message is the decoded form of one inbound wire message: the type tag,
// at most one populated variant, and the original bytes for verbatim
// forwarding.
type Message struct {
	Type string
	Raw  json.RawMessage

	Register *Register
	Command  *Command
	State    *State
	GetState *GetState
	Ping     *Ping
}

// Decode parses a wire message into its typed variant. A payload that is
// not a JSON object with a string "type" field is an error; a recognized
// type whose body does not decode leaves the variant nil, which callers
// treat as malformed. Unrecognized types decode to a Message with only
// Type and Raw set.
func Decode(data []byte) (*Message, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if tag.Type == "" {
		return nil, fmt.Errorf("decode message: missing type field")
	}

	msg := &Message{Type: tag.Type, Raw: append(json.RawMessage(nil), data...)}

	switch tag.Type {
	case TypeRegister:
		var v Register
		if err := json.Unmarshal(data, &v); err == nil {
			msg.Register = &v
		}
	case TypeCommand:
		var v Command
		if err := json.Unmarshal(data, &v); err == nil {
			msg.Command = &v
		}
	case TypeState:
		var v State
		if err := json.Unmarshal(data, &v); err == nil {
			msg.State = &v
		}
	case TypeGetState:
		var v GetState
		if err := json.Unmarshal(data, &v); err == nil {
			msg.GetState = &v
		}
	case TypePing:
		var v Ping
		if err := json.Unmarshal(data, &v); err == nil {
			msg.Ping = &v
		}
	}

	return msg, nil
}

// ValidKey reports whether a state message carries the three fields that
// form a cache key: string agent id, string device class, integer index.
func (s *State) ValidKey() bool {
	return s != nil && s.From != nil && s.Device != nil && s.ID != nil
}
