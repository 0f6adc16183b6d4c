package wire

import (
	"encoding/json"

	"nhooyr.io/websocket"
)

// Inbound is one parsed server frame: either Control or RawOutput.
type Inbound interface {
	inbound()
}

// ControlKind identifies a control message.
type ControlKind int

const (
	// ControlUnknown is a typed message this client does not understand.
	// Consumers ignore it.
	ControlUnknown ControlKind = iota
	ControlSession
	ControlReplay
	ControlError
)

func (k ControlKind) String() string {
	switch k {
	case ControlSession:
		return TypeSession
	case ControlReplay:
		return TypeReplay
	case ControlError:
		return TypeError
	default:
		return "unknown"
	}
}

// Control is a structured message from the server.
type Control struct {
	Kind    ControlKind
	Type    string
	Session SessionInfo
	Replay  []byte
	Error   string
}

// RawOutput is terminal output to pass through untouched.
type RawOutput struct {
	Data []byte
}

func (Control) inbound()   {}
func (RawOutput) inbound() {}

type envelope struct {
	Type    *string         `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Parse classifies one frame. Binary frames are raw output. Text frames
// are control messages only when they decode as a JSON object carrying a
// string "type"; everything else, including JSON scalars a shell may
// print, is raw output.
func Parse(typ websocket.MessageType, data []byte) Inbound {
	if typ == websocket.MessageBinary {
		return RawOutput{Data: data}
	}
	if !isJSONObject(data) {
		return RawOutput{Data: data}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == nil {
		return RawOutput{Data: data}
	}

	c := Control{Type: *env.Type}
	switch *env.Type {
	case TypeSession:
		var info SessionInfo
		if err := json.Unmarshal(env.Data, &info); err != nil || info.SessionID == "" {
			return Control{Kind: ControlUnknown, Type: *env.Type}
		}
		c.Kind = ControlSession
		c.Session = info
	case TypeReplay:
		var text string
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &text); err != nil {
				return Control{Kind: ControlUnknown, Type: *env.Type}
			}
		}
		c.Kind = ControlReplay
		c.Replay = []byte(text)
	case TypeError:
		c.Kind = ControlError
		c.Error = errorText(env)
	default:
		c.Kind = ControlUnknown
	}
	return c
}

func errorText(env envelope) string {
	if len(env.Data) > 0 {
		var text string
		if err := json.Unmarshal(env.Data, &text); err == nil && text != "" {
			return text
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(env.Data, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	if env.Message != "" {
		return env.Message
	}
	return "server error"
}
