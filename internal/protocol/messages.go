package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is bumped whenever the control messages change
// incompatibly.
const ProtocolVersion uint = 1

// Type names a control message on the wire.
type Type string

// Message type constants
const (
	// Handshake
	TypeClientHello     Type = "client_hello"
	TypeServerHello     Type = "server_hello"
	TypeVersionMismatch Type = "version_mismatch"

	// Session control
	TypeResize Type = "resize"
	TypeDetach Type = "detach"
	TypeQuit   Type = "quit"

	// Connection lifecycle
	TypePing Type = "ping"
	TypePong Type = "pong"

	// Server notifications
	TypeSetTitle Type = "set_title"
	TypeBell     Type = "bell"
	TypeError    Type = "error"
)

var (
	// ErrUnknownType is returned when decoding a message whose type is not
	// part of this protocol version.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned for lines that are not a valid message.
	ErrMalformed = errors.New("malformed message")
)

// IsDecodeError reports whether err came from decoding a single bad line,
// after which the stream is still usable.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrUnknownType) || errors.Is(err, ErrMalformed)
}

// Payload is implemented by every control message.
type Payload interface {
	Type() Type
}

// Action tells a client how to recover from a failed handshake.
type Action string

const (
	// ActionRestartServer asks the client to stop the running server and
	// start one from its own, newer binary.
	ActionRestartServer Action = "restart_server"
	// ActionReconnect asks the client to retry shortly.
	ActionReconnect Action = "reconnect"
	// ActionAbort means the client cannot talk to this server.
	ActionAbort Action = "abort"
)

// ClientHello opens every control connection.
type ClientHello struct {
	ProtocolVersion uint              `json:"protocol_version"`
	ClientVersion   string            `json:"client_version"`
	Cols            uint16            `json:"cols"`
	Rows            uint16            `json:"rows"`
	Env             map[string]string `json:"env,omitempty"`
	// ControlOnly marks a connection that will never open a data channel,
	// such as the one used to kill a session.
	ControlOnly bool `json:"control_only,omitempty"`
}

func (*ClientHello) Type() Type { return TypeClientHello }

// ServerHello accepts a client.
type ServerHello struct {
	ProtocolVersion uint   `json:"protocol_version"`
	ServerVersion   string `json:"server_version"`
	SessionKey      string `json:"session_key"`
	ClientID        string `json:"client_id"`
}

func (*ServerHello) Type() Type { return TypeServerHello }

// VersionMismatch rejects a client.
type VersionMismatch struct {
	ServerVersion  string `json:"server_version"`
	ServerProtocol uint   `json:"server_protocol"`
	ClientProtocol uint   `json:"client_protocol"`
	Action         Action `json:"action"`
}

func (*VersionMismatch) Type() Type { return TypeVersionMismatch }

// Resize reports the client's terminal size.
type Resize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (*Resize) Type() Type { return TypeResize }

// Detach ends one client's attachment without stopping the server. Sent
// by either side.
type Detach struct {
	Reason string `json:"reason,omitempty"`
}

func (*Detach) Type() Type { return TypeDetach }

// Quit stops the server. A server sends it to every client when it exits.
type Quit struct {
	Reason string `json:"reason,omitempty"`
}

func (*Quit) Type() Type { return TypeQuit }

type Ping struct{}

func (*Ping) Type() Type { return TypePing }

type Pong struct{}

func (*Pong) Type() Type { return TypePong }

// SetTitle asks the client to set its terminal window title.
type SetTitle struct {
	Title string `json:"title"`
}

func (*SetTitle) Type() Type { return TypeSetTitle }

type Bell struct{}

func (*Bell) Type() Type { return TypeBell }

// Error reports a failure the peer can show to the user.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (*Error) Type() Type { return TypeError }

// envelope is the line-level representation of a message.
type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func newPayload(t Type) (Payload, error) {
	switch t {
	case TypeClientHello:
		return &ClientHello{}, nil
	case TypeServerHello:
		return &ServerHello{}, nil
	case TypeVersionMismatch:
		return &VersionMismatch{}, nil
	case TypeResize:
		return &Resize{}, nil
	case TypeDetach:
		return &Detach{}, nil
	case TypeQuit:
		return &Quit{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeSetTitle:
		return &SetTitle{}, nil
	case TypeBell:
		return &Bell{}, nil
	case TypeError:
		return &Error{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}

// Marshal encodes a payload as one line, including the trailing newline.
func Marshal(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", p.Type(), err)
	}
	env := envelope{Type: p.Type()}
	if string(data) != "{}" {
		env.Data = data
	}
	line, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// Unmarshal decodes one line produced by Marshal. The trailing newline is
// optional.
func Unmarshal(line []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	p, err := newPayload(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %w", ErrMalformed, env.Type, err)
		}
	}
	return p, nil
}
