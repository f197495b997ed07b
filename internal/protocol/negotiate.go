package protocol

import "fmt"

// Negotiate answers a client hello. Equal protocol versions are accepted.
// A newer client asks for the server to be restarted from the client's
// binary; an older client cannot recover by itself and is told to abort.
// A server that is already shutting down tells every client to reconnect,
// which ends with a fresh server being spawned.
func Negotiate(hello *ClientHello, serverVersion, sessionKey, clientID string, shuttingDown bool) Payload {
	mismatch := &VersionMismatch{
		ServerVersion:  serverVersion,
		ServerProtocol: ProtocolVersion,
		ClientProtocol: hello.ProtocolVersion,
	}

	switch {
	case shuttingDown:
		mismatch.Action = ActionReconnect
		return mismatch
	case hello.ProtocolVersion > ProtocolVersion:
		mismatch.Action = ActionRestartServer
		return mismatch
	case hello.ProtocolVersion < ProtocolVersion:
		mismatch.Action = ActionAbort
		return mismatch
	}

	return &ServerHello{
		ProtocolVersion: ProtocolVersion,
		ServerVersion:   serverVersion,
		SessionKey:      sessionKey,
		ClientID:        clientID,
	}
}

// MismatchError is returned to a client whose hello was rejected.
type MismatchError struct {
	*VersionMismatch
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("server %s speaks protocol %d, client speaks %d (action: %s)",
		e.ServerVersion, e.ServerProtocol, e.ClientProtocol, e.Action)
}

// RemoteError wraps a failure to reach or talk to a server.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
