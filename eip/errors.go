package eip

import "errors"

// Error kinds for the session layer. Callers match with errors.Is to
// decide between reconnecting, failing the handshake, or surfacing a
// protocol fault; the wrapped message carries the detail.
var (
	// ErrResolve: the host name did not resolve. No socket was created.
	ErrResolve = errors.New("host resolution failed")

	// ErrConnect: TCP-level connect failure or timeout.
	ErrConnect = errors.New("connect failed")

	// ErrHandshake: ListServices reported no CIP encapsulation support,
	// or RegisterSession returned a non-zero status.
	ErrHandshake = errors.New("session handshake failed")

	// ErrTransport: short send, EOF, recv error, or timeout while a
	// frame was in flight. The session is unusable afterwards.
	ErrTransport = errors.New("transport failed")

	// ErrProtocol: a well-framed but wrong answer, such as a non-zero
	// encapsulation status or a session handle mismatch.
	ErrProtocol = errors.New("protocol error")
)
