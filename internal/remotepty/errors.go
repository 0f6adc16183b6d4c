package remotepty

import "errors"

var (
	// ErrConnectTimeout is returned when the socket does not open and
	// confirm a session within the connect timeout.
	ErrConnectTimeout = errors.New("remotepty: connect timeout")
	// ErrResumeRejected is returned when the server answers a resume with
	// an error message.
	ErrResumeRejected = errors.New("remotepty: resume rejected")
	// ErrNotConnected is returned by Write and Resize while no socket is live.
	ErrNotConnected = errors.New("remotepty: not connected")
	// ErrReconnectExhausted is the exit error of a terminal whose retry
	// policy ran out.
	ErrReconnectExhausted = errors.New("remotepty: reconnect attempts exhausted")
	// ErrKilled is returned once a terminal has been killed.
	ErrKilled = errors.New("remotepty: terminal killed")
)
