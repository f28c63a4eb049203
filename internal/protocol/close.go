package protocol

import "fmt"

// Close codes in the private-use range (4000-4999). Each handshake and
// liveness failure closes with a distinct code so clients can tell them
// apart without parsing the reason text.
const (
	CloseAuthTimeout      = 4001 // no auth frame before the timer fired
	CloseInvalidAuthFrame = 4002 // first frame malformed or missing token
	CloseAuthFailed       = 4003 // verifier rejected the token
	CloseHeartbeatTimeout = 4004 // connection stopped pinging
)

// CloseError pairs a close code with its reason text. It satisfies the
// error interface so handshake paths can return it directly.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason)
}

func AuthTimeoutError() *CloseError {
	return &CloseError{Code: CloseAuthTimeout, Reason: "authentication timeout"}
}

func InvalidAuthFrameError() *CloseError {
	return &CloseError{Code: CloseInvalidAuthFrame, Reason: "invalid authentication frame"}
}

func AuthFailedError() *CloseError {
	return &CloseError{Code: CloseAuthFailed, Reason: "authentication failed"}
}

func HeartbeatTimeoutError() *CloseError {
	return &CloseError{Code: CloseHeartbeatTimeout, Reason: "heartbeat timeout"}
}
