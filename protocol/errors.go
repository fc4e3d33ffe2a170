package protocol

import "fmt"

// Kind classifies a bridge error per the error handling design: transport,
// protocol, session, operation, and timeout errors each propagate
// differently (see server/ and tools/ for where each Kind is handled).
type Kind string

const (
	KindTransport Kind = "transport"
	KindProtocol  Kind = "protocol"
	KindSession   Kind = "session"
	KindOperation Kind = "operation"
	KindTimeout   Kind = "timeout"
)

// BridgeError is a Kind-tagged wrapper so callers can errors.As into it and
// branch on Kind without string-matching messages.
type BridgeError struct {
	Kind Kind
	Err  error
}

func NewError(kind Kind, err error) *BridgeError {
	return &BridgeError{Kind: kind, Err: err}
}

func Errorf(kind Kind, format string, args ...any) *BridgeError {
	return &BridgeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}
