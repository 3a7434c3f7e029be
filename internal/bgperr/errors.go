// Package bgperr classifies the recoverable error kinds from spec.md §7
// (config, transport, protocol) as distinct types so callers can use
// errors.As to decide how to react, instead of matching on strings.
package bgperr

import "fmt"

// ConfigError wraps a problem found while loading or reloading
// configuration. It is fatal at startup and rejects (without applying)
// a reload, retaining the previously running configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError wraps a socket-level failure. It always demotes the
// session to Idle; it carries no NOTIFICATION since the peer is
// presumed unreachable.
type TransportError struct {
	Peer string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error with peer %s: %v", e.Peer, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NOTIFICATION Error Codes, RFC 4271 §6.
const (
	CodeMessageHeaderError = 1
	CodeOpenMessageError   = 2
	CodeUpdateMessageError = 3
	CodeHoldTimerExpired   = 4
	CodeFSMError           = 5
	CodeCease              = 6
)

// Message Header Error subcodes.
const (
	SubConnectionNotSynchronized = 1
	SubBadMessageLength          = 2
	SubBadMessageType            = 3
)

// OPEN Message Error subcodes.
const (
	SubUnsupportedVersionNumber = 1
	SubBadPeerAS                = 2
	SubBadBGPIdentifier         = 3
	SubUnsupportedOptionalParam = 4
	SubUnacceptableHoldTime     = 6
)

// UPDATE Message Error subcodes.
const (
	SubMalformedAttributeList         = 1
	SubUnrecognizedWellKnownAttribute = 2
	SubMissingWellKnownAttribute      = 3
	SubAttributeFlagsError            = 4
	SubAttributeLengthError           = 5
	SubInvalidOriginAttribute         = 6
	SubInvalidNextHopAttribute        = 8
	SubOptionalAttributeError         = 9
	SubInvalidNetworkField            = 10
	SubMalformedASPath                = 11
)

// Cease subcodes (RFC 4486), the only one this codebase produces.
const (
	SubAdministrativeShutdown = 2
)

// ProtocolError wraps a malformed message or an unexpected FSM
// transition. It carries the (code, subcode) the session must send in
// its outbound NOTIFICATION before resetting to Idle.
type ProtocolError struct {
	Code    int
	Subcode int
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (code=%d subcode=%d): %v", e.Code, e.Subcode, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError builds a ProtocolError from a format string, mirroring
// fmt.Errorf.
func NewProtocolError(code, subcode int, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Code: code, Subcode: subcode, Err: fmt.Errorf(format, args...)}
}

// RPCError is a JSON-RPC 2.0 error, per spec.md §7: malformed
// request/unknown method use the standard negative codes; business
// errors (e.g. unknown peer router_id) use -32000.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string { return e.Message }

const (
	RPCCodeParseError     = -32700
	RPCCodeInvalidRequest = -32600
	RPCCodeMethodNotFound = -32601
	RPCCodeInvalidParams  = -32602
	RPCCodeBusiness       = -32000
)

// NewRPCError builds a business-logic RPCError (-32000) with the given
// message.
func NewRPCError(message string) *RPCError {
	return &RPCError{Code: RPCCodeBusiness, Message: message}
}
