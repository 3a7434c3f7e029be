package message

import "fmt"

// A KEEPALIVE message consists of only the message header and has a
// length of 19 octets. BGP does not use any TCP-based keep-alive
// mechanism; KEEPALIVE messages are exchanged often enough not to let
// the Hold Timer expire (spec.md §4.1, "Keepalive pacing").

// EncodeKeepalive returns the (empty) KEEPALIVE body.
func EncodeKeepalive() []byte {
	return nil
}

// DecodeKeepalive validates that a KEEPALIVE body carries no data.
func DecodeKeepalive(body []byte) error {
	if len(body) != 0 {
		return fmt.Errorf("keepalive message: unexpected body of %d bytes", len(body))
	}
	return nil
}
