// Package message implements the BGP-4 wire codec: the fixed message
// header (RFC 4271 §4.1), OPEN/UPDATE/NOTIFICATION/KEEPALIVE bodies,
// and capability negotiation (RFC 4760 multiprotocol, RFC 6793 4-octet
// AS). spec.md lists this as an external collaborator ("codec contract"
// only); it is implemented here in full because §8's round-trip
// property and the end-to-end scenarios exercise real bytes on the
// wire. Adapted from the teacher's message.go/messages.go/stream.go,
// generalized from the teacher's unexported single-shot structs to a
// reusable encode/decode pair per message type.
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Type is the 1-octet BGP message type code.
type Type byte

const (
	TypeOpen         Type = 1
	TypeUpdate       Type = 2
	TypeNotification Type = 3
	TypeKeepalive    Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeOpen:
		return "OPEN"
	case TypeUpdate:
		return "UPDATE"
	case TypeNotification:
		return "NOTIFICATION"
	case TypeKeepalive:
		return "KEEPALIVE"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

const (
	markerLength  = 16
	lengthLength  = 2
	typeLength    = 1
	headerLength  = markerLength + lengthLength + typeLength
	// MaxMessageLength is the largest BGP message this implementation
	// will read or write, per spec.md §4.1 ("safe message size (<=4096
	// octets total including header)").
	MaxMessageLength = 4096
	MinMessageLength = headerLength
)

func marker() [markerLength]byte {
	var m [markerLength]byte
	for i := range m {
		m[i] = 0xFF
	}
	return m
}

// ReadMessage blocks until one full BGP message has been read from r,
// validates the marker and length, and returns its type and body (the
// bytes after the header).
func ReadMessage(r io.Reader) (Type, []byte, error) {
	hdr := make([]byte, headerLength)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	for _, b := range hdr[:markerLength] {
		if b != 0xFF {
			return 0, nil, fmt.Errorf("bgp message: marker not all-ones")
		}
	}
	length := binary.BigEndian.Uint16(hdr[markerLength : markerLength+lengthLength])
	msgType := Type(hdr[markerLength+lengthLength])
	if int(length) < headerLength || int(length) > MaxMessageLength {
		return 0, nil, fmt.Errorf("bgp message: length %d out of range", length)
	}
	body := make([]byte, int(length)-headerLength)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	return msgType, body, nil
}

// WriteMessage frames body with a BGP header of the given type and
// writes it to w in one call.
func WriteMessage(w io.Writer, msgType Type, body []byte) error {
	total := headerLength + len(body)
	if total > MaxMessageLength {
		return fmt.Errorf("bgp message: encoded length %d exceeds max %d", total, MaxMessageLength)
	}
	buf := bytes.NewBuffer(make([]byte, 0, total))
	m := marker()
	buf.Write(m[:])
	var lengthBytes [2]byte
	binary.BigEndian.PutUint16(lengthBytes[:], uint16(total))
	buf.Write(lengthBytes[:])
	buf.WriteByte(byte(msgType))
	buf.Write(body)
	_, err := w.Write(buf.Bytes())
	return err
}
