package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/kiteroute/bgpd/internal/route"
)

// 4.2.  OPEN Message Format
//    After a TCP connection is established, the first message sent by
//    each side is an OPEN message. If the OPEN message is acceptable, a
//    KEEPALIVE message confirming the OPEN is sent back.

const (
	bgpVersion = 4
	asTrans    = 23456 // AS_TRANS, RFC 6793 §4.2.3.1 (peer AS placeholder when myAS > 65535)

	// Optional parameter type 2: Capabilities (RFC 5492).
	paramCapabilities = 2

	// Capability codes we negotiate (the rest pass through unparsed).
	capMultiprotocol = 1  // RFC 4760
	capAS4           = 65 // RFC 6793
)

// Capability is a single OPEN optional-parameter capability: a
// (code, value) pair per RFC 5492 §4.
type Capability struct {
	Code  byte
	Value []byte
}

// Open is the parsed/to-be-encoded OPEN message body.
type Open struct {
	Version      byte
	MyAS         uint16 // 2-octet AS field; asTrans when the real AS needs the AS4 capability
	HoldTime     uint16
	RouterID     net.IP
	Capabilities []Capability
}

// NewOpen builds the local OPEN for the given negotiated identity.
// localAS is the full (possibly 32-bit) AS; families are the configured
// multiprotocol families to advertise.
func NewOpen(localAS uint32, routerID net.IP, holdTime uint16, families []route.Family) Open {
	myAS := uint16(localAS)
	if localAS > 0xFFFF {
		myAS = asTrans
	}
	o := Open{
		Version:  bgpVersion,
		MyAS:     myAS,
		HoldTime: holdTime,
		RouterID: routerID.To4(),
	}
	o.Capabilities = append(o.Capabilities, Capability{Code: capAS4, Value: encodeUint32(localAS)})
	for _, f := range families {
		o.Capabilities = append(o.Capabilities, Capability{
			Code:  capMultiprotocol,
			Value: append(encodeUint16(uint16(f.AFI)), 0x00, byte(f.SAFI)),
		})
	}
	return o
}

// AS4 returns the 4-octet AS carried in the AS4 capability, if present.
func (o Open) AS4() (uint32, bool) {
	for _, c := range o.Capabilities {
		if c.Code == capAS4 && len(c.Value) == 4 {
			return binary.BigEndian.Uint32(c.Value), true
		}
	}
	return 0, false
}

// PeerAS returns the effective peer AS, preferring the AS4 capability
// over the 2-octet field per RFC 6793.
func (o Open) PeerAS() uint32 {
	if as4, ok := o.AS4(); ok {
		return as4
	}
	return uint32(o.MyAS)
}

// Families returns the multiprotocol families advertised in this OPEN.
func (o Open) Families() []route.Family {
	var fams []route.Family
	for _, c := range o.Capabilities {
		if c.Code == capMultiprotocol && len(c.Value) == 4 {
			afi := route.AFI(binary.BigEndian.Uint16(c.Value[0:2]))
			safi := route.SAFI(c.Value[3])
			fams = append(fams, route.Family{AFI: afi, SAFI: safi})
		}
	}
	if len(fams) == 0 {
		// An OPEN with no Multiprotocol capability implicitly supports
		// IPv4 Unicast only (RFC 4760 §4).
		fams = []route.Family{{AFI: route.AFIIPv4, SAFI: route.SAFIUnicast}}
	}
	return fams
}

// EncodeOpen renders o as wire bytes (without the message header).
func EncodeOpen(o Open) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(o.Version)
	writeUint16(buf, o.MyAS)
	writeUint16(buf, o.HoldTime)
	ip4 := o.RouterID.To4()
	if ip4 == nil {
		ip4 = make(net.IP, 4)
	}
	buf.Write(ip4)

	capBody := new(bytes.Buffer)
	for _, c := range o.Capabilities {
		capBody.WriteByte(c.Code)
		capBody.WriteByte(byte(len(c.Value)))
		capBody.Write(c.Value)
	}
	param := new(bytes.Buffer)
	if capBody.Len() > 0 {
		param.WriteByte(paramCapabilities)
		param.WriteByte(byte(capBody.Len()))
		param.Write(capBody.Bytes())
	}
	buf.WriteByte(byte(param.Len()))
	buf.Write(param.Bytes())
	return buf.Bytes()
}

// DecodeOpen parses an OPEN message body.
func DecodeOpen(body []byte) (Open, error) {
	if len(body) < 10 {
		return Open{}, fmt.Errorf("open message too short: %d bytes", len(body))
	}
	buf := bytes.NewReader(body)
	var o Open
	var err error
	if o.Version, err = buf.ReadByte(); err != nil {
		return Open{}, err
	}
	if o.MyAS, err = readUint16(buf); err != nil {
		return Open{}, err
	}
	if o.HoldTime, err = readUint16(buf); err != nil {
		return Open{}, err
	}
	idBytes := make([]byte, 4)
	if _, err := io.ReadFull(buf, idBytes); err != nil {
		return Open{}, err
	}
	o.RouterID = net.IP(idBytes)
	optLen, err := buf.ReadByte()
	if err != nil {
		return Open{}, err
	}
	opt := make([]byte, optLen)
	if _, err := io.ReadFull(buf, opt); err != nil {
		return Open{}, fmt.Errorf("open message: optional parameters truncated: %w", err)
	}
	o.Capabilities = parseOptionalParameters(opt)
	return o, nil
}

// parseOptionalParameters walks the <type,length,value> optional
// parameter list and flattens any Capabilities parameter (type 2) into
// individual Capability entries; other parameter types are ignored
// (this implementation negotiates only Multiprotocol and 4-octet AS).
func parseOptionalParameters(b []byte) []Capability {
	var caps []Capability
	for len(b) >= 2 {
		pType := b[0]
		pLen := int(b[1])
		b = b[2:]
		if pLen > len(b) {
			break
		}
		value := b[:pLen]
		b = b[pLen:]
		if pType != paramCapabilities {
			continue
		}
		for len(value) >= 2 {
			cCode := value[0]
			cLen := int(value[1])
			value = value[2:]
			if cLen > len(value) {
				break
			}
			caps = append(caps, Capability{Code: cCode, Value: append([]byte(nil), value[:cLen]...)})
			value = value[cLen:]
		}
	}
	return caps
}
