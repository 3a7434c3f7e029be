package message

import (
	"bytes"
	"fmt"
	"io"
	"net"

	"github.com/kiteroute/bgpd/internal/route"
)

// 4.3.  UPDATE Message Format
//    UPDATE messages are used to transfer routing information between
//    BGP peers... An UPDATE message can advertise at most one set of
//    path attributes, but multiple destinations, provided that the
//    destinations share the same path attributes.

// Path attribute type codes (RFC 4271 §5, RFC 4760, RFC 4360).
const (
	attrOrigin        = 1
	attrASPath        = 2
	attrNextHop       = 3
	attrMED           = 4
	attrLocalPref     = 5
	attrCommunities   = 8
	attrMPReachNLRI   = 14
	attrMPUnreachNLRI = 15
	attrExtCommunity  = 16
)

// Attribute flags (RFC 4271 §4.3).
const (
	flagOptional   = 0x80
	flagTransitive = 0x40
	flagExtLength  = 0x10
)

const asPathSequence = 2 // AS_SEQUENCE segment type

// MPReach carries the MP_REACH_NLRI attribute: the next hop and NLRI
// for a non-IPv4-unicast family (RFC 4760 §3).
type MPReach struct {
	Family  route.Family
	NextHop net.IP
	NLRI    []route.NLRI
}

// MPUnreach carries the MP_UNREACH_NLRI attribute: withdrawals for a
// non-IPv4-unicast family.
type MPUnreach struct {
	Family route.Family
	NLRI   []route.NLRI
}

// Update is the parsed/to-be-encoded UPDATE message body. An UPDATE
// with no withdrawals, no NLRI, and a zero Attrs is a pure keepalive-
// equivalent and must not be treated as an error (spec.md §4.1).
type Update struct {
	WithdrawnIPv4 []route.NLRI // IPv4 unicast withdrawals carried in the classic WITHDRAWN ROUTES field
	Attrs         route.Attributes
	HasAttrs      bool
	NLRI          []route.NLRI // IPv4 unicast NLRI carried in the classic field
	MPReach       *MPReach
	MPUnreach     *MPUnreach
}

// EncodeUpdate renders u as wire bytes (without the message header).
func EncodeUpdate(u Update) ([]byte, error) {
	buf := new(bytes.Buffer)

	withdrawn := encodePrefixes(u.WithdrawnIPv4)
	writeUint16(buf, uint16(len(withdrawn)))
	buf.Write(withdrawn)

	attrBuf := new(bytes.Buffer)
	if u.HasAttrs {
		if err := writeAttributes(attrBuf, u.Attrs, len(u.NLRI) > 0); err != nil {
			return nil, err
		}
	}
	if u.MPReach != nil {
		writeMPReach(attrBuf, *u.MPReach)
	}
	if u.MPUnreach != nil {
		writeMPUnreach(attrBuf, *u.MPUnreach)
	}
	writeUint16(buf, uint16(attrBuf.Len()))
	buf.Write(attrBuf.Bytes())

	buf.Write(encodePrefixes(u.NLRI))
	return buf.Bytes(), nil
}

// DecodeUpdate parses an UPDATE message body.
func DecodeUpdate(body []byte) (Update, error) {
	var u Update
	r := bytes.NewReader(body)

	withdrawnLen, err := readUint16(r)
	if err != nil {
		return u, fmt.Errorf("update: withdrawn routes length: %w", err)
	}
	withdrawnBytes := make([]byte, withdrawnLen)
	if _, err := readFull(r, withdrawnBytes); err != nil {
		return u, fmt.Errorf("update: withdrawn routes truncated: %w", err)
	}
	u.WithdrawnIPv4, err = decodePrefixes(withdrawnBytes)
	if err != nil {
		return u, fmt.Errorf("update: withdrawn routes: %w", err)
	}

	attrLen, err := readUint16(r)
	if err != nil {
		return u, fmt.Errorf("update: path attribute length: %w", err)
	}
	attrBytes := make([]byte, attrLen)
	if _, err := readFull(r, attrBytes); err != nil {
		return u, fmt.Errorf("update: path attributes truncated: %w", err)
	}
	attrs, mpReach, mpUnreach, hasAttrs, err := readAttributes(attrBytes)
	if err != nil {
		return u, err
	}
	u.Attrs = attrs
	u.HasAttrs = hasAttrs
	u.MPReach = mpReach
	u.MPUnreach = mpUnreach

	nlriBytes := make([]byte, r.Len())
	if _, err := readFull(r, nlriBytes); err != nil {
		return u, fmt.Errorf("update: nlri truncated: %w", err)
	}
	u.NLRI, err = decodePrefixes(nlriBytes)
	if err != nil {
		return u, fmt.Errorf("update: nlri: %w", err)
	}
	return u, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return io.ReadFull(r, b)
}

// encodePrefixes renders a list of unicast prefixes as the classic
// <length,prefix> sequence (RFC 4271 §4.3).
func encodePrefixes(nlris []route.NLRI) []byte {
	buf := new(bytes.Buffer)
	for _, n := range nlris {
		if n.Prefix == nil {
			continue
		}
		ones, _ := n.Prefix.Mask.Size()
		buf.WriteByte(byte(ones))
		ip4 := n.Prefix.IP.To4()
		nbytes := (ones + 7) / 8
		buf.Write(ip4[:nbytes])
	}
	return buf.Bytes()
}

func decodePrefixes(b []byte) ([]route.NLRI, error) {
	var out []route.NLRI
	for len(b) > 0 {
		ones := int(b[0])
		b = b[1:]
		if ones < 0 || ones > 32 {
			return nil, fmt.Errorf("invalid prefix length %d", ones)
		}
		nbytes := (ones + 7) / 8
		if nbytes > len(b) {
			return nil, fmt.Errorf("prefix truncated")
		}
		ipBytes := make([]byte, 4)
		copy(ipBytes, b[:nbytes])
		b = b[nbytes:]
		out = append(out, route.NLRI{Prefix: &net.IPNet{IP: net.IP(ipBytes), Mask: net.CIDRMask(ones, 32)}})
	}
	return out, nil
}

func writeAttr(buf *bytes.Buffer, flags byte, code byte, value []byte) {
	if len(value) > 255 {
		flags |= flagExtLength
	}
	buf.WriteByte(flags)
	buf.WriteByte(code)
	if flags&flagExtLength != 0 {
		writeUint16(buf, uint16(len(value)))
	} else {
		buf.WriteByte(byte(len(value)))
	}
	buf.Write(value)
}

func writeAttributes(buf *bytes.Buffer, a route.Attributes, includeNextHop bool) error {
	writeAttr(buf, flagTransitive, attrOrigin, []byte{byte(a.Origin)})

	asPath := new(bytes.Buffer)
	if len(a.ASPath) > 0 {
		asPath.WriteByte(asPathSequence)
		asPath.WriteByte(byte(len(a.ASPath)))
		for _, asn := range a.ASPath {
			asPath.Write(encodeUint32(asn))
		}
	}
	writeAttr(buf, flagTransitive, attrASPath, asPath.Bytes())

	if includeNextHop {
		nh := a.NextHop.To4()
		if nh == nil {
			nh = make(net.IP, 4)
		}
		writeAttr(buf, flagTransitive, attrNextHop, nh)
	}
	if a.HasMED {
		writeAttr(buf, flagOptional, attrMED, encodeUint32(a.MED))
	}
	if a.HasLocalPref {
		writeAttr(buf, flagTransitive, attrLocalPref, encodeUint32(a.LocalPref))
	}
	if len(a.Communities) > 0 {
		cb := new(bytes.Buffer)
		for _, c := range a.Communities {
			cb.Write(encodeUint32(uint32(c)))
		}
		writeAttr(buf, flagOptional|flagTransitive, attrCommunities, cb.Bytes())
	}
	if len(a.ExtCommunities) > 0 {
		cb := new(bytes.Buffer)
		for _, c := range a.ExtCommunities {
			cb.Write(c[:])
		}
		writeAttr(buf, flagOptional|flagTransitive, attrExtCommunity, cb.Bytes())
	}
	return nil
}

func writeMPReach(buf *bytes.Buffer, r MPReach) {
	value := new(bytes.Buffer)
	writeUint16(value, uint16(r.Family.AFI))
	value.WriteByte(byte(r.Family.SAFI))
	nh := encodeNextHop(r.Family, r.NextHop)
	value.WriteByte(byte(len(nh)))
	value.Write(nh)
	value.WriteByte(0) // Reserved
	value.Write(encodeFamilyNLRI(r.Family, r.NLRI))
	writeAttr(buf, flagOptional, attrMPReachNLRI, value.Bytes())
}

func writeMPUnreach(buf *bytes.Buffer, u MPUnreach) {
	value := new(bytes.Buffer)
	writeUint16(value, uint16(u.Family.AFI))
	value.WriteByte(byte(u.Family.SAFI))
	value.Write(encodeFamilyNLRI(u.Family, u.NLRI))
	writeAttr(buf, flagOptional, attrMPUnreachNLRI, value.Bytes())
}

func encodeNextHop(f route.Family, ip net.IP) []byte {
	if f.AFI == route.AFIIPv6 {
		v6 := ip.To16()
		if v6 == nil {
			v6 = make(net.IP, 16)
		}
		return v6
	}
	v4 := ip.To4()
	if v4 == nil {
		v4 = make(net.IP, 4)
	}
	return v4
}

// encodeFamilyNLRI encodes NLRI entries for SAFI according to family:
// unicast prefixes use the classic length+prefix encoding (sized for
// IPv4 or IPv6); Flowspec NLRI use a length-prefixed ordered list of
// <type,length,value> flow components. This implementation's Flowspec
// wire encoding is simplified relative to RFC 5575's numeric-operator
// packing (out of scope per spec.md §1 Non-goals: "Route policy /
// filtering... Flowspec" semantics); it stays internally self-describing
// and round-trips.
func encodeFamilyNLRI(f route.Family, nlris []route.NLRI) []byte {
	buf := new(bytes.Buffer)
	if f.SAFI == route.SAFIFlowspec {
		for _, n := range nlris {
			flow := new(bytes.Buffer)
			for _, c := range n.Flow {
				flow.WriteByte(c.Type)
				flow.WriteByte(byte(len(c.Value)))
				flow.Write(c.Value)
			}
			buf.WriteByte(byte(flow.Len()))
			buf.Write(flow.Bytes())
		}
		return buf.Bytes()
	}
	bits := 32
	if f.AFI == route.AFIIPv6 {
		bits = 128
	}
	for _, n := range nlris {
		if n.Prefix == nil {
			continue
		}
		ones, _ := n.Prefix.Mask.Size()
		buf.WriteByte(byte(ones))
		nbytes := (ones + 7) / 8
		ip := n.Prefix.IP.To16()
		if bits == 32 {
			ip = n.Prefix.IP.To4()
		}
		buf.Write(ip[:nbytes])
	}
	return buf.Bytes()
}

func decodeFamilyNLRI(f route.Family, b []byte) ([]route.NLRI, error) {
	var out []route.NLRI
	if f.SAFI == route.SAFIFlowspec {
		for len(b) > 0 {
			flowLen := int(b[0])
			b = b[1:]
			if flowLen > len(b) {
				return nil, fmt.Errorf("flowspec nlri truncated")
			}
			flowBytes := b[:flowLen]
			b = b[flowLen:]
			var comps []route.FlowComponent
			for len(flowBytes) >= 2 {
				cType := flowBytes[0]
				cLen := int(flowBytes[1])
				flowBytes = flowBytes[2:]
				if cLen > len(flowBytes) {
					return nil, fmt.Errorf("flow component truncated")
				}
				comps = append(comps, route.FlowComponent{Type: cType, Value: append([]byte(nil), flowBytes[:cLen]...)})
				flowBytes = flowBytes[cLen:]
			}
			out = append(out, route.NLRI{Flow: comps})
		}
		return out, nil
	}
	byteLen := 4
	if f.AFI == route.AFIIPv6 {
		byteLen = 16
	}
	for len(b) > 0 {
		ones := int(b[0])
		b = b[1:]
		nbytes := (ones + 7) / 8
		if nbytes > len(b) {
			return nil, fmt.Errorf("prefix truncated")
		}
		ipBytes := make([]byte, byteLen)
		copy(ipBytes, b[:nbytes])
		b = b[nbytes:]
		maskBits := 32
		if byteLen == 16 {
			maskBits = 128
		}
		out = append(out, route.NLRI{Prefix: &net.IPNet{IP: net.IP(ipBytes), Mask: net.CIDRMask(ones, maskBits)}})
	}
	return out, nil
}

func readAttributes(b []byte) (route.Attributes, *MPReach, *MPUnreach, bool, error) {
	var a route.Attributes
	var mpReach *MPReach
	var mpUnreach *MPUnreach
	hasAttrs := false
	for len(b) >= 3 {
		flags := b[0]
		code := b[1]
		b = b[2:]
		var length int
		if flags&flagExtLength != 0 {
			if len(b) < 2 {
				return a, nil, nil, hasAttrs, fmt.Errorf("attribute length truncated")
			}
			length = int(b[0])<<8 | int(b[1])
			b = b[2:]
		} else {
			if len(b) < 1 {
				return a, nil, nil, hasAttrs, fmt.Errorf("attribute length truncated")
			}
			length = int(b[0])
			b = b[1:]
		}
		if length > len(b) {
			return a, nil, nil, hasAttrs, fmt.Errorf("attribute value truncated")
		}
		value := b[:length]
		b = b[length:]

		switch code {
		case attrOrigin:
			if len(value) == 1 {
				a.Origin = route.Origin(value[0])
				hasAttrs = true
			}
		case attrASPath:
			if len(value) >= 2 {
				segLen := int(value[1])
				rest := value[2:]
				for i := 0; i < segLen && len(rest) >= 4; i++ {
					a.ASPath = append(a.ASPath, readUint32Bytes(rest[:4]))
					rest = rest[4:]
				}
				hasAttrs = true
			}
		case attrNextHop:
			if len(value) == 4 {
				a.NextHop = net.IP(append([]byte(nil), value...))
				hasAttrs = true
			}
		case attrMED:
			if len(value) == 4 {
				a.MED = readUint32Bytes(value)
				a.HasMED = true
				hasAttrs = true
			}
		case attrLocalPref:
			if len(value) == 4 {
				a.LocalPref = readUint32Bytes(value)
				a.HasLocalPref = true
				hasAttrs = true
			}
		case attrCommunities:
			for i := 0; i+4 <= len(value); i += 4 {
				a.Communities = append(a.Communities, route.Community(readUint32Bytes(value[i:i+4])))
			}
			hasAttrs = true
		case attrExtCommunity:
			for i := 0; i+8 <= len(value); i += 8 {
				var ec route.ExtCommunity
				copy(ec[:], value[i:i+8])
				a.ExtCommunities = append(a.ExtCommunities, ec)
			}
			hasAttrs = true
		case attrMPReachNLRI:
			r, err := decodeMPReach(value)
			if err != nil {
				return a, nil, nil, hasAttrs, err
			}
			mpReach = r
		case attrMPUnreachNLRI:
			u, err := decodeMPUnreach(value)
			if err != nil {
				return a, nil, nil, hasAttrs, err
			}
			mpUnreach = u
		}
	}
	return a, mpReach, mpUnreach, hasAttrs, nil
}

func decodeMPReach(value []byte) (*MPReach, error) {
	if len(value) < 4 {
		return nil, fmt.Errorf("mp_reach_nlri too short")
	}
	afi := route.AFI(int(value[0])<<8 | int(value[1]))
	safi := route.SAFI(value[2])
	nhLen := int(value[3])
	value = value[4:]
	if nhLen > len(value) {
		return nil, fmt.Errorf("mp_reach_nlri next hop truncated")
	}
	nextHop := net.IP(append([]byte(nil), value[:nhLen]...))
	value = value[nhLen:]
	if len(value) < 1 {
		return nil, fmt.Errorf("mp_reach_nlri missing reserved octet")
	}
	value = value[1:] // Reserved
	fam := route.Family{AFI: afi, SAFI: safi}
	nlri, err := decodeFamilyNLRI(fam, value)
	if err != nil {
		return nil, err
	}
	return &MPReach{Family: fam, NextHop: nextHop, NLRI: nlri}, nil
}

func decodeMPUnreach(value []byte) (*MPUnreach, error) {
	if len(value) < 3 {
		return nil, fmt.Errorf("mp_unreach_nlri too short")
	}
	afi := route.AFI(int(value[0])<<8 | int(value[1]))
	safi := route.SAFI(value[2])
	fam := route.Family{AFI: afi, SAFI: safi}
	nlri, err := decodeFamilyNLRI(fam, value[3:])
	if err != nil {
		return nil, err
	}
	return &MPUnreach{Family: fam, NLRI: nlri}, nil
}

func readUint32Bytes(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
