package sync

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// TLV types from spec.md §4.6 / sync.h.
const (
	typeEnd     uint16 = 0
	typeGrey    uint16 = 1
	typeWhite   uint16 = 2
	typeTrapped uint16 = 3
)

const (
	// headerLen is the fixed header size: version(1) + af(1) +
	// length(2) + counter(4) + hmac(20) + pad(4).
	headerLen = 32
	hmacLen   = 20
	version   = 1

	// afINET is this package's own tag for "payload IPs are IPv4",
	// distinct from any OS AF_INET constant: the wire format never
	// leaves the process, so there is nothing to interoperate with.
	afINET = 1

	// maxDatagram mirrors the original's SYNC_MAXSIZE, a sanity cap on
	// a single send rather than a hard protocol limit.
	maxDatagram = 1408
)

var (
	errBadHMAC    = errors.New("sync: hmac verification failed")
	errTruncated  = errors.New("sync: truncated datagram")
	errBadVersion = errors.New("sync: unsupported version")
)

// align4 rounds n up to the next multiple of 4, per spec.md §4.6's
// "TLV payloads are 4-byte aligned with the SYNC_ALIGN rule."
func align4(n int) int { return (n + 3) &^ 3 }

// greyRecord is the decoded form of a GREY TLV.
type greyRecord struct {
	Timestamp time.Time
	IP        net.IP
	From, To, Helo string
}

// addrRecord is the decoded form of a WHITE or TRAPPED TLV.
type addrRecord struct {
	Timestamp time.Time
	Expire    time.Time
	IP        net.IP
}

// packet is one decoded datagram's worth of TLVs.
type packet struct {
	Counter uint32
	Greys   []greyRecord
	Whites  []addrRecord
	Traps   []addrRecord
}

func ipToV4(ip net.IP) (uint32, error) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, fmt.Errorf("sync: %s is not an IPv4 address (wire format only carries v4 addresses, see DESIGN.md)", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

func v4ToIP(n uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

// encodeGreyTLV appends one GREY TLV (type, length, timestamp, ip,
// from/to/helo lengths, then the three strings) padded to a 4-byte
// boundary.
func encodeGreyTLV(buf []byte, g greyRecord) ([]byte, error) {
	ip, err := ipToV4(g.IP)
	if err != nil {
		return nil, err
	}
	body := 4 + 4 + 4 + 2 + 2 + 2 + len(g.From) + len(g.To) + len(g.Helo)
	total := align4(body)

	tlv := make([]byte, total)
	binary.BigEndian.PutUint16(tlv[0:2], typeGrey)
	binary.BigEndian.PutUint16(tlv[2:4], uint16(body))
	binary.BigEndian.PutUint32(tlv[4:8], uint32(g.Timestamp.Unix()))
	binary.BigEndian.PutUint32(tlv[8:12], ip)
	binary.BigEndian.PutUint16(tlv[12:14], uint16(len(g.From)))
	binary.BigEndian.PutUint16(tlv[14:16], uint16(len(g.To)))
	binary.BigEndian.PutUint16(tlv[16:18], uint16(len(g.Helo)))
	off := 18
	off += copy(tlv[off:], g.From)
	off += copy(tlv[off:], g.To)
	copy(tlv[off:], g.Helo)

	return append(buf, tlv...), nil
}

// encodeAddrTLV appends one WHITE or TRAPPED TLV.
func encodeAddrTLV(buf []byte, typ uint16, a addrRecord) ([]byte, error) {
	ip, err := ipToV4(a.IP)
	if err != nil {
		return nil, err
	}
	const body = 4 + 4 + 4 + 4 // type+length, timestamp, expire, ip
	tlv := make([]byte, body)
	binary.BigEndian.PutUint16(tlv[0:2], typ)
	binary.BigEndian.PutUint16(tlv[2:4], body)
	binary.BigEndian.PutUint32(tlv[4:8], uint32(a.Timestamp.Unix()))
	binary.BigEndian.PutUint32(tlv[8:12], uint32(a.Expire.Unix()))
	binary.BigEndian.PutUint32(tlv[12:16], ip)
	return append(buf, tlv...), nil
}

// encodePacket builds a full datagram: header (HMAC zeroed) followed by
// every TLV in pkt, terminated by END, then the HMAC is computed over
// the whole buffer (with the header's hmac field still zeroed) and
// patched back in, per spec.md §4.6's "HMAC computed over the datagram
// with the HMAC field zeroed."
func encodePacket(pkt packet, key []byte) ([]byte, error) {
	body := make([]byte, 0, 256)
	var err error
	for _, g := range pkt.Greys {
		if body, err = encodeGreyTLV(body, g); err != nil {
			return nil, err
		}
	}
	for _, w := range pkt.Whites {
		if body, err = encodeAddrTLV(body, typeWhite, w); err != nil {
			return nil, err
		}
	}
	for _, tr := range pkt.Traps {
		if body, err = encodeAddrTLV(body, typeTrapped, tr); err != nil {
			return nil, err
		}
	}
	// END TLV: zero-length body, header only.
	end := make([]byte, 4)
	binary.BigEndian.PutUint16(end[0:2], typeEnd)
	binary.BigEndian.PutUint16(end[2:4], 4)
	body = append(body, end...)

	total := headerLen + len(body)
	out := make([]byte, total)
	out[0] = version
	out[1] = afINET
	binary.BigEndian.PutUint16(out[2:4], uint16(total))
	binary.BigEndian.PutUint32(out[4:8], pkt.Counter)
	// out[8:28] (hmac) and out[28:32] (pad) are left zeroed.
	copy(out[headerLen:], body)

	mac := computeHMAC(out, key)
	copy(out[8:8+hmacLen], mac)

	return out, nil
}

// computeHMAC returns HMAC-SHA1(key, data) with data's embedded hmac
// field (if any) assumed to be already zeroed by the caller.
func computeHMAC(data, key []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// decodePacket parses a received datagram. When verify is true, the
// HMAC is recomputed against key and mismatches are rejected (spec.md
// §4.6's authentication rule).
func decodePacket(data []byte, key []byte, verify bool) (packet, error) {
	var pkt packet
	if len(data) < headerLen {
		return pkt, errTruncated
	}
	if data[0] != version {
		return pkt, errBadVersion
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if int(length) > len(data) {
		return pkt, errTruncated
	}
	data = data[:length]
	pkt.Counter = binary.BigEndian.Uint32(data[4:8])

	if verify {
		gotHMAC := make([]byte, hmacLen)
		copy(gotHMAC, data[8:8+hmacLen])
		zeroed := make([]byte, len(data))
		copy(zeroed, data)
		for i := 0; i < hmacLen; i++ {
			zeroed[8+i] = 0
		}
		wantHMAC := computeHMAC(zeroed, key)
		if !hmac.Equal(gotHMAC, wantHMAC) {
			return pkt, errBadHMAC
		}
	}

	body := data[headerLen:]
	for len(body) > 0 {
		if len(body) < 4 {
			return pkt, errTruncated
		}
		typ := binary.BigEndian.Uint16(body[0:2])
		tlvLen := int(binary.BigEndian.Uint16(body[2:4]))
		if tlvLen < 4 || tlvLen > len(body) {
			return pkt, errTruncated
		}
		switch typ {
		case typeEnd:
			return pkt, nil
		case typeGrey:
			g, err := decodeGreyTLV(body[:tlvLen])
			if err != nil {
				return pkt, err
			}
			pkt.Greys = append(pkt.Greys, g)
		case typeWhite:
			a, err := decodeAddrTLV(body[:tlvLen])
			if err != nil {
				return pkt, err
			}
			pkt.Whites = append(pkt.Whites, a)
		case typeTrapped:
			a, err := decodeAddrTLV(body[:tlvLen])
			if err != nil {
				return pkt, err
			}
			pkt.Traps = append(pkt.Traps, a)
		default:
			// Unknown TLV: skip it, future-compatible with new types.
		}
		body = body[align4(tlvLen):]
	}
	return pkt, nil
}

func decodeGreyTLV(b []byte) (greyRecord, error) {
	if len(b) < 18 {
		return greyRecord{}, errTruncated
	}
	ts := binary.BigEndian.Uint32(b[4:8])
	ip := binary.BigEndian.Uint32(b[8:12])
	fromLen := int(binary.BigEndian.Uint16(b[12:14]))
	toLen := int(binary.BigEndian.Uint16(b[14:16]))
	heloLen := int(binary.BigEndian.Uint16(b[16:18]))
	want := 18 + fromLen + toLen + heloLen
	if len(b) < want {
		return greyRecord{}, errTruncated
	}
	off := 18
	from := string(b[off : off+fromLen])
	off += fromLen
	to := string(b[off : off+toLen])
	off += toLen
	helo := string(b[off : off+heloLen])
	return greyRecord{
		Timestamp: time.Unix(int64(ts), 0),
		IP:        v4ToIP(ip),
		From:      from, To: to, Helo: helo,
	}, nil
}

func decodeAddrTLV(b []byte) (addrRecord, error) {
	if len(b) < 16 {
		return addrRecord{}, errTruncated
	}
	ts := binary.BigEndian.Uint32(b[4:8])
	exp := binary.BigEndian.Uint32(b[8:12])
	ip := binary.BigEndian.Uint32(b[12:16])
	return addrRecord{
		Timestamp: time.Unix(int64(ts), 0),
		Expire:    time.Unix(int64(exp), 0),
		IP:        v4ToIP(ip),
	}, nil
}
