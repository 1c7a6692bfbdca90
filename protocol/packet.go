/*
File Name:  packet.go
Copyright:  2024 Fluxon Contributors

Framed packet structure shared by every FluxonApp mesh message.

Offset  Size   Field
0       1      Version
1       1      Type
2       1      TTL
3       8      Timestamp (ms since epoch, unsigned, sender-stamped)
11      2      Flags
13      32     SourceID
45      32     DestID (all-zero = broadcast)
77      2      SignatureLen
79      ?      Signature
?       2      PayloadLen
?       ?      Payload

The signature covers {Type, TTL-at-origin, Timestamp, Flags, SourceID,
DestID, Payload}. Because TTL mutates at every relay hop, the TTL byte
observed on the wire is never fed into the signed buffer -- a fixed
placeholder stands in for it on both the signing and verifying side.
*/
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
)

// Packet type enumeration. Zero and values above NoiseEncrypted are reserved
// for future use and are rejected by Decode.
const (
	TypeReserved       uint8 = 0
	TypeChat           uint8 = 1
	TypeLocationUpdate uint8 = 2
	TypeEmergencyAlert uint8 = 3
	TypeAck            uint8 = 4
	TypeNoiseEncrypted uint8 = 5

	typeMax = TypeNoiseEncrypted
)

// CurrentVersion is the only framed packet version this codec understands.
const CurrentVersion uint8 = 1

// MaxTTL bounds the hop budget a packet may be stamped with.
const MaxTTL = 7

// MaxPayloadSize is the hard ceiling on a packet's payload, per the wire
// format invariant.
const MaxPayloadSize = 512

// PeerIDSize is the fixed width of a PeerId: a hash of the owner's static
// DH public key.
const PeerIDSize = 32

// signaturePlaceholder stands in for the mutable TTL byte in the canonical
// signed buffer. It must never change across versions of this codec.
const signaturePlaceholder = 0

const (
	fieldVersion      = 1
	fieldType         = 1
	fieldTTL          = 1
	fieldTimestamp    = 8
	fieldFlags        = 2
	fieldSourceID     = PeerIDSize
	fieldDestID       = PeerIDSize
	fieldSignatureLen = 2
	fieldPayloadLen   = 2

	// fixedHeaderLen is every field except the variable-length signature
	// and payload.
	fixedHeaderLen = fieldVersion + fieldType + fieldTTL + fieldTimestamp + fieldFlags +
		fieldSourceID + fieldDestID + fieldSignatureLen + fieldPayloadLen

	// minHeaderLen is the smallest a valid frame could be: fixed header,
	// zero-length signature, zero-length payload.
	minHeaderLen = fixedHeaderLen

	// maxSignatureLen generously bounds Ed25519 signatures (64 bytes) plus
	// headroom for future schemes without opening the frame up unbounded.
	maxSignatureLen = 96

	// MaxFrameLen is the largest a fully framed packet may be.
	MaxFrameLen = fixedHeaderLen + maxSignatureLen + MaxPayloadSize
)

// Errors returned by Decode/BuildPacket. Per the spec's error taxonomy these
// are ProtocolError/ValidationError: callers drop silently on decode
// failures and refuse outright on build failures.
var (
	ErrTooShort            = errors.New("protocol: frame shorter than minimum header")
	ErrTooLong             = errors.New("protocol: frame exceeds maximum size")
	ErrUnsupportedVersion  = errors.New("protocol: unsupported packet version")
	ErrTruncatedField      = errors.New("protocol: length field exceeds remaining bytes")
	ErrPayloadTooLarge     = errors.New("protocol: payload exceeds maximum size")
	ErrUnknownPacketType   = errors.New("protocol: unknown packet type")
	ErrInvalidPeerIDLength = errors.New("protocol: invalid peer id length")
)

// PeerID is the 32-byte identifier of a device, derived from the hash of
// its static DH public key. The all-zero PeerID denotes broadcast.
type PeerID [PeerIDSize]byte

// BroadcastID is the all-zero PeerID used as DestID for flood broadcasts.
var BroadcastID PeerID

// IsBroadcast reports whether id is the all-zero broadcast address.
func (id PeerID) IsBroadcast() bool {
	return id == BroadcastID
}

// String renders the PeerID as lowercase hex.
func (id PeerID) String() string {
	return hex.EncodeToString(id[:])
}

// ParsePeerID parses the hex form produced by PeerID.String.
func ParsePeerID(s string) (PeerID, error) {
	var id PeerID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != PeerIDSize {
		return id, ErrInvalidPeerIDLength
	}
	copy(id[:], b)
	return id, nil
}

// Hash returns a uniformly distributed uint32 derived from the first four
// bytes of the ID. Because the ID is already the output of a cryptographic
// hash, using a prefix is safe and avoids re-hashing on every map lookup.
func (id PeerID) Hash() uint32 {
	return binary.BigEndian.Uint32(id[:4])
}

// PeerIDFromBytes copies b into a PeerID. b must be exactly PeerIDSize bytes.
func PeerIDFromBytes(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDSize {
		return id, fmt.Errorf("protocol: peer id must be %d bytes, got %d", PeerIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Packet is a fully parsed framed mesh packet. Payload is the raw bytes as
// they appeared on the wire -- still group-encrypted for payload types that
// carry user content.
type Packet struct {
	Version   uint8
	Type      uint8
	TTL       uint8
	Timestamp uint64 // milliseconds since epoch
	Flags     uint16
	SourceID  PeerID
	DestID    PeerID
	Signature []byte
	Payload   []byte
}

// ID computes the PacketId dedup key: the tuple (SourceID, Timestamp, Type,
// Flags) rendered as a stable string. Two packets sharing an ID are
// duplicates regardless of TTL or arrival interface.
func (p *Packet) ID() string {
	return fmt.Sprintf("%s:%d:%d:%d", p.SourceID.String(), p.Timestamp, p.Type, p.Flags)
}

// SignedBytes returns the canonical buffer that signatures are computed
// over: {Type, TTL-placeholder, Timestamp, Flags, SourceID, DestID,
// Payload}. The real TTL value is intentionally excluded since it mutates
// at every relay hop; both signer and every downstream verifier use the
// same fixed placeholder so the signature survives relaying untouched.
func (p *Packet) SignedBytes() []byte {
	buf := make([]byte, 0, 1+1+8+2+PeerIDSize+PeerIDSize+len(p.Payload))
	buf = append(buf, p.Type, signaturePlaceholder)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], p.Timestamp)
	buf = append(buf, ts[:]...)
	var fl [2]byte
	binary.BigEndian.PutUint16(fl[:], p.Flags)
	buf = append(buf, fl[:]...)
	buf = append(buf, p.SourceID[:]...)
	buf = append(buf, p.DestID[:]...)
	buf = append(buf, p.Payload...)
	return buf
}

// BuildPacket constructs an unsigned packet of the given type. It stamps the
// current wall-clock timestamp (milliseconds) and a random Flags value,
// which together with SourceID/Type form the PacketId once the caller signs
// and sends it. BuildPacket refuses to build if payload exceeds
// MaxPayloadSize.
func BuildPacket(typ uint8, sourceID PeerID, payload []byte, ttl uint8, destID PeerID, now func() uint64) (*Packet, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if ttl == 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}

	return &Packet{
		Version:   CurrentVersion,
		Type:      typ,
		TTL:       ttl,
		Timestamp: now(),
		Flags:     uint16(rand.Uint32()),
		SourceID:  sourceID,
		DestID:    destID,
		Payload:   payload,
	}, nil
}

// Encode serializes a Packet into its wire representation.
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if len(p.Signature) > maxSignatureLen {
		return nil, fmt.Errorf("protocol: signature exceeds maximum size")
	}

	total := fixedHeaderLen + len(p.Signature) + len(p.Payload)
	buf := make([]byte, total)

	buf[0] = p.Version
	buf[1] = p.Type
	buf[2] = p.TTL
	binary.BigEndian.PutUint64(buf[3:11], p.Timestamp)
	binary.BigEndian.PutUint16(buf[11:13], p.Flags)
	copy(buf[13:45], p.SourceID[:])
	copy(buf[45:77], p.DestID[:])

	binary.BigEndian.PutUint16(buf[77:79], uint16(len(p.Signature)))
	offset := 79
	copy(buf[offset:offset+len(p.Signature)], p.Signature)
	offset += len(p.Signature)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(p.Payload)))
	offset += 2
	copy(buf[offset:offset+len(p.Payload)], p.Payload)

	return buf, nil
}

// Decode parses a framed wire packet. It never panics: malformed input
// always results in a (nil, error) return so callers can silently drop the
// frame per the ProtocolError policy.
func Decode(data []byte) (*Packet, error) {
	if len(data) < minHeaderLen {
		return nil, ErrTooShort
	}
	if len(data) > MaxFrameLen {
		return nil, ErrTooLong
	}

	p := &Packet{
		Version: data[0],
		Type:    data[1],
		TTL:     data[2],
	}
	if p.Version != CurrentVersion {
		return nil, ErrUnsupportedVersion
	}
	if p.Type == TypeReserved || p.Type > typeMax {
		return nil, ErrUnknownPacketType
	}

	p.Timestamp = binary.BigEndian.Uint64(data[3:11])
	p.Flags = binary.BigEndian.Uint16(data[11:13])
	copy(p.SourceID[:], data[13:45])
	copy(p.DestID[:], data[45:77])

	sigLen := int(binary.BigEndian.Uint16(data[77:79]))
	offset := 79
	if sigLen > len(data)-offset {
		return nil, ErrTruncatedField
	}
	p.Signature = append([]byte(nil), data[offset:offset+sigLen]...)
	offset += sigLen

	if offset+fieldPayloadLen > len(data) {
		return nil, ErrTruncatedField
	}
	payloadLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2

	if payloadLen > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if payloadLen > len(data)-offset {
		return nil, ErrTruncatedField
	}
	p.Payload = append([]byte(nil), data[offset:offset+payloadLen]...)

	return p, nil
}
