// Package wire implements the ARB datagram codec.
//
// Every datagram carries exactly one Envelope: a fixed 12-byte header
// (broadcast identifier + transmitting node id), a tagged inner protocol
// message, and a trailing 64-byte detached Ed25519 signature over
// everything before it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// -------------------------------------------------------------------------
// Protocol Constants
// -------------------------------------------------------------------------

// ProtocolTag is the outer protocol discriminator carried as the first
// byte of every inner message. Reliable broadcast is protocol 0.
const ProtocolTag uint8 = 0x00

// IdentifierSize is the wire size of a broadcast Identifier in bytes:
// sender id (2) + sequence (8), both big-endian.
const IdentifierSize = 10

// HeaderSize is the unsigned envelope header size in bytes:
// Identifier (10) + transmitting node id (2).
const HeaderSize = IdentifierSize + 2

// SignatureSize is the detached Ed25519 signature length in bytes.
const SignatureSize = 64

// DigestSize is the SHA-256 payload digest length in bytes.
const DigestSize = 32

// InnerHeaderSize is the minimum inner message size in bytes:
// protocol tag (1) + inner tag (1).
const InnerHeaderSize = 2

// MinEnvelopeSize is the smallest well-formed datagram:
// header (12) + inner header (2) + signature (64) = 78 bytes.
const MinEnvelopeSize = HeaderSize + InnerHeaderSize + SignatureSize

// MaxDatagramSize is the receive buffer size. Datagrams longer than this
// are truncated by the transport and will fail signature verification.
const MaxDatagramSize = 2048

// MaxPayloadSize is the largest application payload a single envelope can
// carry: MaxDatagramSize minus all framing overhead.
const MaxPayloadSize = MaxDatagramSize - MinEnvelopeSize

// -------------------------------------------------------------------------
// Identifier
// -------------------------------------------------------------------------

// Identifier names one broadcast instance process-wide and network-wide.
// The pair (Sender, Sequence) is chosen by the initiating application and
// never reused. Comparable; usable as a map key.
type Identifier struct {
	// Sender is the id of the node entitled to produce the SEND for this
	// instance.
	Sender uint16

	// Sequence is the initiator-chosen sequence number.
	Sequence uint64
}

// String returns "sender/sequence", e.g. "0/7".
func (id Identifier) String() string {
	return fmt.Sprintf("%d/%d", id.Sender, id.Sequence)
}

// marshalIdentifier writes the 10-byte big-endian encoding into buf.
// buf must be at least IdentifierSize bytes.
func marshalIdentifier(id Identifier, buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], id.Sender)
	binary.BigEndian.PutUint64(buf[2:10], id.Sequence)
}

// unmarshalIdentifier reads the 10-byte big-endian encoding from buf.
func unmarshalIdentifier(buf []byte) Identifier {
	return Identifier{
		Sender:   binary.BigEndian.Uint16(buf[0:2]),
		Sequence: binary.BigEndian.Uint64(buf[2:10]),
	}
}

// -------------------------------------------------------------------------
// Inner Messages
// -------------------------------------------------------------------------

// InnerType is the inner message tag (second byte of the inner encoding).
type InnerType uint8

const (
	// TypeBroadcast carries the application payload from the initiator to
	// itself. It never legitimately travels between distinct nodes.
	TypeBroadcast InnerType = 0

	// TypeSend carries the sender's payload to every participant.
	TypeSend InnerType = 1

	// TypeEcho carries the 32-byte digest of the payload a node received
	// in a SEND.
	TypeEcho InnerType = 2

	// TypeReady carries the 32-byte digest a node is prepared to deliver.
	TypeReady InnerType = 3

	// TypeRequest asks a peer for the payload matching a locked digest.
	// It has an empty body.
	TypeRequest InnerType = 4

	// TypeAnswer carries the payload in response to a REQUEST.
	TypeAnswer InnerType = 5
)

// innerTypeNames maps inner tags to protocol message names.
var innerTypeNames = [6]string{
	"BROADCAST",
	"SEND",
	"ECHO",
	"READY",
	"REQUEST",
	"ANSWER",
}

// String returns the protocol message name for the inner tag.
func (t InnerType) String() string {
	if int(t) < len(innerTypeNames) {
		return innerTypeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// valid reports whether t is a defined inner tag.
func (t InnerType) valid() bool {
	return int(t) < len(innerTypeNames)
}

// Inner is one decoded inner protocol message.
//
// Payload is meaningful for BROADCAST, SEND and ANSWER; Digest for ECHO
// and READY; REQUEST carries neither.
type Inner struct {
	// Type is the inner message tag.
	Type InnerType

	// Payload is the raw application payload (BROADCAST/SEND/ANSWER).
	Payload []byte

	// Digest is the 32-byte SHA-256 payload digest (ECHO/READY).
	Digest [DigestSize]byte
}

// Broadcast returns a BROADCAST inner message carrying payload.
func Broadcast(payload []byte) Inner { return Inner{Type: TypeBroadcast, Payload: payload} }

// Send returns a SEND inner message carrying payload.
func Send(payload []byte) Inner { return Inner{Type: TypeSend, Payload: payload} }

// Echo returns an ECHO inner message carrying digest.
func Echo(digest [DigestSize]byte) Inner { return Inner{Type: TypeEcho, Digest: digest} }

// Ready returns a READY inner message carrying digest.
func Ready(digest [DigestSize]byte) Inner { return Inner{Type: TypeReady, Digest: digest} }

// Request returns a REQUEST inner message.
func Request() Inner { return Inner{Type: TypeRequest} }

// Answer returns an ANSWER inner message carrying payload.
func Answer(payload []byte) Inner { return Inner{Type: TypeAnswer, Payload: payload} }

// size returns the encoded inner message length including the two tag bytes.
func (in Inner) size() int {
	switch in.Type {
	case TypeEcho, TypeReady:
		return InnerHeaderSize + DigestSize
	case TypeRequest:
		return InnerHeaderSize
	default:
		return InnerHeaderSize + len(in.Payload)
	}
}

// -------------------------------------------------------------------------
// Envelope
// -------------------------------------------------------------------------

// Envelope is one decoded ARB datagram.
//
// Sender is the node that transmitted this envelope; it is not necessarily
// ID.Sender (every participant transmits ECHOs and READYs for instances it
// did not initiate). The Signature covers the header and inner encoding,
// keyed by Sender's signing key.
type Envelope struct {
	// ID names the broadcast instance this envelope belongs to.
	ID Identifier

	// Sender is the transmitting node id, authenticated by Signature.
	Sender uint16

	// Inner is the decoded protocol message.
	Inner Inner

	// Signature is the detached Ed25519 signature over the unsigned
	// portion (header + inner encoding).
	Signature [SignatureSize]byte
}

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for envelope validation failures. Each corresponds to a
// silent-drop condition at the receive path; none is ever surfaced to the
// application.
var (
	// ErrEnvelopeTooShort indicates the datagram is shorter than the
	// 78-byte minimum envelope.
	ErrEnvelopeTooShort = errors.New("envelope too short")

	// ErrUnknownProtocol indicates the protocol tag is not 0x00.
	ErrUnknownProtocol = errors.New("unknown protocol tag")

	// ErrUnknownInnerType indicates the inner tag is outside {0..5}.
	ErrUnknownInnerType = errors.New("unknown inner message type")

	// ErrBadDigestLength indicates an ECHO or READY body is not exactly
	// 32 bytes.
	ErrBadDigestLength = errors.New("digest body is not 32 bytes")

	// ErrBadRequestLength indicates a REQUEST carries a non-empty body.
	ErrBadRequestLength = errors.New("request body is not empty")

	// ErrBufTooSmall indicates the caller-provided buffer cannot hold the
	// encoded envelope.
	ErrBufTooSmall = errors.New("buffer too small for envelope")

	// ErrPayloadTooLarge indicates the application payload exceeds
	// MaxPayloadSize and cannot be framed in one datagram.
	ErrPayloadTooLarge = errors.New("payload exceeds maximum datagram size")
)

// unmarshalErrPrefix is the common error prefix for envelope decoding failures.
const unmarshalErrPrefix = "unmarshal envelope"

// -------------------------------------------------------------------------
// MarshalEnvelope
// -------------------------------------------------------------------------

// MarshalEnvelope serializes env into buf and returns the number of bytes
// written. Callers typically provide a MaxDatagramSize buffer from
// PacketPool. The signature field is copied as-is; callers sign the
// unsigned portion first (see MarshalUnsigned).
//
// Wire format:
//
//	Bytes 0-9:   Identifier (sender uint16, sequence uint64, big-endian)
//	Bytes 10-11: transmitting node id (big-endian uint16)
//	Byte 12:     protocol tag (0x00)
//	Byte 13:     inner tag
//	Bytes 14+:   inner body (payload, digest, or empty)
//	Last 64:     Ed25519 signature over everything before it
func MarshalEnvelope(env *Envelope, buf []byte) (int, error) {
	n, err := MarshalUnsigned(env, buf)
	if err != nil {
		return 0, err
	}
	if len(buf) < n+SignatureSize {
		return 0, fmt.Errorf("marshal envelope: need %d bytes, got %d: %w",
			n+SignatureSize, len(buf), ErrBufTooSmall)
	}
	copy(buf[n:], env.Signature[:])
	return n + SignatureSize, nil
}

// MarshalUnsigned serializes the signed portion of env (header + inner)
// into buf and returns its length. The signature is computed over exactly
// these bytes.
func MarshalUnsigned(env *Envelope, buf []byte) (int, error) {
	if !env.Inner.Type.valid() {
		return 0, fmt.Errorf("marshal envelope: tag %d: %w",
			env.Inner.Type, ErrUnknownInnerType)
	}
	if len(env.Inner.Payload) > MaxPayloadSize {
		return 0, fmt.Errorf("marshal envelope: payload %d bytes, max %d: %w",
			len(env.Inner.Payload), MaxPayloadSize, ErrPayloadTooLarge)
	}

	total := HeaderSize + env.Inner.size()
	if len(buf) < total {
		return 0, fmt.Errorf("marshal envelope: need %d bytes, got %d: %w",
			total, len(buf), ErrBufTooSmall)
	}

	marshalIdentifier(env.ID, buf[0:IdentifierSize])
	binary.BigEndian.PutUint16(buf[IdentifierSize:HeaderSize], env.Sender)

	buf[HeaderSize] = ProtocolTag
	buf[HeaderSize+1] = uint8(env.Inner.Type)

	body := buf[HeaderSize+InnerHeaderSize:]
	switch env.Inner.Type {
	case TypeEcho, TypeReady:
		copy(body, env.Inner.Digest[:])
	case TypeRequest:
		// Empty body.
	default:
		copy(body, env.Inner.Payload)
	}

	return total, nil
}

// AppendUnsigned appends the signed portion of env to dst and returns the
// extended slice. Convenience wrapper around MarshalUnsigned for signing
// and verification paths that do not hold a pooled buffer.
func AppendUnsigned(env *Envelope, dst []byte) ([]byte, error) {
	n := HeaderSize + env.Inner.size()
	off := len(dst)
	dst = append(dst, make([]byte, n)...)
	if _, err := MarshalUnsigned(env, dst[off:]); err != nil {
		return nil, err
	}
	return dst, nil
}

// -------------------------------------------------------------------------
// UnmarshalEnvelope
// -------------------------------------------------------------------------

// UnmarshalEnvelope decodes one datagram from buf into env.
//
// Validation performed here covers exactly the structural drop conditions:
// minimum length, protocol tag, inner tag, fixed ECHO/READY body length,
// empty REQUEST body. Signature verification is the caller's
// responsibility (the codec has no key material).
//
// The inner payload is copied out of buf, so the caller may return buf to
// PacketPool immediately; envelopes cross goroutine boundaries on their
// way to instance drivers.
func UnmarshalEnvelope(buf []byte, env *Envelope) error {
	if len(buf) < MinEnvelopeSize {
		return fmt.Errorf("%s: received %d bytes, minimum %d: %w",
			unmarshalErrPrefix, len(buf), MinEnvelopeSize, ErrEnvelopeTooShort)
	}

	env.ID = unmarshalIdentifier(buf[0:IdentifierSize])
	env.Sender = binary.BigEndian.Uint16(buf[IdentifierSize:HeaderSize])

	inner := buf[HeaderSize : len(buf)-SignatureSize]
	if err := unmarshalInner(inner, &env.Inner); err != nil {
		return fmt.Errorf("%s: %w", unmarshalErrPrefix, err)
	}

	copy(env.Signature[:], buf[len(buf)-SignatureSize:])
	return nil
}

// unmarshalInner decodes the inner message bytes (protocol tag onward,
// signature already stripped) into in.
func unmarshalInner(buf []byte, in *Inner) error {
	// MinEnvelopeSize guarantees at least InnerHeaderSize bytes here.
	if buf[0] != ProtocolTag {
		return fmt.Errorf("protocol tag %#02x: %w", buf[0], ErrUnknownProtocol)
	}

	tag := InnerType(buf[1])
	if !tag.valid() {
		return fmt.Errorf("inner tag %d: %w", buf[1], ErrUnknownInnerType)
	}

	in.Type = tag
	in.Payload = nil
	in.Digest = [DigestSize]byte{}

	body := buf[InnerHeaderSize:]
	switch tag {
	case TypeEcho, TypeReady:
		if len(body) != DigestSize {
			return fmt.Errorf("%s body %d bytes: %w", tag, len(body), ErrBadDigestLength)
		}
		copy(in.Digest[:], body)

	case TypeRequest:
		if len(body) != 0 {
			return fmt.Errorf("%s body %d bytes: %w", tag, len(body), ErrBadRequestLength)
		}

	default:
		// BROADCAST/SEND/ANSWER: body length is recovered from the outer
		// framing; copy so the pooled receive buffer can be reused.
		in.Payload = make([]byte, len(body))
		copy(in.Payload, body)
	}

	return nil
}

// -------------------------------------------------------------------------
// PacketPool — sync.Pool for receive/transmit buffers
// -------------------------------------------------------------------------

// PacketPool provides reusable MaxDatagramSize buffers for datagram I/O.
// The pool stores *[]byte to avoid interface allocation on Get()/Put().
//
// Usage:
//
//	bufp := wire.PacketPool.Get().(*[]byte)
//	defer wire.PacketPool.Put(bufp)
//	n, from, err := conn.Recv(*bufp)
var PacketPool = sync.Pool{
	New: func() any {
		buf := make([]byte, MaxDatagramSize)
		return &buf
	},
}
