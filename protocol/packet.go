/*
Package protocol implements the over-the-wire packet envelope used for
UDP transport (Magic/Version/Flags/Length/Payload/CRC32) and the
tagged-union application message types exchanged between peers.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Magic identifies a Sparx wire packet.
const Magic uint32 = 0x53505858

// Version is the current wire protocol version.
const Version uint8 = 1

// Flag bits within a WirePacket's Flags byte.
const (
	FlagEncrypted uint8 = 1 << iota
	FlagCompressed
	FlagFragmented
	FlagAckRequired
)

// headerSize is Magic(4) + Version(1) + Flags(1) + Length(4).
const headerSize = 10

// trailerSize is the trailing CRC32.
const trailerSize = 4

// WirePacket is the outermost framing around every UDP datagram.
type WirePacket struct {
	Version uint8
	Flags   uint8
	Payload []byte
}

// Encode serializes a WirePacket to its wire representation.
func (p *WirePacket) Encode() []byte {
	buf := make([]byte, headerSize+len(p.Payload)+trailerSize)

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = p.Version
	buf[5] = p.Flags
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(p.Payload)))
	copy(buf[10:10+len(p.Payload)], p.Payload)

	sum := crc32.ChecksumIEEE(buf[:10+len(p.Payload)])
	binary.LittleEndian.PutUint32(buf[10+len(p.Payload):], sum)

	return buf
}

// DecodeWirePacket parses and validates a wire packet, including its
// CRC32 trailer.
func DecodeWirePacket(raw []byte) (*WirePacket, error) {
	if len(raw) < headerSize+trailerSize {
		return nil, errors.New("packet shorter than minimum header+trailer")
	}

	if binary.LittleEndian.Uint32(raw[0:4]) != Magic {
		return nil, errors.New("invalid magic")
	}

	length := binary.LittleEndian.Uint32(raw[6:10])
	if int(length) != len(raw)-headerSize-trailerSize {
		return nil, errors.New("length field does not match payload size")
	}

	gotSum := binary.LittleEndian.Uint32(raw[len(raw)-trailerSize:])
	wantSum := crc32.ChecksumIEEE(raw[:len(raw)-trailerSize])
	if gotSum != wantSum {
		return nil, errors.New("crc32 mismatch")
	}

	p := &WirePacket{
		Version: raw[4],
		Flags:   raw[5],
	}
	if length > 0 {
		p.Payload = append([]byte(nil), raw[headerSize:headerSize+length]...)
	}

	return p, nil
}

// EncryptedPayload is the structure of WirePacket.Payload when
// FlagEncrypted is set: SenderAddress(20) | SenderPublicKey(32) |
// Nonce(12) | Ciphertext | AuthTag(16) | Signature(64).
type EncryptedPayload struct {
	SenderAddress   [20]byte
	SenderPublicKey [32]byte
	NonceAndCipher  []byte // Nonce(12) || Ciphertext || AuthTag(16), opaque to this layer
	Signature       [64]byte
}

const (
	addressFieldSize   = 20
	publicKeyFieldSize = 32
	signatureFieldSize = 64
)

// Encode serializes the encrypted payload fields into one byte slice,
// to be placed into WirePacket.Payload.
func (e *EncryptedPayload) Encode() []byte {
	buf := make([]byte, addressFieldSize+publicKeyFieldSize+len(e.NonceAndCipher)+signatureFieldSize)
	offset := 0
	copy(buf[offset:], e.SenderAddress[:])
	offset += addressFieldSize
	copy(buf[offset:], e.SenderPublicKey[:])
	offset += publicKeyFieldSize
	copy(buf[offset:], e.NonceAndCipher)
	offset += len(e.NonceAndCipher)
	copy(buf[offset:], e.Signature[:])
	return buf
}

// DecodeEncryptedPayload parses the fields back out of raw payload
// bytes.
func DecodeEncryptedPayload(raw []byte) (*EncryptedPayload, error) {
	minLen := addressFieldSize + publicKeyFieldSize + signatureFieldSize
	if len(raw) < minLen {
		return nil, errors.New("encrypted payload too short")
	}

	e := &EncryptedPayload{}
	offset := 0
	copy(e.SenderAddress[:], raw[offset:offset+addressFieldSize])
	offset += addressFieldSize
	copy(e.SenderPublicKey[:], raw[offset:offset+publicKeyFieldSize])
	offset += publicKeyFieldSize

	cipherLen := len(raw) - offset - signatureFieldSize
	e.NonceAndCipher = append([]byte(nil), raw[offset:offset+cipherLen]...)
	offset += cipherLen

	copy(e.Signature[:], raw[offset:offset+signatureFieldSize])
	return e, nil
}
