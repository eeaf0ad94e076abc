package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWirePacketRoundTrip(t *testing.T) {
	p := &WirePacket{Version: Version, Flags: FlagEncrypted, Payload: []byte("hello wire")}
	raw := p.Encode()

	decoded, err := DecodeWirePacket(raw)
	require.NoError(t, err)
	require.Equal(t, p.Version, decoded.Version)
	require.Equal(t, p.Flags, decoded.Flags)
	require.Equal(t, p.Payload, decoded.Payload)
}

func TestWirePacketRejectsBadCRC(t *testing.T) {
	p := &WirePacket{Version: Version, Payload: []byte("data")}
	raw := p.Encode()
	raw[len(raw)-1] ^= 0xFF

	_, err := DecodeWirePacket(raw)
	require.Error(t, err)
}

func TestWirePacketRejectsBadMagic(t *testing.T) {
	p := &WirePacket{Version: Version, Payload: []byte("data")}
	raw := p.Encode()
	raw[0] ^= 0xFF

	_, err := DecodeWirePacket(raw)
	require.Error(t, err)
}

func TestEncryptedPayloadRoundTrip(t *testing.T) {
	e := &EncryptedPayload{NonceAndCipher: []byte("nonce+cipher+tag")}
	for i := range e.SenderAddress {
		e.SenderAddress[i] = byte(i)
	}
	for i := range e.SenderPublicKey {
		e.SenderPublicKey[i] = byte(i + 1)
	}
	for i := range e.Signature {
		e.Signature[i] = byte(i + 2)
	}

	raw := e.Encode()
	decoded, err := DecodeEncryptedPayload(raw)
	require.NoError(t, err)
	require.Equal(t, e.SenderAddress, decoded.SenderAddress)
	require.Equal(t, e.SenderPublicKey, decoded.SenderPublicKey)
	require.Equal(t, e.NonceAndCipher, decoded.NonceAndCipher)
	require.Equal(t, e.Signature, decoded.Signature)
}

func TestMessageEncodeDecode(t *testing.T) {
	raw, err := Encode(TagChat, Header{ID: "abc", Timestamp: 1000, SenderAddress: "spx1xyz"}, Chat{Content: "hi"})
	require.NoError(t, err)

	msg, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, TagChat, msg.Type)

	var chat Chat
	require.NoError(t, json.Unmarshal(msg.Body, &chat))
	require.Equal(t, "hi", chat.Content)
}
