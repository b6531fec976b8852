package main

import (
	"encoding/binary"
	"fmt"
)

// Wire protocol version. The server sends Hello with this version as its
// first frame on every connection. 1.0 (split stats/full-state ids, a
// monolithic FullStateResponse) is not implemented by this server.
const (
	ProtocolVersionMajor uint16 = 1
	ProtocolVersionMinor uint16 = 1
)

type MessageID byte

const (
	MsgHello                      MessageID = 0x00
	MsgStats                      MessageID = 0x01
	MsgChunkFullStateRequest      MessageID = 0x10
	MsgChunkFullStateResponse     MessageID = 0x11
	MsgPartialStateUpdate         MessageID = 0x12
	MsgToggleBit                  MessageID = 0x13
	MsgPartialStateSubscription   MessageID = 0x14
	MsgPartialStateUnsubscription MessageID = 0x15
)

func (id MessageID) IsClientMessage() bool {
	switch id {
	case MsgChunkFullStateRequest, MsgToggleBit, MsgPartialStateSubscription, MsgPartialStateUnsubscription:
		return true
	default:
		return false
	}
}

func (id MessageID) IsServerMessage() bool {
	switch id {
	case MsgHello, MsgStats, MsgChunkFullStateResponse, MsgPartialStateUpdate:
		return true
	default:
		return false
	}
}

// Fixed payload sizes per message id, excluding the leading id byte.
const (
	helloPayloadSize                    = 4  // version_major u16, version_minor u16
	statsPayloadSize                    = 64 // current_clients u32, reserved [60]byte
	chunkFullStateRequestPayloadSize    = 2  // chunk_index u16
	chunkFullStateResponsePayloadSize   = 2 + ChunkBytes
	partialStateUpdatePayloadSize       = 4 + UpdateChunkBytes // offset u32, chunk [U]byte
	toggleBitPayloadSize                = 4                    // index u32
	partialStateSubscriptionPayloadSize = 2                    // chunk_index u16
	partialStateUnsubscriptionPayload   = 0
)

// ProtocolError is the decode-side error taxonomy, matching the original
// wire design's ProtocolError enum.
type ProtocolError struct {
	kind string
}

func (e *ProtocolError) Error() string { return e.kind }

var (
	ErrInvalidMessageID      = &ProtocolError{"invalid message id"}
	ErrInvalidMessageSize    = &ProtocolError{"invalid message size"}
	ErrInvalidMessageVersion = &ProtocolError{"invalid message version"} // reserved, unused today
)

// Payload types. Only the fields relevant to each direction are populated;
// Decode still validates the full fixed size for every known id, matching
// the original wire contract (a client sending a malformed server-only
// frame is still a size error, even though a well-formed one is later
// silently ignored by the caller).

type HelloPayload struct {
	VersionMajor uint16
	VersionMinor uint16
}

type StatsPayload struct {
	CurrentClients uint32
}

type ChunkFullStateRequestPayload struct {
	ChunkIndex uint16
}

type ChunkFullStateResponsePayload struct {
	ChunkIndex uint16
	Bitmap     []byte // len == ChunkBytes
}

type PartialStateUpdatePayload struct {
	Offset uint32
	Chunk  [UpdateChunkBytes]byte
}

type ToggleBitPayload struct {
	Index uint32
}

type PartialStateSubscriptionPayload struct {
	ChunkIndex uint16
}

// Decode parses a single binary frame (id byte + fixed payload) and returns
// the message id plus a concrete payload value appropriate to that id (nil
// for PartialStateUnsubscription, which carries none). It succeeds for any
// known id regardless of direction — classification into client/server is
// the caller's job via IsClientMessage/IsServerMessage, matching the
// original wire design where decode and direction-filtering are separate
// steps.
func Decode(frame []byte) (MessageID, interface{}, error) {
	if len(frame) < 1 {
		return 0, nil, ErrInvalidMessageSize
	}
	id := MessageID(frame[0])
	payload := frame[1:]

	switch id {
	case MsgHello:
		if len(payload) != helloPayloadSize {
			return id, nil, ErrInvalidMessageSize
		}
		return id, HelloPayload{
			VersionMajor: binary.LittleEndian.Uint16(payload[0:2]),
			VersionMinor: binary.LittleEndian.Uint16(payload[2:4]),
		}, nil

	case MsgStats:
		if len(payload) != statsPayloadSize {
			return id, nil, ErrInvalidMessageSize
		}
		return id, StatsPayload{CurrentClients: binary.LittleEndian.Uint32(payload[0:4])}, nil

	case MsgChunkFullStateRequest:
		if len(payload) != chunkFullStateRequestPayloadSize {
			return id, nil, ErrInvalidMessageSize
		}
		return id, ChunkFullStateRequestPayload{ChunkIndex: binary.LittleEndian.Uint16(payload[0:2])}, nil

	case MsgChunkFullStateResponse:
		if len(payload) != chunkFullStateResponsePayloadSize {
			return id, nil, ErrInvalidMessageSize
		}
		bm := make([]byte, ChunkBytes)
		copy(bm, payload[2:2+ChunkBytes])
		return id, ChunkFullStateResponsePayload{
			ChunkIndex: binary.LittleEndian.Uint16(payload[0:2]),
			Bitmap:     bm,
		}, nil

	case MsgPartialStateUpdate:
		if len(payload) != partialStateUpdatePayloadSize {
			return id, nil, ErrInvalidMessageSize
		}
		var p PartialStateUpdatePayload
		p.Offset = binary.LittleEndian.Uint32(payload[0:4])
		copy(p.Chunk[:], payload[4:4+UpdateChunkBytes])
		return id, p, nil

	case MsgToggleBit:
		if len(payload) != toggleBitPayloadSize {
			return id, nil, ErrInvalidMessageSize
		}
		return id, ToggleBitPayload{Index: binary.LittleEndian.Uint32(payload[0:4])}, nil

	case MsgPartialStateSubscription:
		if len(payload) != partialStateSubscriptionPayloadSize {
			return id, nil, ErrInvalidMessageSize
		}
		return id, PartialStateSubscriptionPayload{ChunkIndex: binary.LittleEndian.Uint16(payload[0:2])}, nil

	case MsgPartialStateUnsubscription:
		if len(payload) != partialStateUnsubscriptionPayload {
			return id, nil, ErrInvalidMessageSize
		}
		return id, nil, nil

	default:
		return id, nil, ErrInvalidMessageID
	}
}

// AppendHello appends an encoded Hello frame to dst and returns the result.
func AppendHello(dst []byte) []byte {
	dst = append(dst, byte(MsgHello))
	dst = binary.LittleEndian.AppendUint16(dst, ProtocolVersionMajor)
	dst = binary.LittleEndian.AppendUint16(dst, ProtocolVersionMinor)
	return dst
}

// AppendStats appends an encoded Stats frame (60 reserved bytes zeroed).
func AppendStats(dst []byte, currentClients uint32) []byte {
	dst = append(dst, byte(MsgStats))
	dst = binary.LittleEndian.AppendUint32(dst, currentClients)
	var reserved [60]byte
	dst = append(dst, reserved[:]...)
	return dst
}

// AppendChunkFullStateRequest appends an encoded ChunkFullStateRequest frame.
func AppendChunkFullStateRequest(dst []byte, chunkIndex uint16) []byte {
	dst = append(dst, byte(MsgChunkFullStateRequest))
	dst = binary.LittleEndian.AppendUint16(dst, chunkIndex)
	return dst
}

// AppendChunkFullStateResponse appends an encoded ChunkFullStateResponse
// frame. bitmap must be exactly ChunkBytes long.
func AppendChunkFullStateResponse(dst []byte, chunkIndex uint16, bitmap []byte) ([]byte, error) {
	if len(bitmap) != ChunkBytes {
		return dst, fmt.Errorf("chunk bitmap must be %d bytes, got %d", ChunkBytes, len(bitmap))
	}
	dst = append(dst, byte(MsgChunkFullStateResponse))
	dst = binary.LittleEndian.AppendUint16(dst, chunkIndex)
	dst = append(dst, bitmap...)
	return dst, nil
}

// AppendPartialStateUpdate appends an encoded PartialStateUpdate frame.
func AppendPartialStateUpdate(dst []byte, offset uint32, chunk [UpdateChunkBytes]byte) []byte {
	dst = append(dst, byte(MsgPartialStateUpdate))
	dst = binary.LittleEndian.AppendUint32(dst, offset)
	dst = append(dst, chunk[:]...)
	return dst
}

// AppendToggleBit appends an encoded ToggleBit frame.
func AppendToggleBit(dst []byte, index uint32) []byte {
	dst = append(dst, byte(MsgToggleBit))
	dst = binary.LittleEndian.AppendUint32(dst, index)
	return dst
}

// AppendPartialStateSubscription appends an encoded PartialStateSubscription frame.
func AppendPartialStateSubscription(dst []byte, chunkIndex uint16) []byte {
	dst = append(dst, byte(MsgPartialStateSubscription))
	dst = binary.LittleEndian.AppendUint16(dst, chunkIndex)
	return dst
}

// AppendPartialStateUnsubscription appends the (payload-less) unsubscribe frame.
func AppendPartialStateUnsubscription(dst []byte) []byte {
	return append(dst, byte(MsgPartialStateUnsubscription))
}
