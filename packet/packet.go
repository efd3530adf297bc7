// Package packet defines the RPC envelope carried inside HDLC frames.
//
// Every frame addressed to the RPC endpoint holds exactly one Packet. The
// packet names the call it belongs to by (channel, service, method) and
// carries either a serialized message, a terminal status, or both.
//
//	client ──RPC(request)──────────▶ server
//	client ◀─RPC(response, status)── server      unary / client streaming
//	client ◀─RPC(response)────────── server      server streaming, repeated
//	client ◀─STREAM_END(status)───── server      server streaming, terminal
//	client ──STREAM_END────────────▶ server      client stream finished
//	client ──CANCEL────────────────▶ server      streaming call cancelled
//	client ◀─ERROR(status)────────── server      call failed on the server
//
// Packets use the protobuf wire format so any protobuf runtime can read them.
package packet

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrDecode is returned for bytes that are not a well-formed packet.
var ErrDecode = errors.New("packet: decode error")

// Type distinguishes the role of a packet within a call.
type Type uint32

const (
	TypeRPC       Type = 0 // request, response chunk, or final unary response
	TypeStreamEnd Type = 1 // terminal status of a stream
	TypeCancel    Type = 2 // client abandons a streaming call
	TypeError     Type = 3 // server rejects or aborts a call
)

func (t Type) String() string {
	switch t {
	case TypeRPC:
		return "RPC"
	case TypeStreamEnd:
		return "STREAM_END"
	case TypeCancel:
		return "CANCEL"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("Type(%d)", uint32(t))
	}
}

// Field numbers of the envelope.
const (
	fieldType      protowire.Number = 1
	fieldChannelID protowire.Number = 2
	fieldServiceID protowire.Number = 3
	fieldMethodID  protowire.Number = 4
	fieldPayload   protowire.Number = 5
	fieldStatus    protowire.Number = 6
)

// Packet is the decoded envelope.
type Packet struct {
	Type      Type
	ChannelID uint32
	ServiceID uint32
	MethodID  uint32
	Payload   []byte
	Status    codes.Code
}

// Encode serializes the packet. Zero-valued scalar fields are omitted, as
// protobuf does for proto3 scalars.
func (p Packet) Encode() []byte {
	b := make([]byte, 0, 24+len(p.Payload))
	if p.Type != TypeRPC {
		b = protowire.AppendTag(b, fieldType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Type))
	}
	if p.ChannelID != 0 {
		b = protowire.AppendTag(b, fieldChannelID, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.ChannelID))
	}
	if p.ServiceID != 0 {
		b = protowire.AppendTag(b, fieldServiceID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.ServiceID)
	}
	if p.MethodID != 0 {
		b = protowire.AppendTag(b, fieldMethodID, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, p.MethodID)
	}
	if len(p.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	if p.Status != codes.OK {
		b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(p.Status))
	}
	return b
}

// Decode parses an envelope. Unknown fields are skipped so newer peers can
// add fields without breaking older ones.
func Decode(data []byte) (Packet, error) {
	var p Packet
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Packet{}, fmt.Errorf("%w: %v", ErrDecode, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType,
			num == fieldChannelID && typ == protowire.VarintType,
			num == fieldStatus && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return Packet{}, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(m))
			}
			if v > math.MaxUint32 {
				return Packet{}, fmt.Errorf("%w: field %d: value %d overflows 32 bits", ErrDecode, num, v)
			}
			switch num {
			case fieldType:
				p.Type = Type(v)
			case fieldChannelID:
				p.ChannelID = uint32(v)
			case fieldStatus:
				p.Status = codes.Code(v)
			}
			n = m
		case num == fieldServiceID && typ == protowire.Fixed32Type,
			num == fieldMethodID && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(data)
			if m < 0 {
				return Packet{}, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(m))
			}
			if num == fieldServiceID {
				p.ServiceID = v
			} else {
				p.MethodID = v
			}
			n = m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return Packet{}, fmt.Errorf("%w: payload: %v", ErrDecode, protowire.ParseError(m))
			}
			p.Payload = append([]byte(nil), v...)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return Packet{}, fmt.Errorf("%w: field %d: %v", ErrDecode, num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	if p.Type > TypeError {
		return Packet{}, fmt.Errorf("%w: unknown packet type %d", ErrDecode, uint32(p.Type))
	}
	return p, nil
}

// IsTerminal reports whether the packet ends the call regardless of the
// method's streaming directions.
func (p Packet) IsTerminal() bool {
	return p.Type == TypeStreamEnd || p.Type == TypeError
}

func (p Packet) String() string {
	return fmt.Sprintf("%s(channel=%d, service=0x%08x, method=0x%08x, status=%s, payload=%dB)",
		p.Type, p.ChannelID, p.ServiceID, p.MethodID, p.Status, len(p.Payload))
}

// Request builds a client→server RPC packet.
func Request(channelID, serviceID, methodID uint32, payload []byte) Packet {
	return Packet{Type: TypeRPC, ChannelID: channelID, ServiceID: serviceID, MethodID: methodID, Payload: payload}
}

// Response builds a server→client RPC packet.
func Response(channelID, serviceID, methodID uint32, payload []byte, status codes.Code) Packet {
	return Packet{Type: TypeRPC, ChannelID: channelID, ServiceID: serviceID, MethodID: methodID, Payload: payload, Status: status}
}

// StreamEnd builds a STREAM_END packet.
func StreamEnd(channelID, serviceID, methodID uint32, status codes.Code) Packet {
	return Packet{Type: TypeStreamEnd, ChannelID: channelID, ServiceID: serviceID, MethodID: methodID, Status: status}
}

// Cancel builds a CANCEL packet.
func Cancel(channelID, serviceID, methodID uint32) Packet {
	return Packet{Type: TypeCancel, ChannelID: channelID, ServiceID: serviceID, MethodID: methodID, Status: codes.Canceled}
}

// Error builds an ERROR packet.
func Error(channelID, serviceID, methodID uint32, status codes.Code) Packet {
	return Packet{Type: TypeError, ChannelID: channelID, ServiceID: serviceID, MethodID: methodID, Status: status}
}
