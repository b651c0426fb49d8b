// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package psylink carries power supply property access over a byte stream.
//
// A property host (the charger board firmware, a bridge daemon or
// "qc3tune serve") answers GET_PROPERTY and SET_PROPERTY requests for the
// usb, battery and parallel endpoints and pushes SUPPLY_CHANGED when a
// supply changes. Client implements psy.Source and psy.Notifier on top of
// the link so the negotiation engine can run on a host computer; Server
// exposes any psy.Source the same way.
//
// Packets are byte-stuffed frames carrying a 4-byte sequence number:
//
//	START | stuffed(LEN | SEQ | CBOR | CRC16) | END
//
// The CBOR payload is [msg_type, {int: value}] or [msg_type, nil].
package psylink

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Packet size limits
const (
	MaxPacketSize  = 121 // 7 overhead + 114 payload
	MaxPayloadSize = 114
	SeqSize        = 4
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// SeqUnsolicited marks packets that do not answer a request.
const SeqUnsolicited = 0

// Message types - Requests (Client → Host) 0x10-0x2F
const (
	MsgGetProperty   = 0x10
	MsgSetProperty   = 0x11
	MsgEndpointQuery = 0x12
	MsgPingRequest   = 0x2F
)

// Message types - Responses and events (Host → Client) 0x30-0x3F
const (
	MsgPropertyValue  = 0x30
	MsgSetAck         = 0x31
	MsgEndpointStatus = 0x32
	MsgSupplyChanged  = 0x35
	MsgPingResponse   = 0x3F
)

// Message types - Errors (Host → Client) 0xE0-0xEF
const (
	MsgErrorUnavailable = 0xE0
	MsgErrorAccess      = 0xE1
	MsgErrorInvalidCmd  = 0xE2
)

// Decoder states (internal)
const (
	stateIdle = iota
	stateLength
	stateSeq
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)
