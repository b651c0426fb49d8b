// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psylink

import "github.com/Thermoquad/qc3tune/pkg/psy"

// Packet builders. Requests carry the caller's sequence number; responses
// must echo the sequence number of the request they answer.

// NewGetProperty creates a GET_PROPERTY request (0x10).
func NewGetProperty(seq uint32, ep psy.Endpoint, prop psy.Property) *Packet {
	return NewPacket(seq, MsgGetProperty, map[int]interface{}{
		0: string(ep),
		1: uint64(prop),
	})
}

// NewSetProperty creates a SET_PROPERTY request (0x11).
func NewSetProperty(seq uint32, ep psy.Endpoint, prop psy.Property, value int) *Packet {
	return NewPacket(seq, MsgSetProperty, map[int]interface{}{
		0: string(ep),
		1: uint64(prop),
		2: int64(value),
	})
}

// NewEndpointQuery creates an ENDPOINT_QUERY request (0x12). The host
// answers with ENDPOINT_STATUS.
func NewEndpointQuery(seq uint32, ep psy.Endpoint) *Packet {
	return NewPacket(seq, MsgEndpointQuery, map[int]interface{}{
		0: string(ep),
	})
}

// NewPingRequest creates a PING_REQUEST packet (0x2F).
// Hosts respond with PING_RESPONSE containing uptime.
func NewPingRequest(seq uint32) *Packet {
	return NewPacket(seq, MsgPingRequest, nil)
}

// NewPropertyValue creates a PROPERTY_VALUE response (0x30).
func NewPropertyValue(seq uint32, ep psy.Endpoint, prop psy.Property, value int) *Packet {
	return NewPacket(seq, MsgPropertyValue, map[int]interface{}{
		0: string(ep),
		1: uint64(prop),
		2: int64(value),
	})
}

// NewSetAck creates a SET_ACK response (0x31).
func NewSetAck(seq uint32, ep psy.Endpoint, prop psy.Property) *Packet {
	return NewPacket(seq, MsgSetAck, map[int]interface{}{
		0: string(ep),
		1: uint64(prop),
	})
}

// NewEndpointStatus creates an ENDPOINT_STATUS response (0x32).
func NewEndpointStatus(seq uint32, ep psy.Endpoint, available bool) *Packet {
	return NewPacket(seq, MsgEndpointStatus, map[int]interface{}{
		0: string(ep),
		1: available,
	})
}

// NewSupplyChanged creates an unsolicited SUPPLY_CHANGED event (0x35).
func NewSupplyChanged(supply string) *Packet {
	return NewPacket(SeqUnsolicited, MsgSupplyChanged, map[int]interface{}{
		0: supply,
	})
}

// NewPingResponse creates a PING_RESPONSE packet (0x3F).
func NewPingResponse(seq uint32, uptimeMs uint64) *Packet {
	return NewPacket(seq, MsgPingResponse, map[int]interface{}{
		0: uptimeMs,
	})
}

// NewErrorUnavailable creates an ERROR_UNAVAILABLE response (0xE0).
func NewErrorUnavailable(seq uint32, ep psy.Endpoint) *Packet {
	return NewPacket(seq, MsgErrorUnavailable, map[int]interface{}{
		0: string(ep),
	})
}

// NewErrorAccess creates an ERROR_ACCESS response (0xE1). code is a
// host-specific error number, negative errno on Linux hosts.
func NewErrorAccess(seq uint32, ep psy.Endpoint, prop psy.Property, code int) *Packet {
	return NewPacket(seq, MsgErrorAccess, map[int]interface{}{
		0: string(ep),
		1: uint64(prop),
		2: int64(code),
	})
}

// NewErrorInvalidCmd creates an ERROR_INVALID_CMD response (0xE2).
func NewErrorInvalidCmd(seq uint32, msgType uint8) *Packet {
	return NewPacket(seq, MsgErrorInvalidCmd, map[int]interface{}{
		0: uint64(msgType),
	})
}
