// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psylink

import (
	"encoding/binary"
	"fmt"
)

// Encode encodes a Packet to wire format.
func Encode(p *Packet) ([]byte, error) {
	return EncodePacketFromValues(p.Seq(), p.Type(), p.PayloadMap())
}

// MustEncode is like Encode but panics on error. Use it only for packets
// whose payload size is known to fit.
func MustEncode(p *Packet) []byte {
	data, err := Encode(p)
	if err != nil {
		panic(fmt.Sprintf("psylink: encode error: %v", err))
	}
	return data
}

// EncodePacketFromValues creates a complete wire-formatted packet, including
// framing and byte stuffing.
func EncodePacketFromValues(seq uint32, msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	cborPayload, err := encodeCBORPayload(msgType, payloadMap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR payload: %w", err)
	}
	if len(cborPayload) > MaxPayloadSize {
		return nil, fmt.Errorf("CBOR payload too large: %d bytes (max %d)", len(cborPayload), MaxPayloadSize)
	}

	// length + seq + payload, then CRC (big-endian) over all of it
	data := make([]byte, 1+SeqSize+len(cborPayload), 1+SeqSize+len(cborPayload)+2)
	data[0] = uint8(len(cborPayload))
	binary.LittleEndian.PutUint32(data[1:1+SeqSize], seq)
	copy(data[1+SeqSize:], cborPayload)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(data)
	packet := make([]byte, 0, len(stuffed)+2)
	packet = append(packet, StartByte)
	packet = append(packet, stuffed...)
	packet = append(packet, EndByte)
	return packet, nil
}

// stuffBytes replaces START, END and ESC with ESC + (byte XOR EscXor).
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)*2)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// UnstuffBytes removes byte stuffing from escaped data.
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false
	for _, b := range data {
		switch {
		case escapeNext:
			result = append(result, b^EscXor)
			escapeNext = false
		case b == EscByte:
			escapeNext = true
		default:
			result = append(result, b)
		}
	}
	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}
	return result, nil
}
