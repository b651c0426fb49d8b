// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psylink

import (
	"fmt"
	"time"
)

// Decoder implements the psylink packet decoder state machine. It is fed one
// byte at a time and resynchronises on the next START byte after any error.
type Decoder struct {
	state       int
	buffer      []byte
	bufferIndex int
	escapeNext  bool
	seqBytes    int
	packet      *Packet

	// noise holds bytes seen outside any frame, up to maxNoise.
	noise []byte
}

const maxNoise = MaxPacketSize * 2

// NewDecoder creates a new protocol decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, MaxPacketSize),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.bufferIndex = 0
	d.seqBytes = 0
	d.escapeNext = false
	d.packet = nil
}

// TakeNoise returns the bytes received outside a frame since the last call
// and clears them. At most 2*MaxPacketSize bytes are kept; the rest are
// dropped.
func (d *Decoder) TakeNoise() []byte {
	if len(d.noise) == 0 {
		return nil
	}
	out := d.noise
	d.noise = nil
	return out
}

// DecodeByte processes a single byte through the decoder state machine.
// It returns a completed packet, or nil while the packet is incomplete.
func (d *Decoder) DecodeByte(b byte) (*Packet, error) {
	// Framing bytes are never escaped, so they act regardless of state.
	if !d.escapeNext {
		switch b {
		case StartByte:
			d.Reset()
			d.state = stateLength
			return nil, nil
		case EndByte:
			return d.finish()
		case EscByte:
			if d.state != stateIdle {
				d.escapeNext = true
			} else {
				d.addNoise(b)
			}
			return nil, nil
		}
	} else {
		b ^= EscXor
		d.escapeNext = false
	}

	switch d.state {
	case stateIdle:
		d.addNoise(b)
		return nil, nil

	case stateLength:
		if b > MaxPayloadSize {
			d.Reset()
			return nil, fmt.Errorf("invalid length: %d (max %d)", b, MaxPayloadSize)
		}
		d.packet = &Packet{length: b, cborPayload: make([]byte, 0, b)}
		d.push(b)
		d.seqBytes = 0
		d.state = stateSeq
		return nil, nil

	case stateSeq:
		// little-endian
		d.packet.seq |= uint32(b) << (d.seqBytes * 8)
		d.push(b)
		d.seqBytes++
		if d.seqBytes >= SeqSize {
			if d.packet.length == 0 {
				d.state = stateCRC1
			} else {
				d.state = statePayload
			}
		}
		return nil, nil

	case statePayload:
		d.packet.cborPayload = append(d.packet.cborPayload, b)
		d.push(b)
		if len(d.packet.cborPayload) >= int(d.packet.length) {
			d.state = stateCRC1
		}
		return nil, nil

	case stateCRC1:
		d.packet.crc = uint16(b) << 8
		d.state = stateCRC2
		return nil, nil

	case stateCRC2:
		d.packet.crc |= uint16(b)
		d.state = stateEnd
		return nil, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("unexpected byte 0x%02X after CRC", b)
	}
}

func (d *Decoder) addNoise(b byte) {
	if len(d.noise) < maxNoise {
		d.noise = append(d.noise, b)
	}
}

func (d *Decoder) push(b byte) {
	d.buffer[d.bufferIndex] = b
	d.bufferIndex++
}

// finish validates the CRC once END arrives.
func (d *Decoder) finish() (*Packet, error) {
	if d.state == stateIdle {
		d.Reset()
		return nil, nil
	}
	if d.state != stateEnd {
		state := d.state
		d.Reset()
		return nil, fmt.Errorf("unexpected END byte in state %d", state)
	}

	packet := d.packet
	calculated := CalculateCRC(d.buffer[:d.bufferIndex])
	d.Reset()
	if packet.crc != calculated {
		return nil, fmt.Errorf("CRC mismatch: expected 0x%04X, got 0x%04X", calculated, packet.crc)
	}
	packet.timestamp = time.Now()
	return packet, nil
}
