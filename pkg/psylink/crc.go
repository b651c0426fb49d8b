// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package psylink

// crcTable holds the CRC-16/CCITT-FALSE remainder of every leading byte.
var crcTable = func() (t [256]uint16) {
	for i := range t {
		r := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if r&0x8000 != 0 {
				r = r<<1 ^ crcPolynomial
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

// CalculateCRC returns the frame checksum (CRC-16/CCITT-FALSE, poly 0x1021,
// init 0xFFFF) over LEN, SEQ and the CBOR body.
func CalculateCRC(data []byte) uint16 {
	return updateCRC(crcInitial, data)
}

// updateCRC continues a running checksum over more bytes.
func updateCRC(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}
