// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package delta

// CRC16 computes a reflected (LSB-first) CRC-16 with a zero initial register.
// The table is built once by NewCRC16 and never written again, so a single
// CRC16 can be shared by any number of goroutines.
type CRC16 struct {
	polynomial uint16
	table      [256]uint16
}

// DefaultCRC is the engine for the inverter's polynomial.
var DefaultCRC = NewCRC16(Polynomial)

// NewCRC16 builds the lookup table for the given reflected polynomial.
func NewCRC16(polynomial uint16) *CRC16 {
	c := &CRC16{polynomial: polynomial}
	for i := 0; i < 256; i++ {
		value := uint16(0)
		temp := uint16(i)
		for j := 0; j < 8; j++ {
			if (value^temp)&0x01 != 0 {
				value = (value >> 1) ^ polynomial
			} else {
				value >>= 1
			}
			temp >>= 1
		}
		c.table[i] = value
	}
	return c
}

// Polynomial returns the polynomial the table was built from
func (c *CRC16) Polynomial() uint16 {
	return c.polynomial
}

// Table returns a copy of the lookup table
func (c *CRC16) Table() [256]uint16 {
	return c.table
}

// Checksum computes the CRC of data
func (c *CRC16) Checksum(data []byte) uint16 {
	return c.Update(0, data)
}

// Update continues a running checksum over more data
func (c *CRC16) Update(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc = (crc >> 8) ^ c.table[byte(crc)^b]
	}
	return crc
}
