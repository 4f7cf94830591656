// Package flash models the MCU's segment-erasable flash. A segment is 512
// bytes; an erased cell reads 0xFF and a write can only move bits from 1 to
// 0. The storage engine's clear-on-ready and clear-on-transmit bytes depend
// on that hardware property, so the simulator enforces it.
package flash

import (
	"errors"

	"charitywater/afridev2/config"
)

const (
	SegmentSize = config.FlashSegmentSize
	Erased      = byte(config.FlashErasedByte)
)

var (
	// ErrTimeout means the controller stayed BUSY past the expected erase or
	// write time. Callers proceed; readback plus CRC is the real check.
	ErrTimeout = errors.New("flash: busy timeout")
	// ErrRange means the address is outside the device.
	ErrRange = errors.New("flash: address out of range")
)

// Device is segment-erasable flash. Erase and write stall the CPU while the
// controller is busy; both run with interrupts masked on hardware.
type Device interface {
	// EraseSegment erases the 512-byte segment containing addr.
	EraseSegment(addr uint32) error
	// EraseInfoSegment erases the 64-byte INFO segment containing addr.
	EraseInfoSegment(addr uint32) error
	// Write programs src at addr, byte by byte. Bits only move 1 -> 0.
	Write(addr uint32, src []byte) error
	// Read copies len(dst) bytes starting at addr.
	Read(addr uint32, dst []byte)
}

// WriteUint16 serializes v MSB-first at addr. Big-endian on flash is a wire
// compatibility contract with the cloud side.
func WriteUint16(d Device, addr uint32, v uint16) error {
	return d.Write(addr, []byte{byte(v >> 8), byte(v)})
}

// WriteUint32 serializes v MSB-first at addr.
func WriteUint32(d Device, addr uint32, v uint32) error {
	return d.Write(addr, []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// ReadUint16 reads a big-endian 16-bit value at addr.
func ReadUint16(d Device, addr uint32) uint16 {
	var b [2]byte
	d.Read(addr, b[:])
	return uint16(b[0])<<8 | uint16(b[1])
}

// ReadUint32 reads a big-endian 32-bit value at addr.
func ReadUint32(d Device, addr uint32) uint32 {
	var b [4]byte
	d.Read(addr, b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// SegmentBase returns the base address of the segment containing addr.
func SegmentBase(addr uint32) uint32 {
	return addr &^ uint32(SegmentSize-1)
}
