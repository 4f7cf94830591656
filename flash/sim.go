package flash

import "charitywater/afridev2/config"

// Sim is a RAM-backed Device covering [Base, Base+len(mem)). It applies NOR
// physics: erase fills a segment with 0xFF, writes AND into the existing
// cells. Tests inject write faults to exercise the record retry path.
type Sim struct {
	Base uint32
	mem  []byte

	// FailWrites makes the next n Write calls program nothing (the
	// controller timeout failure mode: silently absorbed, caught by
	// readback).
	FailWrites int

	Erases int
	Writes int
}

// NewSim returns an erased simulated flash of size bytes starting at base.
func NewSim(base uint32, size int) *Sim {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = Erased
	}
	return &Sim{Base: base, mem: mem}
}

func (s *Sim) offset(addr uint32, n int) (int, bool) {
	if addr < s.Base {
		return 0, false
	}
	off := int(addr - s.Base)
	if off+n > len(s.mem) {
		return 0, false
	}
	return off, true
}

func (s *Sim) EraseSegment(addr uint32) error {
	base := SegmentBase(addr)
	off, ok := s.offset(base, SegmentSize)
	if !ok {
		return ErrRange
	}
	s.Erases++
	for i := 0; i < SegmentSize; i++ {
		s.mem[off+i] = Erased
	}
	return nil
}

func (s *Sim) EraseInfoSegment(addr uint32) error {
	base := addr &^ uint32(config.InfoSegmentSize-1)
	off, ok := s.offset(base, config.InfoSegmentSize)
	if !ok {
		return ErrRange
	}
	s.Erases++
	for i := 0; i < config.InfoSegmentSize; i++ {
		s.mem[off+i] = Erased
	}
	return nil
}

func (s *Sim) Write(addr uint32, src []byte) error {
	off, ok := s.offset(addr, len(src))
	if !ok {
		return ErrRange
	}
	s.Writes++
	if s.FailWrites > 0 {
		s.FailWrites--
		return nil
	}
	for i, b := range src {
		s.mem[off+i] &= b
	}
	return nil
}

func (s *Sim) Read(addr uint32, dst []byte) {
	off, ok := s.offset(addr, len(dst))
	if !ok {
		for i := range dst {
			dst[i] = Erased
		}
		return
	}
	copy(dst, s.mem[off:off+len(dst)])
}
