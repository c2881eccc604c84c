package emu

import "sync"

// XfbStream is one transform-feedback buffer shared by every subgroup of a
// draw. Space is reserved through a strictly ordered counter: each subgroup
// takes a token at creation, and reservations are served in token order so
// the written primitives are gapless and in draw order regardless of which
// subgroup reaches the reservation point first.
type XfbStream struct {
	mu   sync.Mutex
	cond *sync.Cond

	issued uint64 // next token to hand out
	next   uint64 // next token to serve

	buf          []uint32
	used         uint32
	primsWritten uint32
}

// NewXfbStream creates a stream with a fixed capacity in dwords.
func NewXfbStream(capacityDwords uint32) *XfbStream {
	s := &XfbStream{buf: make([]uint32, capacityDwords)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// token issues the next subgroup-ordering token.
func (s *XfbStream) token() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.issued
	s.issued++
	return t
}

// reserve claims space for prims primitives of dwordsPerPrim dwords each,
// clamping to remaining capacity in whole primitives. It blocks until every
// earlier token has reserved, then returns the starting dword offset and the
// accepted primitive count.
func (s *XfbStream) reserve(token uint64, prims, dwordsPerPrim uint32) (offset, accepted uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token != s.next {
		s.cond.Wait()
	}

	remaining := uint32(len(s.buf)) - s.used
	accepted = prims
	if dwordsPerPrim > 0 && accepted > remaining/dwordsPerPrim {
		accepted = remaining / dwordsPerPrim
	}
	offset = s.used
	s.used += accepted * dwordsPerPrim
	s.primsWritten += accepted

	s.next++
	s.cond.Broadcast()
	return offset, accepted
}

// write stores captured dwords at a reserved offset.
func (s *XfbStream) write(offset uint32, dwords []uint32) {
	copy(s.buf[offset:], dwords)
}

// Data returns the written portion of the buffer.
func (s *XfbStream) Data() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf[:s.used]
}

// PrimitivesWritten returns the total primitives accepted across subgroups.
func (s *XfbStream) PrimitivesWritten() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primsWritten
}
