package client

// maxRequestID is the largest request id handed out before wrapping.
const maxRequestID = 0xFFFFFF

// Sequence hands out request ids in 1..0xFFFFFF. It is shared by every client of a
// process so ids stay unique on a shared socket. Not safe for concurrent use.
type Sequence struct {
	last int32
}

// NewSequence returns a sequence whose first id is 11.
func NewSequence() *Sequence {
	return &Sequence{last: 10}
}

// Next returns the next id. It never returns 0.
func (s *Sequence) Next() int32 {
	s.last++
	if s.last > maxRequestID || s.last <= 0 {
		s.last = 1
	}
	return s.last
}
