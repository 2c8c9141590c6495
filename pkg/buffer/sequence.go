package buffer

import (
	"io"
	"iter"
)

// Segment is one contiguous span of a Sequence.
type Segment struct {
	data         []byte
	runningIndex int
	next         *Segment
}

// Bytes returns the valid bytes of the segment.
func (s *Segment) Bytes() []byte { return s.data }

// RunningIndex is the offset of the segment's first byte within the sequence.
func (s *Segment) RunningIndex() int { return s.runningIndex }

// Next returns the following segment, or nil for the last one.
func (s *Segment) Next() *Segment { return s.next }

// Sequence is a read-only logical byte sequence backed by one or more buffers. It never owns
// its memory: once the backing buffers are returned to a pool the Sequence must not be used.
type Sequence struct {
	first  *Segment
	last   *Segment
	length int
}

// FromBytes wraps a single contiguous buffer.
func FromBytes(b []byte) Sequence {
	seg := &Segment{data: b}
	return Sequence{first: seg, last: seg, length: len(b)}
}

// Assemble links primary and the overflow buffers into one Sequence without copying.
//
// With no overflow buffers the sequence is primary[:lastCount]. Otherwise primary and every
// overflow buffer but the last are taken whole, and the last overflow buffer contributes its
// first lastCount bytes.
func Assemble(primary []byte, overflow [][]byte, lastCount int) Sequence {
	if len(overflow) == 0 {
		return FromBytes(primary[:lastCount])
	}

	var seq Sequence
	seq.append(primary)
	for i, b := range overflow {
		if i == len(overflow)-1 {
			b = b[:lastCount]
		}
		seq.append(b)
	}
	return seq
}

func (s *Sequence) append(b []byte) {
	if len(b) == 0 {
		return
	}
	seg := &Segment{data: b, runningIndex: s.length}
	if s.first == nil {
		s.first = seg
	} else {
		s.last.next = seg
	}
	s.last = seg
	s.length += len(b)
}

// Len is the total number of bytes in the sequence.
func (s Sequence) Len() int { return s.length }

// IsSingleSegment reports whether the sequence is backed by at most one buffer.
func (s Sequence) IsSingleSegment() bool { return s.first == s.last }

// First returns the bytes of the first segment.
func (s Sequence) First() []byte {
	if s.first == nil {
		return nil
	}
	return s.first.data
}

// FirstSegment returns the head of the segment chain, or nil if the sequence is empty.
func (s Sequence) FirstSegment() *Segment { return s.first }

// Segments iterates over the contiguous spans in order.
func (s Sequence) Segments() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for seg := s.first; seg != nil; seg = seg.next {
			if !yield(seg.data) {
				return
			}
		}
	}
}

// CopyTo copies the sequence into dst and returns the number of bytes copied.
func (s Sequence) CopyTo(dst []byte) int {
	n := 0
	for b := range s.Segments() {
		if n >= len(dst) {
			break
		}
		n += copy(dst[n:], b)
	}
	return n
}

// Bytes returns the sequence as one contiguous slice. It aliases the backing buffer when the
// sequence has a single segment and allocates a flattened copy otherwise.
func (s Sequence) Bytes() []byte {
	if s.IsSingleSegment() {
		return s.First()
	}
	out := make([]byte, s.length)
	s.CopyTo(out)
	return out
}

// Reader returns a reader positioned at the start of the sequence.
func (s Sequence) Reader() *Reader {
	return &Reader{seg: s.first}
}

// Reader reads a Sequence across segment boundaries.
type Reader struct {
	seg *Segment
	off int
}

var (
	_ io.Reader     = (*Reader)(nil)
	_ io.ByteReader = (*Reader)(nil)
)

func (r *Reader) advance() bool {
	for r.seg != nil && r.off >= len(r.seg.data) {
		r.seg = r.seg.next
		r.off = 0
	}
	return r.seg != nil
}

func (r *Reader) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && r.advance() {
		c := copy(p[n:], r.seg.data[r.off:])
		r.off += c
		n += c
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (r *Reader) ReadByte() (byte, error) {
	if !r.advance() {
		return 0, io.EOF
	}
	b := r.seg.data[r.off]
	r.off++
	return b, nil
}
