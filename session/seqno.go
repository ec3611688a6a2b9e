package session

import "sync"

// seqnoAllocator mints per-direction MTProto sequence numbers
// (spec.md §3 SequenceNumber, §4.7). Content-bearing messages use the
// next odd number; pure acknowledgements use the next even number.
//
// spec.md §9 flags the reference implementation's single shared
// last-seqno counter (updated on both outbound allocation and inbound
// high-water tracking) as a possible bug. separateCounters mirrors
// that behavior by default (shared counter) and lets a caller opt into
// genuinely independent odd/even/inbound counters instead.
type seqnoAllocator struct {
	mu                sync.Mutex
	last              int64
	separateCounters  bool
	lastOdd           int64
	lastEven          int64
	seqnoIncrement    int64
}

func newSeqnoAllocator(separateCounters bool) *seqnoAllocator {
	return &seqnoAllocator{separateCounters: separateCounters, seqnoIncrement: 1}
}

// nextOdd returns the next odd sequence number: ((last+1)>>1)<<1 | 1.
func (s *seqnoAllocator) nextOdd() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.counterFor(true)
	v := ((base + 1) >> 1 << 1) | 1
	s.setCounterFor(true, v)
	return v
}

// nextEven returns the next even sequence number: ((last>>1)+1)<<1.
func (s *seqnoAllocator) nextEven() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := s.counterFor(false)
	v := ((base >> 1) + 1) << 1
	s.setCounterFor(false, v)
	return v
}

// observeInbound folds an inbound message's seqno into the
// high-water mark that feeds future allocations (spec.md §4.7:
// "last_seqno := max(last_seqno, incoming.seqno)").
func (s *seqnoAllocator) observeInbound(seqno int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := int64(seqno)
	if s.separateCounters {
		if v > s.last {
			s.last = v
		}
		return
	}
	if v > s.last {
		s.last = v
	}
	if v > s.lastOdd {
		s.lastOdd = v
	}
	if v > s.lastEven {
		s.lastEven = v
	}
}

// advance bumps the shared high-water mark by delta, used by the
// bad_msg_notification(32) recovery path (spec.md §4.7).
func (s *seqnoAllocator) advance(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last += delta
	if !s.separateCounters {
		s.lastOdd = s.last
		s.lastEven = s.last
	}
}

// doubleIncrement doubles the seqno_increment used by advance,
// saturating at 2^31-1 (spec.md §4.7).
func (s *seqnoAllocator) doubleIncrement() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	const maxIncrement = (int64(1) << 31) - 1
	s.seqnoIncrement *= 2
	if s.seqnoIncrement > maxIncrement {
		s.seqnoIncrement = maxIncrement
	}
	return s.seqnoIncrement
}

func (s *seqnoAllocator) counterFor(odd bool) int64 {
	if s.separateCounters {
		if odd {
			return s.lastOdd
		}
		return s.lastEven
	}
	return s.last
}

func (s *seqnoAllocator) setCounterFor(odd bool, v int64) {
	if s.separateCounters {
		if odd {
			s.lastOdd = v
		} else {
			s.lastEven = v
		}
		return
	}
	s.last = v
	s.lastOdd = v
	s.lastEven = v
}
