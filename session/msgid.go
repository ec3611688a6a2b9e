package session

import (
	"sync"
	"time"

	"github.com/nikat/mtproto2json/mtcrypto"
)

// msgIDAllocator mints strictly increasing MessageIds (spec.md §3):
// ((unix_time << 30) | random12) * 4, clamped so each new id exceeds
// the previous by at least 4. The low two bits are always zero.
type msgIDAllocator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
	rand func() (int64, error)
}

func newMsgIDAllocator() *msgIDAllocator {
	return &msgIDAllocator{now: time.Now, rand: randomTwelveBits}
}

func randomTwelveBits() (int64, error) {
	b, err := mtcrypto.RandomBytes(2)
	if err != nil {
		return 0, err
	}
	return int64(b[0])<<4 | int64(b[1]>>4), nil
}

// next returns the next MessageId, guaranteed to exceed the previous
// value returned by this allocator by at least 4.
func (m *msgIDAllocator) next() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.rand()
	if err != nil {
		return 0, err
	}
	candidate := ((m.now().Unix() << 30) | r) * 4
	if candidate <= m.last {
		candidate = m.last + 4
	}
	m.last = candidate
	return candidate, nil
}
