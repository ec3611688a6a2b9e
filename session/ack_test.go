package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAckBufferFlushesAtSizeThreshold(t *testing.T) {
	a := newAckBuffer()
	for i := int64(0); i < ackFlushSize-1; i++ {
		a.add(i)
		assert.False(t, a.shouldFlush())
	}
	a.add(999)
	assert.True(t, a.shouldFlush())
}

func TestAckBufferFlushesAtAgeThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	a := newAckBuffer()
	a.now = func() time.Time { return now }
	a.lastFlush = now
	a.add(1)
	assert.False(t, a.shouldFlush())

	now = now.Add(ackFlushAge)
	assert.True(t, a.shouldFlush())
}

func TestAckBufferDrainResetsState(t *testing.T) {
	a := newAckBuffer()
	a.add(1)
	a.add(2)
	ids := a.drain()
	assert.Equal(t, []int64{1, 2}, ids)
	assert.False(t, a.shouldFlush())
	assert.Nil(t, a.drain())
}
