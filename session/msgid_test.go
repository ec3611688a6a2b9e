package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMsgIDAllocatorStrictlyIncreasing(t *testing.T) {
	frozen := time.Unix(1_700_000_000, 0)
	counter := byte(0)
	a := &msgIDAllocator{
		now: func() time.Time { return frozen },
		rand: func() (int64, error) {
			counter++
			return int64(counter), nil
		},
	}

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := a.next()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1])
		assert.GreaterOrEqual(t, ids[i]-ids[i-1], int64(4))
	}
}

func TestMsgIDAllocatorMultipleOfFour(t *testing.T) {
	a := newMsgIDAllocator()
	id, err := a.next()
	require.NoError(t, err)
	assert.Zero(t, id%4)
}

func TestMsgIDAllocatorClampsWhenClockGoesBackward(t *testing.T) {
	times := []time.Time{time.Unix(2000, 0), time.Unix(1000, 0)}
	i := 0
	a := &msgIDAllocator{
		now: func() time.Time {
			t := times[i]
			if i < len(times)-1 {
				i++
			}
			return t
		},
		rand: func() (int64, error) { return 0, nil },
	}
	first, err := a.next()
	require.NoError(t, err)
	second, err := a.next()
	require.NoError(t, err)
	assert.Greater(t, second, first)
}
