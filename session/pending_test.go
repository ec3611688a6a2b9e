package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingTableResolveDeliversResult(t *testing.T) {
	tbl := newPendingTable()
	p := tbl.register(42, []byte("body"))
	tbl.resolve(42, pendingResult{result: nil})
	select {
	case res := <-p.completion:
		assert.NoError(t, res.err)
	case <-time.After(time.Second):
		t.Fatal("completion never delivered")
	}
	_, ok := tbl.get(42)
	assert.False(t, ok)
}

func TestPendingTableResolveIsIdempotent(t *testing.T) {
	tbl := newPendingTable()
	p := tbl.register(1, nil)
	tbl.resolve(1, pendingResult{err: ErrTimeout})
	tbl.resolve(1, pendingResult{err: ErrDisconnected}) // no-op, already resolved

	select {
	case res := <-p.completion:
		assert.ErrorIs(t, res.err, ErrTimeout)
	default:
		t.Fatal("expected buffered result")
	}
}

func TestPendingTableGetDoesNotResolve(t *testing.T) {
	tbl := newPendingTable()
	tbl.register(7, []byte("payload"))
	p, ok := tbl.get(7)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), p.body)
	assert.Equal(t, 1, tbl.len())
}

func TestPendingTableDisconnectAllResolvesEveryOutstandingSlot(t *testing.T) {
	tbl := newPendingTable()
	p1 := tbl.register(1, nil)
	p2 := tbl.register(2, nil)

	tbl.disconnectAll()

	for _, p := range []*pendingRequest{p1, p2} {
		select {
		case res := <-p.completion:
			assert.ErrorIs(t, res.err, ErrDisconnected)
		case <-time.After(time.Second):
			t.Fatal("completion never delivered")
		}
	}
	assert.Equal(t, 0, tbl.len())
}
