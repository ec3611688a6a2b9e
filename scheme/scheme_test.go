package scheme

import (
	"testing"

	"github.com/nikat/mtproto2json/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeReqPQWireLayout(t *testing.T) {
	var nonce nonce16
	for i := range nonce {
		nonce[i] = byte(i)
	}
	data := EncodeReqPQ(nonce)

	// req_pq is client->server only, so round trip it through the raw
	// reader directly rather than via the server-message dispatch set.
	r := wire.NewReader(data)
	id, err := r.Uint32LE()
	require.NoError(t, err)
	assert.Equal(t, consReqPQ, id)
	got, err := r.Read(16)
	require.NoError(t, err)
	assert.Equal(t, nonce[:], got)
}

func TestResPQRoundTrip(t *testing.T) {
	var nonce, serverNonce nonce16
	for i := range nonce {
		nonce[i] = byte(i)
		serverNonce[i] = byte(i + 1)
	}
	pq := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	w := wire.NewWriter()
	w.Uint32LE(consResPQ)
	w.Write(nonce[:])
	w.Write(serverNonce[:])
	require.NoError(t, w.ShortString(pq))
	w.Uint32LE(consVectorLong)
	w.Uint32LE(2)
	w.Int64LE(111)
	w.Int64LE(222)

	msg, err := DecodeTopLevel(w.Bytes())
	require.NoError(t, err)
	resPQ, ok := msg.(ResPQ)
	require.True(t, ok)
	assert.Equal(t, nonce, resPQ.Nonce)
	assert.Equal(t, serverNonce, resPQ.ServerNonce)
	assert.Equal(t, pq, resPQ.PQ)
	assert.Equal(t, []int64{111, 222}, resPQ.ServerPublicKeyFingerprints)
}

func TestDecodeTopLevelFallsBackToOpaque(t *testing.T) {
	w := wire.NewWriter()
	w.Uint32LE(0xdeadbeef)
	w.Write([]byte{1, 2, 3, 4})

	msg, err := DecodeTopLevel(w.Bytes())
	require.NoError(t, err)
	opaque, ok := msg.(Opaque)
	require.True(t, ok)
	assert.Equal(t, uint32(0xdeadbeef), opaque.Cons)
	assert.Equal(t, []byte{1, 2, 3, 4}, opaque.Body)
}

func TestMsgsAckRoundTrip(t *testing.T) {
	data := EncodeMsgsAck([]int64{10, 20, 30})
	msg, err := DecodeTopLevel(data)
	require.NoError(t, err)
	ack, ok := msg.(MsgsAck)
	require.True(t, ok)
	assert.Equal(t, []int64{10, 20, 30}, ack.MsgIDs)
}

func TestRPCResultWithRPCError(t *testing.T) {
	w := wire.NewWriter()
	w.Uint32LE(consRPCResult)
	w.Int64LE(999)
	w.Uint32LE(consRPCError)
	w.Uint32LE(420)
	require.NoError(t, w.ShortString([]byte("FLOOD_WAIT_5")))

	msg, err := DecodeTopLevel(w.Bytes())
	require.NoError(t, err)
	result, ok := msg.(RPCResult)
	require.True(t, ok)
	assert.Equal(t, int64(999), result.ReqMsgID)
	rpcErr, ok := result.Result.(RPCError)
	require.True(t, ok)
	assert.Equal(t, "FLOOD_WAIT_5", rpcErr.ErrorMessage)
}
