package session

import (
	"context"
	"math/big"

	"golang.org/x/sync/singleflight"

	"github.com/nikat/mtproto2json/internal/workerpool"
	"github.com/nikat/mtproto2json/mtcrypto"
	"github.com/nikat/mtproto2json/scheme"
	"github.com/nikat/mtproto2json/transport"
	"github.com/nikat/mtproto2json/wire"
)

// AuthKeyMaterial is the result of a completed handshake (spec.md §4.5):
// the shared secret, its 8-byte identifier, and the initial salt.
type AuthKeyMaterial struct {
	AuthKey    []byte // opaque 256-byte-class shared secret
	AuthKeyID  int64  // tail(SHA1(auth_key), 8), little-endian
	ServerSalt int64
}

// handshakeGroup runs the 4-round handshake under a mutual-exclusion
// guard so only one is in flight per session (spec.md §4.5: "callers
// awaiting the auth key wait on that guard"). golang.org/x/sync's
// singleflight.Group is exactly this primitive.
type handshakeGroup struct {
	sf   singleflight.Group
	pool *workerpool.Pool
}

func newHandshakeGroup(pool *workerpool.Pool) *handshakeGroup {
	return &handshakeGroup{pool: pool}
}

// run performs the handshake against tr using serverKey as the trust
// anchor, deduplicating concurrent callers onto a single attempt.
func (h *handshakeGroup) run(ctx context.Context, tr *transport.Abridged, serverKey *mtcrypto.PublicKey) (AuthKeyMaterial, error) {
	v, err, _ := h.sf.Do("handshake", func() (any, error) {
		return doHandshake(ctx, tr, serverKey, h.pool)
	})
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	return v.(AuthKeyMaterial), nil
}

// writeHandshakeEnvelope wraps body in the unencrypted transport
// envelope of spec.md §6 (auth_key_id=0, msg_id=0).
func writeHandshakeEnvelope(tr *transport.Abridged, body []byte) error {
	w := wire.NewWriter()
	w.Uint64LE(0)
	w.Uint64LE(0)
	w.Uint32LE(uint32(len(body)))
	w.Write(body)
	return tr.Write(w.Bytes())
}

// readHandshakeEnvelope reads one unencrypted envelope and returns its
// body.
func readHandshakeEnvelope(tr *transport.Abridged) ([]byte, error) {
	header, err := tr.Read(20)
	if err != nil {
		return nil, err
	}
	r := wire.NewReader(header)
	if _, err := r.Uint64LE(); err != nil { // auth_key_id, expected 0
		return nil, err
	}
	if _, err := r.Uint64LE(); err != nil { // msg_id, expected 0
		return nil, err
	}
	bodyLen, err := r.Uint32LE()
	if err != nil {
		return nil, err
	}
	return tr.Read(int(bodyLen))
}

func doHandshake(ctx context.Context, tr *transport.Abridged, serverKey *mtcrypto.PublicKey, pool *workerpool.Pool) (AuthKeyMaterial, error) {
	// Step 1 — request PQ.
	nonce, err := randomNonce16()
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	if err := writeHandshakeEnvelope(tr, scheme.EncodeReqPQ(nonce)); err != nil {
		return AuthKeyMaterial{}, err
	}
	body, err := readHandshakeEnvelope(tr)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	msg, err := scheme.DecodeTopLevel(body)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	resPQ, ok := msg.(scheme.ResPQ)
	if !ok {
		return AuthKeyMaterial{}, ErrMalformed
	}
	if resPQ.Nonce != nonce {
		return AuthKeyMaterial{}, ErrNonceMismatch
	}
	if !fingerprintAccepted(serverKey.Fingerprint, resPQ.ServerPublicKeyFingerprints) {
		return AuthKeyMaterial{}, ErrUnsupportedPublicKey
	}

	// Step 2 — factor pq and wrap; in parallel, start generating b.
	pqInt := new(big.Int).SetBytes(resPQ.PQ)

	type bResult struct {
		b   *big.Int
		err error
	}
	bCh := make(chan bResult, 1)
	go func() {
		v, err := pool.Submit(ctx, func() (any, error) { return mtcrypto.RandomBigBits(2048) })
		if err != nil {
			bCh <- bResult{err: err}
			return
		}
		bCh <- bResult{b: v.(*big.Int)}
	}()

	factored, err := pool.Submit(ctx, func() (any, error) {
		p, q, err := mtcrypto.Factorize(pqInt)
		if err != nil {
			return nil, err
		}
		return [2]*big.Int{p, q}, nil
	})
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	pq := factored.([2]*big.Int)
	pBytes, qBytes := pq[0].Bytes(), pq[1].Bytes()

	newNonce, err := randomNonce32()
	if err != nil {
		return AuthKeyMaterial{}, err
	}

	innerData, err := scheme.EncodePQInnerData(scheme.PQInnerData{
		PQ: resPQ.PQ, P: pBytes, Q: qBytes,
		Nonce: nonce, ServerNonce: resPQ.ServerNonce, NewNonce: newNonce,
	})
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	encryptedData, err := serverKey.EncryptWithHash(innerData)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	reqDHParams, err := scheme.EncodeReqDHParams(nonce, resPQ.ServerNonce, pBytes, qBytes, serverKey.Fingerprint, encryptedData)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	if err := writeHandshakeEnvelope(tr, reqDHParams); err != nil {
		return AuthKeyMaterial{}, err
	}

	// Step 3 — DH exchange.
	body, err = readHandshakeEnvelope(tr)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	msg, err = scheme.DecodeTopLevel(body)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	paramsOk, ok := msg.(scheme.ServerDHParamsOk)
	if !ok {
		return AuthKeyMaterial{}, ErrMalformed
	}
	if paramsOk.Nonce != nonce || paramsOk.ServerNonce != resPQ.ServerNonce {
		return AuthKeyMaterial{}, ErrNonceMismatch
	}

	tmpKey, tmpIV := deriveTmpKeyIV(newNonce, resPQ.ServerNonce)
	ige, err := mtcrypto.NewIGE(tmpKey, tmpIV)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	innerBytes, err := ige.DecryptWithHash(paramsOk.EncryptedAnswer)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	innerMsg, err := scheme.DecodeTopLevel(innerBytes)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	innerData2, ok := innerMsg.(scheme.ServerDHInnerData)
	if !ok {
		return AuthKeyMaterial{}, ErrMalformed
	}
	if innerData2.Nonce != nonce || innerData2.ServerNonce != resPQ.ServerNonce {
		return AuthKeyMaterial{}, ErrNonceMismatch
	}
	dhPrime := new(big.Int).SetBytes(innerData2.DHPrime)
	if !mtcrypto.IsSafeDHParams(int64(innerData2.G), dhPrime) {
		return AuthKeyMaterial{}, ErrUnsafeDHPrime
	}

	bRes := <-bCh
	if bRes.err != nil {
		return AuthKeyMaterial{}, bRes.err
	}
	b := bRes.b

	gA := new(big.Int).SetBytes(innerData2.GA)
	// authKeyInt and gB are independent 2048-bit modular exponentiations
	// over the same (b, dhPrime); run them on the pool concurrently
	// rather than back to back (spec.md §5 "CPU-bound primitives...
	// dispatched to a worker pool").
	var authKeyInt, gB *big.Int
	if err := pool.SubmitAll(ctx,
		func() error { authKeyInt = mtcrypto.ModExp(gA, b, dhPrime); return nil },
		func() error { gB = mtcrypto.ModExp(big.NewInt(mtcrypto.DHGenerator), b, dhPrime); return nil },
	); err != nil {
		return AuthKeyMaterial{}, err
	}
	// AuthorizationKey is an opaque 256-byte secret (spec.md §3); pad
	// the minimal big-endian representation up to that width.
	authKey := padLeft(authKeyInt.Bytes(), 256)

	digest := mtcrypto.SHA1(authKey)
	authKeyID := int64(leUint64(digest[12:20]))

	saltXor := mtcrypto.XOR(newNonce[:8], resPQ.ServerNonce[:8])
	serverSalt := int64(leUint64(saltXor))

	clientInner, err := scheme.EncodeClientDHInnerData(scheme.ClientDHInnerData{
		Nonce: nonce, ServerNonce: resPQ.ServerNonce, RetryID: 0, GB: gB.Bytes(),
	})
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	// A fresh IGE instance: IV state is not carried over from decrypting
	// ServerDHInnerData (spec.md §4.5 step 3).
	ige2, err := mtcrypto.NewIGE(tmpKey, tmpIV)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	encryptedClientInner, err := ige2.EncryptWithHash(clientInner)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	setClientDHParams, err := scheme.EncodeSetClientDHParams(nonce, resPQ.ServerNonce, encryptedClientInner)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	if err := writeHandshakeEnvelope(tr, setClientDHParams); err != nil {
		return AuthKeyMaterial{}, err
	}

	// Step 4 — confirm.
	body, err = readHandshakeEnvelope(tr)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	msg, err = scheme.DecodeTopLevel(body)
	if err != nil {
		return AuthKeyMaterial{}, err
	}
	confirm, ok := msg.(scheme.DHGenOk)
	if !ok {
		return AuthKeyMaterial{}, ErrHandshakeRejected
	}
	if confirm.Nonce != nonce || confirm.ServerNonce != resPQ.ServerNonce {
		return AuthKeyMaterial{}, ErrNonceMismatch
	}

	return AuthKeyMaterial{AuthKey: authKey, AuthKeyID: authKeyID, ServerSalt: serverSalt}, nil
}

func fingerprintAccepted(fp int64, candidates []int64) bool {
	for _, c := range candidates {
		if c == fp {
			return true
		}
	}
	return false
}

func randomNonce16() ([16]byte, error) {
	var n [16]byte
	b, err := mtcrypto.RandomBytes(16)
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

func randomNonce32() ([32]byte, error) {
	var n [32]byte
	b, err := mtcrypto.RandomBytes(32)
	if err != nil {
		return n, err
	}
	copy(n[:], b)
	return n, nil
}

// deriveTmpKeyIV computes the temporary AES-IGE key/IV of spec.md
// §4.5 step 3 from new_nonce and server_nonce.
func deriveTmpKeyIV(newNonce [32]byte, serverNonce [16]byte) ([]byte, []byte) {
	nnSn := mtcrypto.SHA1Concat(newNonce[:], serverNonce[:])
	snNn := mtcrypto.SHA1Concat(serverNonce[:], newNonce[:])
	nnNn := mtcrypto.SHA1Concat(newNonce[:], newNonce[:])

	tmpKey := append(append([]byte{}, nnSn[:]...), snNn[:12]...)
	tmpIV := append(append([]byte{}, snNn[12:20]...), nnNn[:]...)
	tmpIV = append(tmpIV, newNonce[:4]...)
	return tmpKey, tmpIV
}

func padLeft(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
