package session

import "github.com/nikat/mtproto2json/mtcrypto"

// deriveAESKeyIV implements the per-direction key derivation of
// spec.md §6 from a 256-byte auth_key and a 16-byte msg_key. write
// selects which half of the table (write vs read direction) applies.
func deriveAESKeyIV(authKey []byte, msgKey []byte, write bool) (key, iv []byte) {
	var a, b, c, d [20]byte
	if write {
		a = mtcrypto.SHA1Concat(msgKey, authKey[0:32])
		b = mtcrypto.SHA1Concat(authKey[32:48], msgKey, authKey[48:64])
		c = mtcrypto.SHA1Concat(authKey[64:96], msgKey)
		d = mtcrypto.SHA1Concat(msgKey, authKey[96:128])
	} else {
		a = mtcrypto.SHA1Concat(msgKey, authKey[8:40])
		b = mtcrypto.SHA1Concat(authKey[40:56], msgKey, authKey[56:72])
		c = mtcrypto.SHA1Concat(authKey[72:104], msgKey)
		d = mtcrypto.SHA1Concat(msgKey, authKey[104:136])
	}

	key = make([]byte, 0, 32)
	key = append(key, a[0:8]...)
	key = append(key, b[8:20]...)
	key = append(key, c[4:16]...)

	iv = make([]byte, 0, 32)
	iv = append(iv, a[8:20]...)
	iv = append(iv, b[0:8]...)
	iv = append(iv, c[16:20]...)
	iv = append(iv, d[0:8]...)

	return key, iv
}
