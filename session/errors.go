package session

import "errors"

// Error kinds named by spec.md §7 that are specific to the session and
// handshake layers (wire/mtcrypto/transport each define their own).
var (
	// ErrUnsupportedPublicKey: the server's resPQ fingerprint list does
	// not include the configured trust anchor. Fatal; no retry.
	ErrUnsupportedPublicKey = errors.New("session: server does not accept configured RSA fingerprint")

	// ErrNonceMismatch: a handshake reply's nonce/server_nonce does not
	// match the request. Fatal to the handshake.
	ErrNonceMismatch = errors.New("session: handshake nonce mismatch")

	// ErrUnsafeDHPrime: (g, dh_prime) is not the single accepted pair.
	// Fatal to the handshake.
	ErrUnsafeDHPrime = errors.New("session: DH parameters not on the accepted whitelist")

	// ErrHandshakeRejected: the server replied dh_gen_retry or
	// dh_gen_fail. Retry logic is explicitly out of scope.
	ErrHandshakeRejected = errors.New("session: server rejected DH confirmation")

	// ErrUnknownAuthKey: an inbound message's auth_key_id does not
	// match the local id. Fatal to the connection.
	ErrUnknownAuthKey = errors.New("session: inbound auth_key_id does not match local key")

	// ErrMalformed: wire bytes violate framing or schema assumptions.
	// Fatal to the current connection; caller may reconnect and reuse
	// the auth_key.
	ErrMalformed = errors.New("session: malformed inbound message")
)
