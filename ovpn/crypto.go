package ovpn

import "io"

// SslSession is the interface the engine requires of a TLS library
// backend. It carries the control-channel handshake and the
// cleartext/ciphertext shims the engine pumps bytes through. TLS
// library selection and X.509/PEM parsing are explicitly out of
// scope; the engine only drives this interface.
type SslSession interface {
	// Handshake drives the TLS state machine forward. It returns true
	// once the handshake has completed.
	Handshake() (bool, error)
	// ReadCleartext returns application (AUTH payload) bytes produced
	// by the completed handshake.
	ReadCleartext(buf []byte) (int, error)
	// WriteCleartext queues application bytes for transmission over
	// the TLS session.
	WriteCleartext(buf []byte) (int, error)
	// ReadCiphertext drains bytes the TLS session wants transmitted on
	// the wire.
	ReadCiphertext(buf []byte) (int, error)
	// WriteCiphertext feeds bytes received from the wire into the TLS
	// session.
	WriteCiphertext(buf []byte) (int, error)
	// ExportKeyingMaterial derives data-channel key material via the
	// RFC 5705 TLS exporter, when supported by the backend.
	ExportKeyingMaterial(label string, length int) ([]byte, error)
}

// AeadCipher is a negotiated AEAD data-channel cipher (AES-GCM,
// CHACHA20-POLY1305).
type AeadCipher interface {
	// Overhead returns the number of bytes of authentication tag
	// appended to the ciphertext.
	Overhead() int
	// Seal encrypts and authenticates plaintext, appending the result
	// to dst.
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	// Open authenticates and decrypts ciphertext, appending the result
	// to dst.
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// CbcCipher is a negotiated legacy CBC data-channel cipher.
type CbcCipher interface {
	// BlockSize returns the cipher's block size in bytes.
	BlockSize() int
	// Encrypt encrypts plaintext (which must be a multiple of
	// BlockSize) into dst under iv.
	Encrypt(dst, iv, plaintext []byte)
	// Decrypt decrypts ciphertext (which must be a multiple of
	// BlockSize) into dst under iv.
	Decrypt(dst, iv, ciphertext []byte) error
}

// Hmac is a keyed hash used for control-channel wrapping and legacy
// data-channel authentication.
type Hmac interface {
	Size() int
	Write(p []byte) (int, error)
	Sum(dst []byte) []byte
	Reset()
}

// Rng is the source of randomness the engine uses for session ids and
// nonces. Concrete RNGs are a host collaborator.
type Rng interface {
	io.Reader
}

// CryptoProvider constructs the concrete cipher/HMAC/RNG instances the
// engine needs from negotiated key material. A host supplies one
// instance per engine; the engine never selects algorithms itself
// beyond what negotiation (options string, push-reply cipher/auth)
// dictates.
type CryptoProvider interface {
	NewAead(algorithm string, key []byte) (AeadCipher, error)
	NewCbc(algorithm string, key []byte) (CbcCipher, error)
	NewHmac(algorithm string, key []byte) (Hmac, error)
	Rng() Rng
}

// TLSFactory constructs a new SslSession for a KeyContext. A host
// implements this over whatever TLS library and certificate material
// it manages; the engine treats the result opaquely.
type TLSFactory interface {
	NewSession(mode Mode) (SslSession, error)
}
