package ovpn

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"
)

// testCryptoProvider is a stdlib-backed CryptoProvider used only by
// this package's tests. It is not a shipped backend: real TLS library
// and cipher selection is a host collaborator concern. It always uses
// AES-256-GCM and HMAC-SHA256 regardless of the requested algorithm
// name, which is enough to exercise the engine's framing logic end to
// end.
type testCryptoProvider struct{}

func (testCryptoProvider) NewAead(algorithm string, key []byte) (AeadCipher, error) {
	k := fitKey(key, 32)
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return testAead{gcm}, nil
}

func (testCryptoProvider) NewCbc(algorithm string, key []byte) (CbcCipher, error) {
	k := fitKey(key, 32)
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return testCbc{block}, nil
}

func (testCryptoProvider) NewHmac(algorithm string, key []byte) (Hmac, error) {
	return &testHmac{h: hmac.New(sha256.New, fitKey(key, 32))}, nil
}

func (testCryptoProvider) Rng() Rng { return rand.Reader }

// fitKey pads or truncates key material to exactly n bytes so the
// test provider can be driven with short or oversized keys without
// crashing, since this package's callers pass raw exported key slices
// whose size it does not otherwise validate.
func fitKey(key []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, key)
	return out
}

type testAead struct {
	gcm cipher.AEAD
}

func (a testAead) Overhead() int { return a.gcm.Overhead() }

func (a testAead) Seal(dst, nonce, plaintext, ad []byte) []byte {
	n := fitKey(nonce, a.gcm.NonceSize())
	return a.gcm.Seal(dst, n, plaintext, ad)
}

func (a testAead) Open(dst, nonce, ciphertext, ad []byte) ([]byte, error) {
	n := fitKey(nonce, a.gcm.NonceSize())
	return a.gcm.Open(dst, n, ciphertext, ad)
}

type testCbc struct {
	block cipher.Block
}

func (c testCbc) BlockSize() int { return c.block.BlockSize() }

func (c testCbc) Encrypt(dst, iv, plaintext []byte) {
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(dst, plaintext)
}

func (c testCbc) Decrypt(dst, iv, ciphertext []byte) error {
	if len(ciphertext)%c.block.BlockSize() != 0 {
		return fmt.Errorf("ciphertext not a multiple of the block size")
	}
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(dst, ciphertext)
	return nil
}

type testHmac struct {
	h hash.Hash
}

func (h *testHmac) Size() int                   { return h.h.Size() }
func (h *testHmac) Write(p []byte) (int, error) { return h.h.Write(p) }
func (h *testHmac) Sum(dst []byte) []byte       { return h.h.Sum(dst) }
func (h *testHmac) Reset()                      { h.h.Reset() }

// testSslSession is a minimal SslSession double that completes a
// "handshake" immediately and shuttles bytes through in-memory pipes,
// enough to drive KeyContext/ProtoEngine control flow in tests
// without a real TLS library (a host collaborator).
type testSslSession struct {
	handshakeDone bool
	cleartextIn   []byte
	cleartextOut  []byte
	ciphertextOut []byte
}

func (s *testSslSession) Handshake() (bool, error) {
	s.handshakeDone = true
	return true, nil
}

func (s *testSslSession) ReadCleartext(buf []byte) (int, error) {
	n := copy(buf, s.cleartextIn)
	s.cleartextIn = s.cleartextIn[n:]
	return n, nil
}

func (s *testSslSession) WriteCleartext(buf []byte) (int, error) {
	s.cleartextOut = append(s.cleartextOut, buf...)
	s.ciphertextOut = append(s.ciphertextOut, buf...)
	return len(buf), nil
}

func (s *testSslSession) ReadCiphertext(buf []byte) (int, error) {
	n := copy(buf, s.ciphertextOut)
	s.ciphertextOut = s.ciphertextOut[n:]
	return n, nil
}

func (s *testSslSession) WriteCiphertext(buf []byte) (int, error) {
	s.cleartextIn = append(s.cleartextIn, buf...)
	return len(buf), nil
}

func (s *testSslSession) ExportKeyingMaterial(label string, length int) ([]byte, error) {
	out := make([]byte, length)
	h := sha256.Sum256([]byte(label))
	for i := range out {
		out[i] = h[i%len(h)]
	}
	return out, nil
}

type testTLSFactory struct{}

func (testTLSFactory) NewSession(mode Mode) (SslSession, error) {
	return &testSslSession{}, nil
}
