package bid

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// MixHashLen is the length in bytes of a KeyMixHash, per §6's RawData
// framing ("16-byte key-mix-hash").
const MixHashLen = 16

// AesKey is the symmetric key material exchanged between two tunnels to
// authenticate and encrypt PackageBox/RawData frames (spec §4.3). It is
// never persisted; it is re-derived on every key exchange.
type AesKey struct {
	raw [32]byte
}

// NewAesKey derives a fresh random key, used when a device initiates a
// key exchange as part of an outgoing tunnel connect.
func NewAesKey() (AesKey, error) {
	var k AesKey
	if _, err := rand.Read(k.raw[:]); err != nil {
		return AesKey{}, err
	}
	return k, nil
}

// AesKeyFromBytes wraps externally-supplied (e.g. ECDH-derived) key
// material of any length by hashing it down to 32 bytes.
func AesKeyFromBytes(material []byte) AesKey {
	var k AesKey
	k.raw = sha256.Sum256(material)
	return k
}

func (k AesKey) Equal(o AesKey) bool {
	return k.raw == o.raw
}

func (k AesKey) Bytes() []byte {
	return k.raw[:]
}

// MixHash returns the key-mix-hash used to demultiplex RawData frames
// by key without exposing the key itself on the wire: a device mixes
// the key with an optional salt (e.g. the remote endpoint) and hashes.
// A zero-length salt gives the bare key identity hash.
func (k AesKey) MixHash(salt []byte) [MixHashLen]byte {
	h := sha256.New()
	h.Write(k.raw[:])
	h.Write(salt)
	sum := h.Sum(nil)
	var out [MixHashLen]byte
	copy(out[:], sum[:MixHashLen])
	return out
}

func (k AesKey) MixHashString(salt []byte) string {
	h := k.MixHash(salt)
	return hex.EncodeToString(h[:])
}

// newGCM builds an AES-256-GCM AEAD from the key, used to seal/open
// PackageBox payloads.
func (k AesKey) newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.raw[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under this key with a random nonce prepended
// to the ciphertext.
func (k AesKey) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := k.newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (k AesKey) Open(sealed []byte) ([]byte, error) {
	gcm, err := k.newGCM()
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("bid: sealed box too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}
