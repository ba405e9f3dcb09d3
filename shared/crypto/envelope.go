// Package crypto implements the cryptographic envelope (§4.4): asymmetric
// key pair generation, per-packet symmetric key wrapping, and authenticated
// encryption of the nickname and call-key payloads carried in signaling
// messages.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// rsaKeyBits sizes the asymmetric key pair used to wrap PacketKeys.
	rsaKeyBits = 3072
	// PacketKeySize is the length in bytes of a fresh symmetric key minted
	// per envelope (256-bit ChaCha20-Poly1305 key).
	PacketKeySize = chacha20poly1305.KeySize
)

// AsymKeyPair is a client's long-lived (session-scoped, never persisted to
// disk) RSA key pair. The private half never leaves the process that
// generated it; the public half is exchanged during AUTHORIZATION and
// CALLING_BEGIN/CALL_ACCEPT.
type AsymKeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}

// GenerateAsymKeyPair mints a fresh RSA key pair. Called once per
// ClientSession; never reused across sessions or persisted (§3).
func GenerateAsymKeyPair() (*AsymKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key pair: %w", err)
	}
	return &AsymKeyPair{Private: priv, Public: &priv.PublicKey}, nil
}

// MarshalPublicKey encodes a public key as PKCS#1 DER, the form carried on
// the wire in Authorization.PublicKey / CallingBegin.SenderPublicKey.
func MarshalPublicKey(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}

// ParsePublicKey decodes the wire form produced by MarshalPublicKey.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	return pub, nil
}

// WrapPacketKey RSA-OAEP-encrypts a freshly minted PacketKey under the
// recipient's public key. Returns the fresh key (to encrypt the payload
// locally) and the wrapped ciphertext to place on the wire.
func WrapPacketKey(recipient *rsa.PublicKey) (key []byte, wrapped []byte, err error) {
	key = make([]byte, PacketKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, fmt.Errorf("crypto: mint packet key: %w", err)
	}
	wrapped, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: wrap packet key: %w", err)
	}
	return key, wrapped, nil
}

// UnwrapPacketKey reverses WrapPacketKey using the local private key.
func UnwrapPacketKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: unwrap packet key: %w", err)
	}
	return key, nil
}

// Seal authenticates-and-encrypts plaintext (a nickname or a CallKey) under
// key, returning the nonce and ciphertext to place on the wire.
func Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("crypto: mint nonce: %w", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Open reverses Seal.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: init aead: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("crypto: bad nonce length")
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open envelope: %w", err)
	}
	return plaintext, nil
}

// HashNickname derives the deterministic, keyless public identity for a
// nickname (§3). Identical to protocol.HashNickname — duplicated here
// without importing shared/protocol so this package has no dependency on
// the wire-type package.
func HashNickname(nickname string) string {
	sum := sha256.Sum256([]byte(nickname))
	return hex.EncodeToString(sum[:])
}

// CallKey is the fresh symmetric key the caller mints for one active call's
// media (voice/screen/camera) stream, exchanged once via the envelope and
// held for the lifetime of that ActiveCall only (§3).
type CallKey = []byte

// GenerateCallKey mints a fresh key for one call's media stream.
func GenerateCallKey() (CallKey, error) {
	key := make([]byte, PacketKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypto: mint call key: %w", err)
	}
	return key, nil
}
