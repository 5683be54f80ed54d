package tunnel

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of a WireGuard key.
const KeySize = 32

// Key is a Curve25519 private or public key.
type Key [KeySize]byte

// GenerateKeypair returns a fresh clamped private key and its public key.
func GenerateKeypair() (priv, pub Key, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("read random: %w", err)
	}
	priv[0] &= 248
	priv[31] = (priv[31] & 127) | 64
	pub, err = priv.Public()
	return priv, pub, err
}

// Public derives the public key of a private key.
func (k Key) Public() (Key, error) {
	var pub Key
	out, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return pub, err
	}
	copy(pub[:], out)
	return pub, nil
}

// String returns the base64 form used in configuration files.
func (k Key) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// Hex returns the form used on the driver control pipe.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// ParseKey decodes a base64 key.
func ParseKey(s string) (Key, error) {
	var k Key
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key: %w", err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("invalid key length %d", len(raw))
	}
	copy(k[:], raw)
	return k, nil
}
