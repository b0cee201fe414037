package channel

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of an X25519 public or private key.
const KeySize = 32

// GenerateKeyPair generates a X25519 key pair. The gateway uses one per
// connection for the hello handshake; clients use their own for channel key
// agreement.
func GenerateKeyPair() (privateKey, publicKey [KeySize]byte, err error) {
	if _, err := io.ReadFull(rand.Reader, privateKey[:]); err != nil {
		return [KeySize]byte{}, [KeySize]byte{}, err
	}
	curve25519.ScalarBaseMult(&publicKey, &privateKey)
	return privateKey, publicKey, nil
}

// DeriveSharedSecret derives a shared secret using X25519. Each channel
// participant runs this locally against the peer's public key; the gateway
// only ever transports the public halves.
func DeriveSharedSecret(privateKey, remotePublicKey [KeySize]byte) ([KeySize]byte, error) {
	sharedSecret, err := curve25519.X25519(privateKey[:], remotePublicKey[:])
	if err != nil {
		return [KeySize]byte{}, err
	}
	var res [KeySize]byte
	copy(res[:], sharedSecret)
	return res, nil
}
