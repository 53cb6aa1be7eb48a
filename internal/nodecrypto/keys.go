// Package nodecrypto provides the owner-key and content-hash primitives
// that the node codec, offloader and node driver build on: Ed25519 and
// secp256k1 sign/verify behind one tagged-union key type, and BLAKE2b
// content hashing.
package nodecrypto

import (
	"crypto/ed25519"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160"
)

// KeyType distinguishes the two owner-key systems a node may be signed with.
// Supporting both resolves the "two variants of the codebase" open question:
// one implementation favoured Ed25519-only, the other added Ethereum-style
// secp256k1 keys — this superset keeps both behind one type.
type KeyType uint8

const (
	KeyTypeEd25519 KeyType = iota
	KeyTypeSecp256k1
)

func (t KeyType) String() string {
	switch t {
	case KeyTypeEd25519:
		return "ed25519"
	case KeyTypeSecp256k1:
		return "secp256k1"
	default:
		return "unknown"
	}
}

// PublicKey is a tagged union over the two supported owner-key systems.
type PublicKey struct {
	Type  KeyType
	Bytes []byte // 32 bytes for ed25519, 33-byte compressed form for secp256k1
}

// Fingerprint returns a short hex identifier for p, suitable for log lines
// where printing the full public key would be noise: SHA-256 then
// RIPEMD-160 of the raw key bytes, same as the owner-address scheme.
func (p PublicKey) Fingerprint() string {
	sha := sha256.Sum256(p.Bytes)
	r := ripemd160.New()
	r.Write(sha[:])
	return hex.EncodeToString(r.Sum(nil))
}

func (p PublicKey) Equal(o PublicKey) bool {
	if p.Type != o.Type || len(p.Bytes) != len(o.Bytes) {
		return false
	}
	for i := range p.Bytes {
		if p.Bytes[i] != o.Bytes[i] {
			return false
		}
	}
	return true
}

// KeyPair holds a secret key alongside its public counterpart. The secret
// bytes are never serialised as part of a node; callers wipe them once the
// keypair is no longer needed.
type KeyPair struct {
	Public  PublicKey
	private []byte
}

// NewEd25519KeyPair generates a random Ed25519 keypair.
func NewEd25519KeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(crand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("nodecrypto: generate ed25519 key: %w", err)
	}
	return KeyPair{
		Public:  PublicKey{Type: KeyTypeEd25519, Bytes: pub},
		private: priv,
	}, nil
}

// NewSecp256k1KeyPair generates a random secp256k1 keypair.
func NewSecp256k1KeyPair() (KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return KeyPair{}, fmt.Errorf("nodecrypto: generate secp256k1 key: %w", err)
	}
	return KeyPair{
		Public:  PublicKey{Type: KeyTypeSecp256k1, Bytes: priv.PubKey().SerializeCompressed()},
		private: priv.Serialize(),
	}, nil
}

// Sign produces a signature over message using the keypair's secret key.
func (kp KeyPair) Sign(message []byte) ([]byte, error) {
	switch kp.Public.Type {
	case KeyTypeEd25519:
		if len(kp.private) != ed25519.PrivateKeySize {
			return nil, errors.New("nodecrypto: malformed ed25519 private key")
		}
		return ed25519.Sign(ed25519.PrivateKey(kp.private), message), nil
	case KeyTypeSecp256k1:
		priv := secp256k1.PrivKeyFromBytes(kp.private)
		digest := Hash(message)
		sig := ecdsa.Sign(priv, digest[:])
		return sig.Serialize(), nil
	default:
		return nil, fmt.Errorf("nodecrypto: unknown key type %v", kp.Public.Type)
	}
}

// Verify checks signature against message for the given public key.
func Verify(pub PublicKey, message, signature []byte) bool {
	switch pub.Type {
	case KeyTypeEd25519:
		if len(pub.Bytes) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pub.Bytes), message, signature)
	case KeyTypeSecp256k1:
		key, err := secp256k1.ParsePubKey(pub.Bytes)
		if err != nil {
			return false
		}
		sig, err := ecdsa.ParseDERSignature(signature)
		if err != nil {
			return false
		}
		digest := Hash(message)
		return sig.Verify(digest[:], key)
	default:
		return false
	}
}
