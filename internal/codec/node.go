// Package codec implements the deterministic binary node/cert encoding:
// one decoder entry point, no implicit conversions at call sites.
//
// Canonical encoding reuses RLP for deterministic block/tx bytes, the same
// choice core/ledger.go makes; id1 is the BLAKE2b-256 hash of the canonical
// encoding with signatures and transient fields excluded.
package codec

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/openodin/core/internal/nodecrypto"
)

// Signature is one signer's signature over a node's hashToSign digest.
type Signature struct {
	PublicKeyType uint8
	PublicKey     []byte
	Signature     []byte
	CertType      uint8 // 0 = direct owner signature, >0 = signed via a cert chain of this type
}

// Node is the canonical, wire-independent representation of a node record.
// Field order is load-bearing: it is part of the RLP canonical encoding and
// must never change for a live database.
type Node struct {
	// Identity
	ID1      [32]byte // derived, not transmitted on the wire as part of toCanonical(); stored alongside
	ID2      [32]byte // optional; zero value means "no id2"
	ParentID [32]byte // zero-filled for a root parent

	// Owner & provenance
	OwnerType    uint8 // nodecrypto.KeyType
	Owner        []byte
	CreationTime int64
	ExpireTime   int64 // 0 = never

	Region       string
	Jurisdiction string

	// Flags, packed as individual bools for readability; encoded as a
	// single bitfield by flagsBitfield/setFlagsFromBitfield.
	IsPublic                bool
	IsLicensed              bool
	IsLeaf                  bool
	IsIndestructible        bool
	DisallowParentLicensing bool
	HasOnlineID             bool
	IsOnlineIDValidated     bool

	ContentType []byte
	Data        []byte
	BlobHash    [32]byte
	BlobLength  uint64

	Signatures []Signature

	// Transient is local, mutable metadata. It is explicitly excluded from
	// the toCanonical() encoding used to derive ID1, but is included in
	// TransientHash.
	Transient TransientConfig
}

// TransientConfig is mutable local metadata: it never affects ID1, but does
// affect TransientHash and therefore whether a re-store with
// preserveTransient is treated as a transient update.
type TransientConfig struct {
	IsOnlineIDValidated bool
	StorageTime         int64
}

const (
	flagIsPublic = 1 << iota
	flagIsLicensed
	flagIsLeaf
	flagIsIndestructible
	flagDisallowParentLicensing
	flagHasOnlineID
	flagIsOnlineIDValidated
)

func (n *Node) flagsBitfield() uint8 {
	var f uint8
	if n.IsPublic {
		f |= flagIsPublic
	}
	if n.IsLicensed {
		f |= flagIsLicensed
	}
	if n.IsLeaf {
		f |= flagIsLeaf
	}
	if n.IsIndestructible {
		f |= flagIsIndestructible
	}
	if n.DisallowParentLicensing {
		f |= flagDisallowParentLicensing
	}
	if n.HasOnlineID {
		f |= flagHasOnlineID
	}
	if n.IsOnlineIDValidated {
		f |= flagIsOnlineIDValidated
	}
	return f
}

func (n *Node) setFlagsFromBitfield(f uint8) {
	n.IsPublic = f&flagIsPublic != 0
	n.IsLicensed = f&flagIsLicensed != 0
	n.IsLeaf = f&flagIsLeaf != 0
	n.IsIndestructible = f&flagIsIndestructible != 0
	n.DisallowParentLicensing = f&flagDisallowParentLicensing != 0
	n.HasOnlineID = f&flagHasOnlineID != 0
	n.IsOnlineIDValidated = f&flagIsOnlineIDValidated != 0
}

// canonicalNode is the RLP shape used for ID1 derivation (signatures and
// transient config excluded); Encode wraps it in wireNode together with the
// signatures, which is the form the decoder reads back from the wire.
type canonicalNode struct {
	ID2          [32]byte
	ParentID     [32]byte
	OwnerType    uint8
	Owner        []byte
	CreationTime int64
	ExpireTime   int64
	Region       string
	Jurisdiction string
	Flags        uint8
	ContentType  []byte
	Data         []byte
	BlobHash     [32]byte
	BlobLength   uint64
}

type wireSignature struct {
	PublicKeyType uint8
	PublicKey     []byte
	Signature     []byte
	CertType      uint8
}

type wireNode struct {
	Canonical  canonicalNode
	Signatures []wireSignature
}

func (n *Node) toCanonical() canonicalNode {
	return canonicalNode{
		ID2:          n.ID2,
		ParentID:     n.ParentID,
		OwnerType:    n.OwnerType,
		Owner:        n.Owner,
		CreationTime: n.CreationTime,
		ExpireTime:   n.ExpireTime,
		Region:       n.Region,
		Jurisdiction: n.Jurisdiction,
		Flags:        n.flagsBitfield(),
		ContentType:  n.ContentType,
		Data:         n.Data,
		BlobHash:     n.BlobHash,
		BlobLength:   n.BlobLength,
	}
}

// hashToSign returns the digest every signature is computed over: the
// BLAKE2b-256 hash of the canonical encoding excluding signatures and
// transient fields.
func (n *Node) hashToSign() ([32]byte, error) {
	b, err := rlp.EncodeToBytes(n.toCanonical())
	if err != nil {
		return [32]byte{}, fmt.Errorf("codec: encode canonical node: %w", err)
	}
	return nodecrypto.Hash(b), nil
}

// DeriveID1 computes id1 = H(canonical_encoding_excluding_signatures_and_transient).
func (n *Node) DeriveID1() ([32]byte, error) {
	return n.hashToSign()
}

// Sign appends a signature over hashToSign() using kp, recording the key
// type and (optionally) a cert type for delegated signing authority.
func (n *Node) Sign(kp nodecrypto.KeyPair, certType uint8) error {
	digest, err := n.hashToSign()
	if err != nil {
		return err
	}
	sig, err := kp.Sign(digest[:])
	if err != nil {
		return fmt.Errorf("codec: sign node: %w", err)
	}
	n.Signatures = append(n.Signatures, Signature{
		PublicKeyType: uint8(kp.Public.Type),
		PublicKey:     kp.Public.Bytes,
		Signature:     sig,
		CertType:      certType,
	})
	return nil
}

// VerifySignatures checks that every recorded signature validates against
// its claimed public key. A node with zero signatures is never valid.
func (n *Node) VerifySignatures() bool {
	if len(n.Signatures) == 0 {
		return false
	}
	digest, err := n.hashToSign()
	if err != nil {
		return false
	}
	for _, s := range n.Signatures {
		pub := nodecrypto.PublicKey{Type: nodecrypto.KeyType(s.PublicKeyType), Bytes: s.PublicKey}
		if !nodecrypto.Verify(pub, digest[:], s.Signature) {
			return false
		}
	}
	return true
}

// Encode produces the full wire form of the node: canonical fields plus
// signatures. Transient config is never part of the wire encoding — it is
// local-only state threaded separately by the node driver.
func Encode(n *Node) ([]byte, error) {
	w := wireNode{Canonical: n.toCanonical()}
	for _, s := range n.Signatures {
		w.Signatures = append(w.Signatures, wireSignature{
			PublicKeyType: s.PublicKeyType,
			PublicKey:     s.PublicKey,
			Signature:     s.Signature,
			CertType:      s.CertType,
		})
	}
	return rlp.EncodeToBytes(w)
}

// Decode is the single entry point for turning wire bytes back into a Node;
// UnpackNode below gives callers expecting that name the same implementation.
func Decode(data []byte) (*Node, error) {
	var w wireNode
	if err := rlp.DecodeBytes(data, &w); err != nil {
		return nil, fmt.Errorf("codec: decode node: %w", err)
	}
	n := &Node{
		ParentID:     w.Canonical.ParentID,
		ID2:          w.Canonical.ID2,
		OwnerType:    w.Canonical.OwnerType,
		Owner:        w.Canonical.Owner,
		CreationTime: w.Canonical.CreationTime,
		ExpireTime:   w.Canonical.ExpireTime,
		Region:       w.Canonical.Region,
		Jurisdiction: w.Canonical.Jurisdiction,
		ContentType:  w.Canonical.ContentType,
		Data:         w.Canonical.Data,
		BlobHash:     w.Canonical.BlobHash,
		BlobLength:   w.Canonical.BlobLength,
	}
	n.setFlagsFromBitfield(w.Canonical.Flags)
	for _, s := range w.Signatures {
		n.Signatures = append(n.Signatures, Signature{
			PublicKeyType: s.PublicKeyType,
			PublicKey:     s.PublicKey,
			Signature:     s.Signature,
			CertType:      s.CertType,
		})
	}
	id1, err := n.DeriveID1()
	if err != nil {
		return nil, err
	}
	n.ID1 = id1
	return n, nil
}

// UnpackNode is an alias of Decode kept for call sites that prefer that
// name; it does not duplicate logic.
func UnpackNode(data []byte) (*Node, error) { return Decode(data) }
