package codec

import (
	"encoding/binary"

	"github.com/openodin/core/internal/nodecrypto"
)

// UniqueHash returns uniquehash = H(owner, id1, contentType, id2, parentId).
// It is the UNIQUE key enforced by the nodes table.
func (n *Node) UniqueHash() [32]byte {
	return nodecrypto.HashConcat(n.Owner, n.ID1[:], n.ContentType, n.ID2[:], n.ParentID[:])
}

// TransientHash hashes only the transient config, so that a re-store with
// preserveTransient can detect whether transient fields actually changed.
func (n *Node) TransientHash() [32]byte {
	var buf [9]byte
	if n.Transient.IsOnlineIDValidated {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:], uint64(n.Transient.StorageTime))
	return nodecrypto.Hash(buf[:])
}

// AchillesHashes returns the set of "achilles" hashes derived from this
// node. A node carrying no achilles-bearing cert has none; nodes with
// destroy-delegation certs derive one hash per cert (modelled here as one
// hash per signature whose CertType marks it as an achilles delegation).
func (n *Node) AchillesHashes() [][32]byte {
	var out [][32]byte
	for _, s := range n.Signatures {
		if s.CertType == CertTypeAchillesDelegation {
			out = append(out, nodecrypto.HashConcat(n.ID1[:], s.PublicKey))
		}
	}
	return out
}

// Cert types recorded in Signature.CertType.
const (
	CertTypeOwner uint8 = iota
	CertTypeAuth
	CertTypeFriend
	CertTypeChain
	CertTypeAchillesDelegation
)
