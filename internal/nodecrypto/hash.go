package nodecrypto

import (
	"golang.org/x/crypto/blake2b"
)

// HashSize is the width of every content hash used by the node codec and
// node driver: id1, uniquehash, transienthash, achilles hashes and blob
// hashes are all this width.
const HashSize = 32

// Hash returns the BLAKE2b-256 digest of data. BLAKE2b is used in place of
// SHA-256 as the content-hashing primitive throughout the node data model.
func Hash(data []byte) [HashSize]byte {
	return blake2b.Sum256(data)
}

// HashConcat hashes the concatenation of parts without an intermediate
// allocation per part, used for composite hashes such as
// uniquehash = H(owner, id, contentType, ...) and dataid = H(nodeId1, sourcePublicKey).
func HashConcat(parts ...[]byte) [HashSize]byte {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write(p)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}
