package trie

import (
	"bytes"
	"math/bits"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/cascoin/cascoin-l2/core/types"
)

// MaxProofSize caps the serialized size of a Merkle proof at 10 KiB so that
// proofs shipped inside fraud-proof submissions cannot be used as a DoS
// vector.
const MaxProofSize = 10 * 1024

// MerkleProof proves inclusion of a (key, value) pair or exclusion of a key
// against a tree root. Runs of default (empty-subtree) siblings are
// compressed away: DefaultBitmap has bit l set iff the sibling at level l is
// non-default, and Siblings holds exactly those hashes in leaf-to-root
// order. A proof over a tree with n populated keys therefore carries
// O(log n) sibling hashes, not one per key bit.
type MerkleProof struct {
	// IsInclusion is true for inclusion proofs, false for exclusion proofs.
	IsInclusion bool

	// Key is the 256-bit key this proof is for.
	Key types.Hash

	// Value is the value at Key (empty for exclusion proofs).
	Value []byte

	// LeafHash is the hash of the proven leaf (default leaf hash for
	// exclusion proofs).
	LeafHash types.Hash

	// DefaultBitmap marks which of the 256 levels carry a non-default
	// sibling. Bit l lives at byte l/8, bit l%8 (LSB first).
	DefaultBitmap [32]byte

	// Siblings are the non-default sibling hashes, ordered from the leaf
	// level up to the root.
	Siblings []types.Hash
}

func bitmapBit(bm *[32]byte, level int) bool {
	return bm[level/8]>>(uint(level)%8)&1 == 1
}

func setBitmapBit(bm *[32]byte, level int) {
	bm[level/8] |= 1 << (uint(level) % 8)
}

func bitmapCount(bm *[32]byte) int {
	n := 0
	for _, b := range bm {
		n += bits.OnesCount8(b)
	}
	return n
}

// GetSerializedSize returns the approximate byte size of the proof:
// flag + key + value + leaf hash + bitmap + siblings.
func (p *MerkleProof) GetSerializedSize() int {
	return 1 + 32 + len(p.Value) + 32 + 32 + len(p.Siblings)*32
}

// IsWithinSizeLimit reports whether the proof fits the MaxProofSize cap.
func (p *MerkleProof) IsWithinSizeLimit() bool {
	return p.GetSerializedSize() <= MaxProofSize
}

// Serialize encodes the proof with RLP.
func (p *MerkleProof) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// Deserialize decodes an RLP-encoded proof. Returns false on malformed
// input; the receiver is unchanged on failure.
func (p *MerkleProof) Deserialize(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var decoded MerkleProof
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return false
	}
	*p = decoded
	return true
}

// GenerateInclusionProof generates a proof for key. If the key is absent the
// returned proof is an exclusion proof instead.
func (t *SparseMerkleTree) GenerateInclusionProof(key types.Hash) *MerkleProof {
	return t.generateProof(key)
}

// GenerateExclusionProof generates a proof that key is absent. If the key
// exists the returned proof is an inclusion proof instead.
func (t *SparseMerkleTree) GenerateExclusionProof(key types.Hash) *MerkleProof {
	return t.generateProof(key)
}

func (t *SparseMerkleTree) generateProof(key types.Hash) *MerkleProof {
	proof := &MerkleProof{Key: key}

	if v, ok := t.leaves[key]; ok {
		proof.IsInclusion = true
		proof.Value = copyBytes(v)
		proof.LeafHash = hashLeaf(key, v)
	} else {
		proof.IsInclusion = false
		proof.LeafHash = defaultHashes[0]
	}

	// Walk root-to-leaf, partitioning the remaining leaves into the side we
	// descend into and the sibling side at each bit. The sibling subtree at
	// bit position b sits at level TreeDepth-1-b.
	others := make([]leafKV, 0, len(t.leaves))
	for k, v := range t.leaves {
		if k != key {
			others = append(others, leafKV{key: k, value: v})
		}
	}

	var siblings [TreeDepth]types.Hash
	for bitPos := 0; bitPos < TreeDepth; bitPos++ {
		level := TreeDepth - 1 - bitPos
		keyBit := getBit(key, bitPos)

		var same, sibling []leafKV
		for _, kv := range others {
			if getBit(kv.key, bitPos) == keyBit {
				same = append(same, kv)
			} else {
				sibling = append(sibling, kv)
			}
		}
		siblings[level] = computeSubtree(sibling, bitPos+1)
		others = same
	}

	for level := 0; level < TreeDepth; level++ {
		if siblings[level] != defaultHashes[level] {
			setBitmapBit(&proof.DefaultBitmap, level)
			proof.Siblings = append(proof.Siblings, siblings[level])
		}
	}
	return proof
}

// VerifyProof checks a Merkle proof against an expected root. It is a pure
// function: no tree instance is needed, so an L1 verifier can run it over a
// committed root. For inclusion proofs value must equal the proven value;
// for exclusion proofs value must be empty. Malformed proofs (bitmap and
// sibling list out of sync, wrong key, tampered siblings) return false.
func VerifyProof(proof *MerkleProof, root types.Hash, key types.Hash, value []byte) bool {
	if proof == nil {
		return false
	}
	if proof.Key != key {
		return false
	}
	if proof.IsInclusion && !bytes.Equal(proof.Value, value) {
		return false
	}
	if !proof.IsInclusion && len(value) != 0 {
		return false
	}
	if bitmapCount(&proof.DefaultBitmap) != len(proof.Siblings) {
		return false
	}

	var current types.Hash
	if proof.IsInclusion {
		current = hashLeaf(key, value)
	} else {
		current = defaultHashes[0]
	}
	if current != proof.LeafHash {
		return false
	}

	next := 0
	for level := 0; level < TreeDepth; level++ {
		sibling := defaultHashes[level]
		if bitmapBit(&proof.DefaultBitmap, level) {
			sibling = proof.Siblings[next]
			next++
		}
		if getBit(key, TreeDepth-1-level) == 1 {
			current = hashNodes(sibling, current)
		} else {
			current = hashNodes(current, sibling)
		}
	}
	return current == root
}
