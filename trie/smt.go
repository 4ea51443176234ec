package trie

import (
	"github.com/cascoin/cascoin-l2/core/types"
	"github.com/cascoin/cascoin-l2/crypto"
)

// Sparse Merkle tree over the full 256-bit keyspace. Conceptually every one
// of the 2^256 leaves exists and holds the empty value; only non-empty
// entries are materialized, and empty subtrees are represented by a
// precomputed per-depth default hash. Keys are 32-byte values; path
// traversal walks bits MSB-first (bit 0 = left, bit 1 = right).

// TreeDepth is the number of levels below the root (one per key bit).
const TreeDepth = 256

// Domain prefixes keep leaf and internal hashes in disjoint ranges.
const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

// defaultHashes[d] is the hash of an all-empty subtree of height d.
// defaultHashes[TreeDepth] is the root of an empty tree.
var defaultHashes [TreeDepth + 1]types.Hash

func init() {
	defaultHashes[0] = hashLeaf(types.Hash{}, nil)
	for d := 1; d <= TreeDepth; d++ {
		defaultHashes[d] = hashNodes(defaultHashes[d-1], defaultHashes[d-1])
	}
}

// DefaultHash returns the hash of an empty subtree of the given height.
// Heights above TreeDepth are clamped.
func DefaultHash(depth int) types.Hash {
	if depth < 0 {
		depth = 0
	}
	if depth > TreeDepth {
		depth = TreeDepth
	}
	return defaultHashes[depth]
}

// hashLeaf computes keccak256(0x00 || key || value).
func hashLeaf(key types.Hash, value []byte) types.Hash {
	buf := make([]byte, 1+types.HashLength+len(value))
	buf[0] = leafPrefix
	copy(buf[1:33], key[:])
	copy(buf[33:], value)
	return crypto.Keccak256Hash(buf)
}

// hashNodes computes keccak256(0x01 || left || right).
func hashNodes(left, right types.Hash) types.Hash {
	buf := make([]byte, 1+2*types.HashLength)
	buf[0] = nodePrefix
	copy(buf[1:33], left[:])
	copy(buf[33:65], right[:])
	return crypto.Keccak256Hash(buf)
}

// getBit returns the bit at position pos in a 32-byte key (MSB first).
// pos 0 is the most significant bit of byte 0.
func getBit(h types.Hash, pos int) byte {
	if pos < 0 || pos >= TreeDepth {
		return 0
	}
	return (h[pos/8] >> uint(7-pos%8)) & 1
}

// leafKV pairs a materialized key with its value during subtree hashing.
type leafKV struct {
	key   types.Hash
	value []byte
}

// SparseMerkleTree is an authenticated key-value map over 256-bit keys.
// It is not safe for concurrent use; callers serialize access.
type SparseMerkleTree struct {
	leaves map[types.Hash][]byte

	// Root cache, invalidated on every mutation.
	cachedRoot types.Hash
	rootValid  bool
}

// NewSparseMerkleTree creates an empty tree.
func NewSparseMerkleTree() *SparseMerkleTree {
	return &SparseMerkleTree{
		leaves: make(map[types.Hash][]byte),
	}
}

// Get returns the value stored at key, or nil if the key is absent.
func (t *SparseMerkleTree) Get(key types.Hash) []byte {
	v, ok := t.leaves[key]
	if !ok {
		return nil
	}
	return copyBytes(v)
}

// Set stores value at key. An empty value is a logical delete.
func (t *SparseMerkleTree) Set(key types.Hash, value []byte) {
	if len(value) == 0 {
		t.Delete(key)
		return
	}
	t.leaves[key] = copyBytes(value)
	t.rootValid = false
}

// Delete removes key from the tree. Returns false if the key was absent.
func (t *SparseMerkleTree) Delete(key types.Hash) bool {
	if _, ok := t.leaves[key]; !ok {
		return false
	}
	delete(t.leaves, key)
	t.rootValid = false
	return true
}

// Exists reports whether key holds a non-empty value.
func (t *SparseMerkleTree) Exists(key types.Hash) bool {
	_, ok := t.leaves[key]
	return ok
}

// Size returns the number of non-empty leaves.
func (t *SparseMerkleTree) Size() int {
	return len(t.leaves)
}

// Empty reports whether no keys are stored.
func (t *SparseMerkleTree) Empty() bool {
	return len(t.leaves) == 0
}

// Clear removes all entries.
func (t *SparseMerkleTree) Clear() {
	t.leaves = make(map[types.Hash][]byte)
	t.rootValid = false
}

// Copy returns a deep copy of the tree, including the root cache.
func (t *SparseMerkleTree) Copy() *SparseMerkleTree {
	c := &SparseMerkleTree{
		leaves:     make(map[types.Hash][]byte, len(t.leaves)),
		cachedRoot: t.cachedRoot,
		rootValid:  t.rootValid,
	}
	for k, v := range t.leaves {
		c.leaves[k] = copyBytes(v)
	}
	return c
}

// GetRoot returns the Merkle root. The root is a pure function of the set of
// non-empty (key, value) pairs; an empty tree returns the fixed empty-tree
// constant DefaultHash(TreeDepth).
func (t *SparseMerkleTree) GetRoot() types.Hash {
	if t.rootValid {
		return t.cachedRoot
	}
	t.cachedRoot = t.computeRoot()
	t.rootValid = true
	return t.cachedRoot
}

func (t *SparseMerkleTree) computeRoot() types.Hash {
	if len(t.leaves) == 0 {
		return defaultHashes[TreeDepth]
	}
	kvs := make([]leafKV, 0, len(t.leaves))
	for k, v := range t.leaves {
		kvs = append(kvs, leafKV{key: k, value: v})
	}
	return computeSubtree(kvs, 0)
}

// computeSubtree hashes the subtree whose leaves are kvs, rooted above bit
// position bitPos. All kvs share their first bitPos key bits. The subtree
// height is TreeDepth - bitPos.
func computeSubtree(kvs []leafKV, bitPos int) types.Hash {
	depth := TreeDepth - bitPos
	if len(kvs) == 0 {
		return defaultHashes[depth]
	}
	if len(kvs) == 1 {
		return foldLeaf(kvs[0], depth)
	}

	// Two distinct 256-bit keys always diverge before the leaf level, so
	// depth > 0 here.
	var left, right []leafKV
	for _, kv := range kvs {
		if getBit(kv.key, bitPos) == 0 {
			left = append(left, kv)
		} else {
			right = append(right, kv)
		}
	}
	return hashNodes(computeSubtree(left, bitPos+1), computeSubtree(right, bitPos+1))
}

// foldLeaf hashes a single leaf up through depth levels of default siblings.
// Level l combines at key bit position TreeDepth-1-l.
func foldLeaf(kv leafKV, depth int) types.Hash {
	h := hashLeaf(kv.key, kv.value)
	for level := 0; level < depth; level++ {
		if getBit(kv.key, TreeDepth-1-level) == 1 {
			h = hashNodes(defaultHashes[level], h)
		} else {
			h = hashNodes(h, defaultHashes[level])
		}
	}
	return h
}

func copyBytes(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
