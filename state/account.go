// Package state implements the L2 account state model and the state manager
// that commits it to a sparse Merkle tree.
package state

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/cascoin/cascoin-l2/core/types"
	"github.com/cascoin/cascoin-l2/crypto"
)

// MaxHatScore is the upper bound of the HAT v2 reputation score.
const MaxHatScore = 100

// AccountState is the per-address value stored in the account tree.
// An account with every field at its zero value is never materialized as a
// tree leaf: absence and emptiness are the same thing.
type AccountState struct {
	// Balance is the amount of CAS held on L2, in satoshis.
	Balance *uint256.Int

	// Nonce counts transactions sent from the account, for replay protection.
	Nonce uint64

	// CodeHash is the hash of contract code (zero for externally owned accounts).
	CodeHash types.Hash

	// StorageRoot is the root of the contract storage tree (zero when the
	// account has no storage).
	StorageRoot types.Hash

	// HatScore is the cached HAT v2 reputation score, 0-100.
	HatScore uint32

	// LastActivity is the block number of the account's last transaction.
	LastActivity uint64
}

// NewAccountState returns an empty account state with an allocated balance.
func NewAccountState() AccountState {
	return AccountState{Balance: uint256.NewInt(0)}
}

// IsEmpty reports whether every field holds its zero value. Empty states are
// deleted from the tree rather than stored.
func (s AccountState) IsEmpty() bool {
	return (s.Balance == nil || s.Balance.IsZero()) &&
		s.Nonce == 0 &&
		s.CodeHash.IsZero() &&
		s.StorageRoot.IsZero() &&
		s.HatScore == 0 &&
		s.LastActivity == 0
}

// IsContract reports whether the account has contract code.
func (s AccountState) IsContract() bool {
	return !s.CodeHash.IsZero()
}

// IsEOA reports whether the account is externally owned.
func (s AccountState) IsEOA() bool {
	return s.CodeHash.IsZero()
}

// Serialize encodes the state with RLP for storage in the account tree.
func (s *AccountState) Serialize() ([]byte, error) {
	enc := *s
	if enc.Balance == nil {
		enc.Balance = uint256.NewInt(0)
	}
	return rlp.EncodeToBytes(&enc)
}

// Deserialize decodes an RLP-encoded account state. Empty input yields the
// empty state. Returns false on malformed input; the receiver is unchanged
// on failure.
func (s *AccountState) Deserialize(data []byte) bool {
	if len(data) == 0 {
		*s = NewAccountState()
		return true
	}
	var decoded AccountState
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return false
	}
	if decoded.Balance == nil {
		decoded.Balance = uint256.NewInt(0)
	}
	*s = decoded
	return true
}

// Hash returns the keccak256 hash of the serialized state.
func (s *AccountState) Hash() types.Hash {
	enc, err := s.Serialize()
	if err != nil {
		return types.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// Equal compares all fields.
func (s *AccountState) Equal(other *AccountState) bool {
	if other == nil {
		return false
	}
	sb, ob := s.Balance, other.Balance
	if sb == nil {
		sb = uint256.NewInt(0)
	}
	if ob == nil {
		ob = uint256.NewInt(0)
	}
	return sb.Eq(ob) &&
		s.Nonce == other.Nonce &&
		s.CodeHash == other.CodeHash &&
		s.StorageRoot == other.StorageRoot &&
		s.HatScore == other.HatScore &&
		s.LastActivity == other.LastActivity
}

// Copy returns a deep copy of the state.
func (s *AccountState) Copy() AccountState {
	c := *s
	if s.Balance != nil {
		c.Balance = new(uint256.Int).Set(s.Balance)
	} else {
		c.Balance = uint256.NewInt(0)
	}
	return c
}

// ArchivedAccountState holds an account evicted from the active tree after
// prolonged inactivity, together with the proof needed to restore it.
type ArchivedAccountState struct {
	// State is the account state at archive time.
	State AccountState

	// ArchivedAtBlock is the block number when the account was archived.
	ArchivedAtBlock uint64

	// ArchiveProof is the serialized inclusion proof of the state against
	// ArchiveStateRoot.
	ArchiveProof []byte

	// ArchiveStateRoot is the state root at archive time.
	ArchiveStateRoot types.Hash
}
