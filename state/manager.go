package state

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/cascoin/cascoin-l2/core/types"
	"github.com/cascoin/cascoin-l2/log"
	"github.com/cascoin/cascoin-l2/trie"
)

const (
	// MaxStateSnapshots bounds the snapshot history; the oldest snapshot is
	// pruned first.
	MaxStateSnapshots = 100

	// MaxBatchSize bounds the number of transactions in a single batch.
	MaxBatchSize = 1000
)

// Snapshot is a point-in-time copy of the full L2 state, keyed by its root.
type Snapshot struct {
	// BlockNumber is the L2 block the snapshot was taken at.
	BlockNumber uint64

	// Timestamp is the unix time the snapshot was taken at.
	Timestamp uint64

	// StateRoot is the account tree root at snapshot time.
	StateRoot types.Hash

	accounts    map[types.Address]AccountState
	accountTree *trie.SparseMerkleTree
	storage     map[types.Address]*trie.SparseMerkleTree
}

// L2StateManager owns the account tree and the per-contract storage trees,
// and is the source of truth that fraud-proof verification replays against.
// It is not safe for concurrent use; callers serialize access.
type L2StateManager struct {
	chainID uint64

	accountTree  *trie.SparseMerkleTree
	accounts     map[types.Address]AccountState
	storageTrees map[types.Address]*trie.SparseMerkleTree

	snapshots     map[types.Hash]*Snapshot
	snapshotOrder []types.Hash

	archived map[types.Address]ArchivedAccountState

	lgr *log.Logger
}

// NewL2StateManager creates an empty state manager for the given L2 chain.
func NewL2StateManager(chainID uint64) *L2StateManager {
	return &L2StateManager{
		chainID:      chainID,
		accountTree:  trie.NewSparseMerkleTree(),
		accounts:     make(map[types.Address]AccountState),
		storageTrees: make(map[types.Address]*trie.SparseMerkleTree),
		snapshots:    make(map[types.Hash]*Snapshot),
		archived:     make(map[types.Address]ArchivedAccountState),
		lgr:          log.Default().Module("state"),
	}
}

// ChainID returns the L2 chain id this manager serves.
func (m *L2StateManager) ChainID() uint64 {
	return m.chainID
}

// SetAccountState writes an account into the tree. An empty state deletes
// the entry instead, so absent and empty accounts are indistinguishable.
func (m *L2StateManager) SetAccountState(addr types.Address, acct AccountState) {
	key := types.AddressKey(addr)
	if acct.IsEmpty() {
		m.accountTree.Delete(key)
		delete(m.accounts, addr)
		return
	}
	enc, err := acct.Serialize()
	if err != nil {
		m.lgr.Error("account serialization failed", "addr", addr.Hex(), "err", err)
		return
	}
	m.accountTree.Set(key, enc)
	m.accounts[addr] = acct.Copy()
}

// GetAccountState returns the account at addr, or an empty state if absent.
func (m *L2StateManager) GetAccountState(addr types.Address) AccountState {
	if acct, ok := m.accounts[addr]; ok {
		return acct.Copy()
	}
	return NewAccountState()
}

// HasAccount reports whether addr has a materialized (non-empty) state.
func (m *L2StateManager) HasAccount(addr types.Address) bool {
	_, ok := m.accounts[addr]
	return ok
}

// GetStateRoot returns the current account tree root.
func (m *L2StateManager) GetStateRoot() types.Hash {
	return m.accountTree.GetRoot()
}

// GetAccountCount returns the number of materialized accounts.
func (m *L2StateManager) GetAccountCount() int {
	return m.accountTree.Size()
}

// IsEmpty reports whether no accounts are materialized.
func (m *L2StateManager) IsEmpty() bool {
	return m.accountTree.Empty()
}

// Clear resets accounts, contract storage, snapshots and archives.
func (m *L2StateManager) Clear() {
	m.accountTree.Clear()
	m.accounts = make(map[types.Address]AccountState)
	m.storageTrees = make(map[types.Address]*trie.SparseMerkleTree)
	m.snapshots = make(map[types.Hash]*Snapshot)
	m.snapshotOrder = nil
	m.archived = make(map[types.Address]ArchivedAccountState)
	m.lgr.Info("state cleared", "chainID", m.chainID)
}

// SetContractStorage writes a storage slot of a contract. A zero (or nil)
// value deletes the slot. The owning account's StorageRoot is kept in sync;
// a contract whose storage empties gets a zero StorageRoot again.
func (m *L2StateManager) SetContractStorage(contract types.Address, key types.Hash, value *uint256.Int) {
	st := m.storageTrees[contract]
	if value == nil || value.IsZero() {
		if st == nil {
			return
		}
		st.Delete(key)
		if st.Empty() {
			delete(m.storageTrees, contract)
		}
	} else {
		if st == nil {
			st = trie.NewSparseMerkleTree()
			m.storageTrees[contract] = st
		}
		b := value.Bytes32()
		st.Set(key, b[:])
	}
	m.updateStorageRoot(contract)
}

// GetContractStorage returns the value of a storage slot, or zero if unset.
func (m *L2StateManager) GetContractStorage(contract types.Address, key types.Hash) *uint256.Int {
	st, ok := m.storageTrees[contract]
	if !ok {
		return uint256.NewInt(0)
	}
	raw := st.Get(key)
	if raw == nil {
		return uint256.NewInt(0)
	}
	return new(uint256.Int).SetBytes(raw)
}

func (m *L2StateManager) updateStorageRoot(contract types.Address) {
	acct := m.GetAccountState(contract)
	if st, ok := m.storageTrees[contract]; ok && !st.Empty() {
		acct.StorageRoot = st.GetRoot()
	} else {
		acct.StorageRoot = types.Hash{}
	}
	m.SetAccountState(contract, acct)
}

// CreateSnapshot records the full current state keyed by its root and
// returns that root. The history is pruned FIFO at MaxStateSnapshots.
func (m *L2StateManager) CreateSnapshot(blockNumber, timestamp uint64) types.Hash {
	root := m.GetStateRoot()
	snap := &Snapshot{
		BlockNumber: blockNumber,
		Timestamp:   timestamp,
		StateRoot:   root,
		accounts:    m.copyAccounts(),
		accountTree: m.accountTree.Copy(),
		storage:     m.copyStorageTrees(),
	}
	if _, exists := m.snapshots[root]; !exists {
		m.snapshotOrder = append(m.snapshotOrder, root)
	}
	m.snapshots[root] = snap

	for len(m.snapshotOrder) > MaxStateSnapshots {
		oldest := m.snapshotOrder[0]
		m.snapshotOrder = m.snapshotOrder[1:]
		delete(m.snapshots, oldest)
	}
	m.lgr.Debug("snapshot created", "root", root.Hex(), "block", blockNumber)
	return root
}

// RevertToStateRoot restores the state recorded for root. Returns false
// without mutating anything when the root was never snapshotted.
func (m *L2StateManager) RevertToStateRoot(root types.Hash) bool {
	snap, ok := m.snapshots[root]
	if !ok {
		m.lgr.Warn("revert to unknown state root", "root", root.Hex())
		return false
	}
	m.accountTree = snap.accountTree.Copy()
	m.accounts = make(map[types.Address]AccountState, len(snap.accounts))
	for addr, acct := range snap.accounts {
		m.accounts[addr] = acct.Copy()
	}
	m.storageTrees = make(map[types.Address]*trie.SparseMerkleTree, len(snap.storage))
	for addr, st := range snap.storage {
		m.storageTrees[addr] = st.Copy()
	}
	m.lgr.Info("state reverted", "root", root.Hex(), "block", snap.BlockNumber)
	return true
}

// GetSnapshotCount returns the number of retained snapshots.
func (m *L2StateManager) GetSnapshotCount() int {
	return len(m.snapshots)
}

// GetSnapshot returns the snapshot metadata recorded for root.
func (m *L2StateManager) GetSnapshot(root types.Hash) (Snapshot, bool) {
	snap, ok := m.snapshots[root]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		BlockNumber: snap.BlockNumber,
		Timestamp:   snap.Timestamp,
		StateRoot:   snap.StateRoot,
	}, true
}

func (m *L2StateManager) copyAccounts() map[types.Address]AccountState {
	c := make(map[types.Address]AccountState, len(m.accounts))
	for addr, acct := range m.accounts {
		c[addr] = acct.Copy()
	}
	return c
}

func (m *L2StateManager) copyStorageTrees() map[types.Address]*trie.SparseMerkleTree {
	c := make(map[types.Address]*trie.SparseMerkleTree, len(m.storageTrees))
	for addr, st := range m.storageTrees {
		c[addr] = st.Copy()
	}
	return c
}

// GenerateAccountProof proves the state of addr against the current root.
// Absent accounts yield an exclusion proof.
func (m *L2StateManager) GenerateAccountProof(addr types.Address) *trie.MerkleProof {
	return m.accountTree.GenerateInclusionProof(types.AddressKey(addr))
}

// VerifyAccountProof checks an account proof against an independently
// committed root. Empty states verify as exclusion proofs.
func VerifyAccountProof(proof *trie.MerkleProof, root types.Hash, addr types.Address, acct AccountState) bool {
	key := types.AddressKey(addr)
	if acct.IsEmpty() {
		return trie.VerifyProof(proof, root, key, nil)
	}
	enc, err := acct.Serialize()
	if err != nil {
		return false
	}
	return trie.VerifyProof(proof, root, key, enc)
}

// ExecuteTransfer moves amount from one account to another, bumping the
// sender nonce and both activity markers. Fails without mutation when the
// sender balance is insufficient.
func (m *L2StateManager) ExecuteTransfer(from, to types.Address, amount *uint256.Int, blockNumber uint64) ExecutionResult {
	if amount == nil {
		amount = uint256.NewInt(0)
	}
	sender := m.GetAccountState(from)
	if sender.Balance.Lt(amount) {
		return failedExecution("insufficient balance", m.GetStateRoot())
	}

	sender.Nonce++
	sender.LastActivity = blockNumber
	if from == to {
		m.SetAccountState(from, sender)
	} else {
		sender.Balance.Sub(sender.Balance, amount)
		recipient := m.GetAccountState(to)
		recipient.Balance.Add(recipient.Balance, amount)
		recipient.LastActivity = blockNumber
		m.SetAccountState(from, sender)
		m.SetAccountState(to, recipient)
	}
	return ExecutionResult{
		Success:      true,
		GasUsed:      TxBaseGas,
		NewStateRoot: m.GetStateRoot(),
	}
}

// ApplyTransaction validates the sender nonce and executes the transfer.
func (m *L2StateManager) ApplyTransaction(tx *Transaction, blockNumber uint64) ExecutionResult {
	if tx == nil {
		return failedExecution("nil transaction", m.GetStateRoot())
	}
	sender := m.GetAccountState(tx.From)
	if tx.Nonce != sender.Nonce {
		return failedExecution(
			fmt.Sprintf("nonce mismatch: have %d, want %d", tx.Nonce, sender.Nonce),
			m.GetStateRoot(),
		)
	}
	res := m.ExecuteTransfer(tx.From, tx.To, tx.Amount, blockNumber)
	if res.Success {
		res.GasUsed = tx.GasUsed()
	}
	return res
}

// ApplyBatch executes transactions in order. If any transaction fails the
// whole batch is rolled back and the pre-batch root is returned.
func (m *L2StateManager) ApplyBatch(txs []*Transaction, blockNumber uint64) ExecutionResult {
	preRoot := m.GetStateRoot()
	if len(txs) > MaxBatchSize {
		return failedExecution("batch too large", preRoot)
	}

	preAccounts := m.copyAccounts()
	preTree := m.accountTree.Copy()
	preStorage := m.copyStorageTrees()

	var gasUsed uint64
	for i, tx := range txs {
		res := m.ApplyTransaction(tx, blockNumber)
		if !res.Success {
			m.accounts = preAccounts
			m.accountTree = preTree
			m.storageTrees = preStorage
			m.lgr.Warn("batch rolled back", "index", i, "reason", res.Err)
			return failedExecution(fmt.Sprintf("transaction %d: %s", i, res.Err), preRoot)
		}
		gasUsed += res.GasUsed
	}
	return ExecutionResult{
		Success:      true,
		GasUsed:      gasUsed,
		NewStateRoot: m.GetStateRoot(),
	}
}

// ArchiveInactiveState evicts accounts whose LastActivity is at least
// inactivityThreshold blocks behind currentBlock. Each archived record keeps
// an inclusion proof against the pre-archive root so the account can be
// restored later. Returns the number of accounts archived.
func (m *L2StateManager) ArchiveInactiveState(currentBlock, inactivityThreshold uint64) int {
	root := m.GetStateRoot()

	var candidates []types.Address
	for addr, acct := range m.accounts {
		if acct.LastActivity+inactivityThreshold <= currentBlock {
			candidates = append(candidates, addr)
		}
	}

	archivedCount := 0
	for _, addr := range candidates {
		acct := m.accounts[addr]
		proof := m.accountTree.GenerateInclusionProof(types.AddressKey(addr))
		enc, err := proof.Serialize()
		if err != nil {
			continue
		}
		m.archived[addr] = ArchivedAccountState{
			State:            acct.Copy(),
			ArchivedAtBlock:  currentBlock,
			ArchiveProof:     enc,
			ArchiveStateRoot: root,
		}
		archivedCount++
	}
	// Deleting shifts the root, so proofs are generated first.
	for _, addr := range candidates {
		if _, ok := m.archived[addr]; ok {
			m.accountTree.Delete(types.AddressKey(addr))
			delete(m.accounts, addr)
		}
	}
	if archivedCount > 0 {
		m.lgr.Info("archived inactive accounts", "count", archivedCount, "block", currentBlock)
	}
	return archivedCount
}

// RestoreArchivedState re-materializes an archived account after checking
// its archive-time proof. Returns false when addr was never archived or the
// stored proof no longer verifies.
func (m *L2StateManager) RestoreArchivedState(addr types.Address) bool {
	rec, ok := m.archived[addr]
	if !ok {
		return false
	}
	var proof trie.MerkleProof
	if !proof.Deserialize(rec.ArchiveProof) {
		return false
	}
	enc, err := rec.State.Serialize()
	if err != nil {
		return false
	}
	if !trie.VerifyProof(&proof, rec.ArchiveStateRoot, types.AddressKey(addr), enc) {
		return false
	}
	m.SetAccountState(addr, rec.State)
	delete(m.archived, addr)
	m.lgr.Info("archived account restored", "addr", addr.Hex())
	return true
}

// GetArchivedState returns the archived record for addr, if any.
func (m *L2StateManager) GetArchivedState(addr types.Address) (ArchivedAccountState, bool) {
	rec, ok := m.archived[addr]
	return rec, ok
}

// IsArchived reports whether addr is currently archived.
func (m *L2StateManager) IsArchived(addr types.Address) bool {
	_, ok := m.archived[addr]
	return ok
}

// GetArchivedCount returns the number of archived accounts.
func (m *L2StateManager) GetArchivedCount() int {
	return len(m.archived)
}
