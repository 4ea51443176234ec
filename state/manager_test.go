package state

import (
	"fmt"
	"testing"

	"github.com/holiman/uint256"

	"github.com/cascoin/cascoin-l2/core/types"
)

func testAddr(i int) types.Address {
	return types.BytesToAddress([]byte(fmt.Sprintf("addr-%d", i)))
}

func fundedManager(t *testing.T, addr types.Address, balance uint64) *L2StateManager {
	t.Helper()
	m := NewL2StateManager(1)
	acct := NewAccountState()
	acct.Balance = uint256.NewInt(balance)
	m.SetAccountState(addr, acct)
	return m
}

func TestSetGetAccountState(t *testing.T) {
	m := NewL2StateManager(1)
	addr := testAddr(1)

	got := m.GetAccountState(addr)
	if !got.IsEmpty() {
		t.Fatal("absent account should read as empty")
	}

	acct := NewAccountState()
	acct.Balance = uint256.NewInt(500)
	acct.Nonce = 3
	acct.HatScore = 70
	m.SetAccountState(addr, acct)

	got = m.GetAccountState(addr)
	if !got.Equal(&acct) {
		t.Fatalf("round trip mismatch: %+v != %+v", got, acct)
	}
	if m.GetAccountCount() != 1 || !m.HasAccount(addr) {
		t.Fatal("account not materialized")
	}
}

func TestAccountPredicatesOnReturnedValue(t *testing.T) {
	m := NewL2StateManager(1)
	// Predicates are callable directly on the returned state.
	if !m.GetAccountState(testAddr(3)).IsEmpty() {
		t.Fatal("absent account should read as empty")
	}
	if m.GetAccountState(testAddr(3)).IsContract() {
		t.Fatal("absent account is not a contract")
	}
	if !m.GetAccountState(testAddr(3)).IsEOA() {
		t.Fatal("absent account should be an EOA")
	}
}

func TestEmptyAccountNotStored(t *testing.T) {
	m := NewL2StateManager(1)
	addr := testAddr(1)
	emptyRoot := m.GetStateRoot()

	m.SetAccountState(addr, NewAccountState())
	if m.GetAccountCount() != 0 {
		t.Fatal("empty account was materialized")
	}
	if m.GetStateRoot() != emptyRoot {
		t.Fatal("root changed by storing an empty account")
	}

	// Setting a populated account and zeroing it again removes the leaf.
	acct := NewAccountState()
	acct.Balance = uint256.NewInt(100)
	m.SetAccountState(addr, acct)
	m.SetAccountState(addr, NewAccountState())
	if m.GetAccountCount() != 0 || m.GetStateRoot() != emptyRoot {
		t.Fatal("zeroed account was not removed")
	}
}

func TestStateRootDeterminism(t *testing.T) {
	build := func(order []int) types.Hash {
		m := NewL2StateManager(1)
		for _, i := range order {
			acct := NewAccountState()
			acct.Balance = uint256.NewInt(uint64(i) * 100)
			m.SetAccountState(testAddr(i), acct)
		}
		return m.GetStateRoot()
	}
	if build([]int{1, 2, 3}) != build([]int{3, 1, 2}) {
		t.Fatal("state root depends on insertion order")
	}
}

func TestContractStorage(t *testing.T) {
	m := NewL2StateManager(1)
	contract := testAddr(9)
	slot := types.HexToHash("0x01")

	if !m.GetContractStorage(contract, slot).IsZero() {
		t.Fatal("unset slot should read zero")
	}

	m.SetContractStorage(contract, slot, uint256.NewInt(42))
	if got := m.GetContractStorage(contract, slot); !got.Eq(uint256.NewInt(42)) {
		t.Fatalf("slot = %s, want 42", got)
	}

	// The owning account tracks the storage root automatically.
	acct := m.GetAccountState(contract)
	if acct.StorageRoot.IsZero() {
		t.Fatal("storage root not set on owning account")
	}

	// Zeroing the slot deletes it and clears the storage root again.
	m.SetContractStorage(contract, slot, uint256.NewInt(0))
	if !m.GetContractStorage(contract, slot).IsZero() {
		t.Fatal("zeroed slot still set")
	}
	acct = m.GetAccountState(contract)
	if !acct.StorageRoot.IsZero() {
		t.Fatal("storage root not cleared after last slot removed")
	}
}

func TestSnapshotRevert(t *testing.T) {
	m := fundedManager(t, testAddr(1), 1000)
	m.SetContractStorage(testAddr(9), types.HexToHash("0x01"), uint256.NewInt(7))
	root := m.CreateSnapshot(10, 1700000000)

	// Mutate everything: balances, new accounts, storage.
	acct := m.GetAccountState(testAddr(1))
	acct.Balance = uint256.NewInt(1)
	m.SetAccountState(testAddr(1), acct)
	newAcct := NewAccountState()
	newAcct.Balance = uint256.NewInt(55)
	m.SetAccountState(testAddr(2), newAcct)
	m.SetContractStorage(testAddr(9), types.HexToHash("0x01"), uint256.NewInt(99))

	if m.GetStateRoot() == root {
		t.Fatal("mutations did not change the root")
	}
	if !m.RevertToStateRoot(root) {
		t.Fatal("revert to snapshotted root failed")
	}
	if m.GetStateRoot() != root {
		t.Fatal("root not restored exactly")
	}
	if got := m.GetAccountState(testAddr(1)); !got.Balance.Eq(uint256.NewInt(1000)) {
		t.Fatalf("balance not restored: %s", got.Balance)
	}
	if reverted := m.GetAccountState(testAddr(2)); !reverted.IsEmpty() {
		t.Fatal("post-snapshot account survived revert")
	}
	if got := m.GetContractStorage(testAddr(9), types.HexToHash("0x01")); !got.Eq(uint256.NewInt(7)) {
		t.Fatalf("storage not restored: %s", got)
	}
}

func TestRevertToUnknownRootFails(t *testing.T) {
	m := fundedManager(t, testAddr(1), 1000)
	root := m.GetStateRoot()

	if m.RevertToStateRoot(types.Hash{0xde, 0xad}) {
		t.Fatal("revert to unknown root succeeded")
	}
	if m.GetStateRoot() != root {
		t.Fatal("failed revert mutated state")
	}
}

func TestSnapshotFIFOPruning(t *testing.T) {
	m := NewL2StateManager(1)

	var roots []types.Hash
	for i := 0; i < MaxStateSnapshots+10; i++ {
		acct := NewAccountState()
		acct.Balance = uint256.NewInt(uint64(i + 1))
		m.SetAccountState(testAddr(i), acct)
		roots = append(roots, m.CreateSnapshot(uint64(i), uint64(i)))
	}

	if got := m.GetSnapshotCount(); got != MaxStateSnapshots {
		t.Fatalf("snapshot count %d, want %d", got, MaxStateSnapshots)
	}
	// The oldest snapshots were pruned, the newest survive.
	if m.RevertToStateRoot(roots[0]) {
		t.Fatal("pruned snapshot still revertable")
	}
	if !m.RevertToStateRoot(roots[len(roots)-1]) {
		t.Fatal("latest snapshot not revertable")
	}
}

func TestAccountProofRoundTrip(t *testing.T) {
	m := fundedManager(t, testAddr(1), 777)
	root := m.GetStateRoot()
	acct := m.GetAccountState(testAddr(1))

	proof := m.GenerateAccountProof(testAddr(1))
	if !VerifyAccountProof(proof, root, testAddr(1), acct) {
		t.Fatal("account proof did not verify")
	}

	// Wrong state fails.
	wrong := acct.Copy()
	wrong.Balance = uint256.NewInt(778)
	if VerifyAccountProof(proof, root, testAddr(1), wrong) {
		t.Fatal("proof verified for wrong state")
	}

	// Absent account verifies as exclusion with the empty state.
	absent := m.GenerateAccountProof(testAddr(2))
	if !VerifyAccountProof(absent, root, testAddr(2), NewAccountState()) {
		t.Fatal("exclusion proof for absent account did not verify")
	}
}

func TestExecuteTransfer(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	m := fundedManager(t, alice, 100)

	res := m.ExecuteTransfer(alice, bob, uint256.NewInt(30), 5)
	if !res.Success {
		t.Fatalf("transfer failed: %s", res.Err)
	}
	if res.NewStateRoot != m.GetStateRoot() {
		t.Fatal("result root stale")
	}

	a := m.GetAccountState(alice)
	b := m.GetAccountState(bob)
	if !a.Balance.Eq(uint256.NewInt(70)) || !b.Balance.Eq(uint256.NewInt(30)) {
		t.Fatalf("balances after transfer: %s / %s", a.Balance, b.Balance)
	}
	if a.Nonce != 1 || a.LastActivity != 5 || b.LastActivity != 5 {
		t.Fatal("nonce/activity not updated")
	}
}

func TestExecuteTransferInsufficientBalance(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	m := fundedManager(t, alice, 100)
	root := m.GetStateRoot()

	res := m.ExecuteTransfer(alice, bob, uint256.NewInt(101), 5)
	if res.Success {
		t.Fatal("overdraft succeeded")
	}
	if m.GetStateRoot() != root {
		t.Fatal("failed transfer mutated state")
	}
	if got := m.GetAccountState(alice); got.Nonce != 0 {
		t.Fatal("failed transfer bumped the nonce")
	}
}

func TestApplyTransactionNonce(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	m := fundedManager(t, alice, 100)

	bad := NewTransaction(alice, bob, uint256.NewInt(10), 5)
	if res := m.ApplyTransaction(bad, 1); res.Success {
		t.Fatal("wrong nonce accepted")
	}

	good := NewTransaction(alice, bob, uint256.NewInt(10), 0)
	res := m.ApplyTransaction(good, 1)
	if !res.Success {
		t.Fatalf("transaction failed: %s", res.Err)
	}
	if res.GasUsed != TxBaseGas {
		t.Fatalf("gas %d, want %d", res.GasUsed, TxBaseGas)
	}

	// Replaying the same nonce fails.
	if res := m.ApplyTransaction(good, 2); res.Success {
		t.Fatal("nonce replay accepted")
	}
}

func TestApplyBatchAtomicity(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	m := fundedManager(t, alice, 100)
	preRoot := m.GetStateRoot()

	txs := []*Transaction{
		NewTransaction(alice, bob, uint256.NewInt(10), 0),
		NewTransaction(alice, bob, uint256.NewInt(500), 1), // overdraft
	}
	res := m.ApplyBatch(txs, 7)
	if res.Success {
		t.Fatal("batch with failing transaction succeeded")
	}
	if res.NewStateRoot != preRoot || m.GetStateRoot() != preRoot {
		t.Fatal("failed batch left partial state")
	}
	if got := m.GetAccountState(alice); !got.Balance.Eq(uint256.NewInt(100)) {
		t.Fatalf("balance mutated by failed batch: %s", got.Balance)
	}
}

func TestApplyBatchSuccess(t *testing.T) {
	alice, bob := testAddr(1), testAddr(2)
	m := fundedManager(t, alice, 100)

	txs := []*Transaction{
		NewTransaction(alice, bob, uint256.NewInt(10), 0),
		NewTransaction(alice, bob, uint256.NewInt(20), 1),
	}
	res := m.ApplyBatch(txs, 7)
	if !res.Success {
		t.Fatalf("batch failed: %s", res.Err)
	}
	if res.GasUsed != 2*TxBaseGas {
		t.Fatalf("gas %d, want %d", res.GasUsed, 2*TxBaseGas)
	}
	if got := m.GetAccountState(bob); !got.Balance.Eq(uint256.NewInt(30)) {
		t.Fatalf("recipient balance %s, want 30", got.Balance)
	}
}

func TestApplyBatchSizeLimit(t *testing.T) {
	m := NewL2StateManager(1)
	txs := make([]*Transaction, MaxBatchSize+1)
	for i := range txs {
		txs[i] = NewTransaction(testAddr(1), testAddr(2), uint256.NewInt(0), uint64(i))
	}
	if res := m.ApplyBatch(txs, 1); res.Success {
		t.Fatal("oversized batch accepted")
	}
}

func TestArchiveAndRestore(t *testing.T) {
	m := NewL2StateManager(1)

	stale := NewAccountState()
	stale.Balance = uint256.NewInt(100)
	stale.LastActivity = 10
	m.SetAccountState(testAddr(1), stale)

	fresh := NewAccountState()
	fresh.Balance = uint256.NewInt(200)
	fresh.LastActivity = 990
	m.SetAccountState(testAddr(2), fresh)

	archived := m.ArchiveInactiveState(1000, 100)
	if archived != 1 {
		t.Fatalf("archived %d accounts, want 1", archived)
	}
	if !m.IsArchived(testAddr(1)) || m.IsArchived(testAddr(2)) {
		t.Fatal("wrong account archived")
	}
	if evicted := m.GetAccountState(testAddr(1)); !evicted.IsEmpty() {
		t.Fatal("archived account still materialized")
	}
	if m.GetArchivedCount() != 1 {
		t.Fatalf("archived count %d, want 1", m.GetArchivedCount())
	}

	rec, ok := m.GetArchivedState(testAddr(1))
	if !ok || !rec.State.Balance.Eq(uint256.NewInt(100)) {
		t.Fatal("archived record missing or wrong")
	}

	if !m.RestoreArchivedState(testAddr(1)) {
		t.Fatal("restore failed")
	}
	if m.IsArchived(testAddr(1)) {
		t.Fatal("account still archived after restore")
	}
	if got := m.GetAccountState(testAddr(1)); !got.Balance.Eq(uint256.NewInt(100)) {
		t.Fatalf("restored balance %s, want 100", got.Balance)
	}
}

func TestRestoreUnknownFails(t *testing.T) {
	m := NewL2StateManager(1)
	if m.RestoreArchivedState(testAddr(1)) {
		t.Fatal("restore of never-archived account succeeded")
	}
}

func TestClearResetsEverything(t *testing.T) {
	m := fundedManager(t, testAddr(1), 100)
	m.CreateSnapshot(1, 1)
	m.SetContractStorage(testAddr(9), types.HexToHash("0x01"), uint256.NewInt(1))
	m.Clear()

	if !m.IsEmpty() || m.GetSnapshotCount() != 0 || m.GetArchivedCount() != 0 {
		t.Fatal("clear left residual state")
	}
	if !m.GetContractStorage(testAddr(9), types.HexToHash("0x01")).IsZero() {
		t.Fatal("clear left contract storage")
	}
}
