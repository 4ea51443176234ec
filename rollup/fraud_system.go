package rollup

import (
	"github.com/cascoin/cascoin-l2/core/types"
	"github.com/cascoin/cascoin-l2/crypto"
	"github.com/cascoin/cascoin-l2/log"
	"github.com/cascoin/cascoin-l2/state"
)

// TxExecutorFunc replays one transaction on top of preStateRoot and returns
// the resulting root and gas used. Injecting it keeps the dispute layer
// decoupled from any particular execution engine.
type TxExecutorFunc func(preStateRoot types.Hash, tx *state.Transaction) (types.Hash, uint64, error)

// ComputeStateTransition is the default executor: a deterministic
// commitment chain over transaction hashes. It lets both sides of a dispute
// recompute the same roots without a full state machine.
func ComputeStateTransition(preStateRoot types.Hash, tx *state.Transaction) (types.Hash, uint64, error) {
	if tx == nil {
		return preStateRoot, 0, nil
	}
	txHash := tx.Hash()
	post := crypto.Keccak256Hash(preStateRoot.Bytes(), txHash.Bytes())
	return post, tx.GasUsed(), nil
}

// NewStateExecutor returns an executor backed by a live state manager: each
// transaction is applied for real and the manager's root is returned. The
// manager must already hold the pre-state matching preStateRoot.
func NewStateExecutor(m *state.L2StateManager, blockNumber uint64) TxExecutorFunc {
	return func(preStateRoot types.Hash, tx *state.Transaction) (types.Hash, uint64, error) {
		res := m.ApplyTransaction(tx, blockNumber)
		if !res.Success {
			// A rejected transaction leaves the root unchanged, which is
			// itself a valid transition outcome.
			return res.NewStateRoot, 0, nil
		}
		return res.NewStateRoot, res.GasUsed, nil
	}
}

// FraudProofSystem tracks committed state roots through their challenge
// windows, admits fraud proofs, runs interactive bisection sessions, and
// settles slashing. It never mutates account state itself.
// It is not safe for concurrent use; callers serialize access.
type FraudProofSystem struct {
	chainID  uint64
	executor TxExecutorFunc

	sigVerifier     crypto.SignatureVerifier
	participantKeys map[types.Address][]byte

	rootDeadlines map[types.Hash]uint64
	rootBlocks    map[types.Hash]uint64

	proofs       map[types.Hash]*FraudProof
	proofResults map[types.Hash]FraudProofResult
	activeByRoot map[types.Hash]types.Hash

	sessions     map[types.Hash]*InteractiveProofSession
	sessionNonce uint64

	stakes            map[types.Address]uint64
	slashingRecords   map[types.Address][]SlashingRecord
	challengerRewards map[types.Address]uint64

	lgr *log.Logger
}

// NewFraudProofSystem creates a dispute tracker for one L2 chain. A nil
// executor selects ComputeStateTransition.
func NewFraudProofSystem(chainID uint64, executor TxExecutorFunc) *FraudProofSystem {
	if executor == nil {
		executor = ComputeStateTransition
	}
	return &FraudProofSystem{
		chainID:           chainID,
		executor:          executor,
		participantKeys:   make(map[types.Address][]byte),
		rootDeadlines:     make(map[types.Hash]uint64),
		rootBlocks:        make(map[types.Hash]uint64),
		proofs:            make(map[types.Hash]*FraudProof),
		proofResults:      make(map[types.Hash]FraudProofResult),
		activeByRoot:      make(map[types.Hash]types.Hash),
		sessions:          make(map[types.Hash]*InteractiveProofSession),
		stakes:            make(map[types.Address]uint64),
		slashingRecords:   make(map[types.Address][]SlashingRecord),
		challengerRewards: make(map[types.Address]uint64),
		lgr:               log.Default().Module("rollup"),
	}
}

// SetSignatureVerifier installs a signature backend. When set, submissions
// from participants with a registered key must carry a valid signature.
func (s *FraudProofSystem) SetSignatureVerifier(v crypto.SignatureVerifier) {
	s.sigVerifier = v
}

// RegisterParticipantKey associates a public key with a participant address
// for signature checks.
func (s *FraudProofSystem) RegisterParticipantKey(addr types.Address, pubkey []byte) {
	if len(pubkey) == 0 {
		delete(s.participantKeys, addr)
		return
	}
	key := make([]byte, len(pubkey))
	copy(key, pubkey)
	s.participantKeys[addr] = key
}

func (s *FraudProofSystem) checkSignature(addr types.Address, digest types.Hash, sig []byte) bool {
	if s.sigVerifier == nil {
		return true
	}
	pubkey, ok := s.participantKeys[addr]
	if !ok {
		return true
	}
	return s.sigVerifier.Verify(pubkey, digest.Bytes(), sig)
}

// RegisterStateRoot opens a challenge window for a sequencer-committed root.
// Returns false for a zero root; re-registering updates the deadline.
func (s *FraudProofSystem) RegisterStateRoot(root types.Hash, blockNumber, challengeDeadline uint64) bool {
	if root.IsZero() {
		return false
	}
	s.rootDeadlines[root] = challengeDeadline
	s.rootBlocks[root] = blockNumber
	s.lgr.Debug("state root registered", "root", root.Hex(), "block", blockNumber, "deadline", challengeDeadline)
	return true
}

// IsStateRootFinalized reports whether root's challenge window has closed.
// Unknown roots are never finalized.
func (s *FraudProofSystem) IsStateRootFinalized(root types.Hash, now uint64) bool {
	deadline, ok := s.rootDeadlines[root]
	if !ok {
		return false
	}
	return now >= deadline
}

// GetChallengeDeadline returns the challenge deadline recorded for root.
func (s *FraudProofSystem) GetChallengeDeadline(root types.Hash) (uint64, bool) {
	deadline, ok := s.rootDeadlines[root]
	return deadline, ok
}

// SubmitFraudProof admits a challenge. It fails when the proof is malformed,
// targets another chain, disputes an unregistered root, arrives at or after
// the challenge deadline, fails its signature check, or duplicates an
// already-active dispute for the same root.
func (s *FraudProofSystem) SubmitFraudProof(proof *FraudProof, now uint64) bool {
	if proof == nil {
		return false
	}
	if err := proof.ValidateStructure(); err != nil {
		s.lgr.Warn("fraud proof rejected", "err", err)
		return false
	}
	if proof.L2ChainID != s.chainID {
		s.lgr.Warn("fraud proof rejected", "err", "chain id mismatch", "have", proof.L2ChainID, "want", s.chainID)
		return false
	}
	deadline, ok := s.rootDeadlines[proof.DisputedStateRoot]
	if !ok {
		s.lgr.Warn("fraud proof rejected", "err", "unregistered state root", "root", proof.DisputedStateRoot.Hex())
		return false
	}
	if now >= deadline {
		s.lgr.Warn("fraud proof rejected", "err", "challenge window closed", "root", proof.DisputedStateRoot.Hex())
		return false
	}
	if _, active := s.activeByRoot[proof.DisputedStateRoot]; active {
		return false
	}
	if !s.checkSignature(proof.ChallengerAddress, proof.SigningHash(), proof.ChallengerSignature) {
		s.lgr.Warn("fraud proof rejected", "err", "bad challenger signature")
		return false
	}

	hash := proof.Hash()
	stored := *proof
	s.proofs[hash] = &stored
	s.proofResults[hash] = FraudProofPending
	s.activeByRoot[proof.DisputedStateRoot] = hash
	s.lgr.Info("fraud proof submitted",
		"hash", hash.Hex(),
		"type", proof.Type.String(),
		"root", proof.DisputedStateRoot.Hex(),
		"challenger", proof.ChallengerAddress.Hex())
	return true
}

// VerifyFraudProof replays the proof's transactions from the previous root
// and compares the outcome with the disputed root. The fraud claim is VALID
// when the roots differ. A tracked proof's stored result is updated and its
// dispute slot is released.
func (s *FraudProofSystem) VerifyFraudProof(proof *FraudProof) VerificationResult {
	if proof == nil {
		return VerificationResult{Err: "nil proof"}
	}
	if err := proof.ValidateStructure(); err != nil {
		return VerificationResult{Err: err.Error()}
	}

	current := proof.PreviousStateRoot
	var gasUsed uint64
	for _, tx := range proof.RelevantTransactions {
		post, gas, err := s.executor(current, tx)
		if err != nil {
			return VerificationResult{
				ExpectedStateRoot: current,
				ActualStateRoot:   proof.DisputedStateRoot,
				GasUsed:           gasUsed,
				Err:               err.Error(),
			}
		}
		current = post
		gasUsed += gas
	}

	result := VerificationResult{
		Verified:          true,
		ExpectedStateRoot: current,
		ActualStateRoot:   proof.DisputedStateRoot,
		GasUsed:           gasUsed,
	}
	if current != proof.DisputedStateRoot {
		result.Result = FraudProofValid
	} else {
		result.Result = FraudProofInvalid
	}

	hash := proof.Hash()
	if _, tracked := s.proofs[hash]; tracked {
		s.proofResults[hash] = result.Result
		if active, ok := s.activeByRoot[proof.DisputedStateRoot]; ok && active == hash {
			delete(s.activeByRoot, proof.DisputedStateRoot)
		}
	}
	s.lgr.Info("fraud proof verified",
		"hash", hash.Hex(),
		"result", result.Result.String(),
		"expected", result.ExpectedStateRoot.Hex(),
		"disputed", result.ActualStateRoot.Hex())
	return result
}

// GetFraudProof returns a copy of a tracked proof.
func (s *FraudProofSystem) GetFraudProof(hash types.Hash) (FraudProof, bool) {
	p, ok := s.proofs[hash]
	if !ok {
		return FraudProof{}, false
	}
	return *p, true
}

// GetFraudProofResult returns the stored result of a tracked proof.
func (s *FraudProofSystem) GetFraudProofResult(hash types.Hash) (FraudProofResult, bool) {
	r, ok := s.proofResults[hash]
	return r, ok
}

// GetActiveFraudProofCount returns the number of unresolved disputes.
func (s *FraudProofSystem) GetActiveFraudProofCount() int {
	return len(s.activeByRoot)
}

// Clear drops all dispute, session, stake and slashing state.
func (s *FraudProofSystem) Clear() {
	s.participantKeys = make(map[types.Address][]byte)
	s.rootDeadlines = make(map[types.Hash]uint64)
	s.rootBlocks = make(map[types.Hash]uint64)
	s.proofs = make(map[types.Hash]*FraudProof)
	s.proofResults = make(map[types.Hash]FraudProofResult)
	s.activeByRoot = make(map[types.Hash]types.Hash)
	s.sessions = make(map[types.Hash]*InteractiveProofSession)
	s.sessionNonce = 0
	s.stakes = make(map[types.Address]uint64)
	s.slashingRecords = make(map[types.Address][]SlashingRecord)
	s.challengerRewards = make(map[types.Address]uint64)
	s.lgr.Info("dispute state cleared", "chainID", s.chainID)
}
