// Package rollup implements the optimistic-rollup dispute layer: challenge
// windows over sequencer-committed state roots, direct and interactive
// fraud proofs, and sequencer stake slashing.
package rollup

import (
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/cascoin/cascoin-l2/core/types"
	"github.com/cascoin/cascoin-l2/crypto"
	"github.com/cascoin/cascoin-l2/state"
)

// CoinUnit is the number of satoshis in one CAS.
const CoinUnit = 100_000_000

// Protocol constants. These are consensus-critical and frozen at genesis.
const (
	// FraudProofChallengeBond is the minimum bond a challenger must post.
	FraudProofChallengeBond uint64 = 10 * CoinUnit

	// MinSlashingAmount is the floor of any slashing penalty.
	MinSlashingAmount uint64 = 50 * CoinUnit

	// ChallengerRewardPercent of the slashed amount goes to the challenger.
	ChallengerRewardPercent uint64 = 50

	// MaxInteractiveSteps bounds the execution range of a bisection session.
	MaxInteractiveSteps uint64 = 256

	// InteractiveStepTimeout is the per-step response deadline in seconds.
	InteractiveStepTimeout uint64 = 3600

	// MaxStateProofSize bounds the serialized state proof in a submission.
	MaxStateProofSize = 100 * 1024

	// MaxExecutionTraceSize bounds the execution trace in a submission.
	MaxExecutionTraceSize = 1024 * 1024

	// MaxFraudProofTransactions bounds the replayed transaction set.
	MaxFraudProofTransactions = 100
)

var (
	ErrInvalidProofType    = errors.New("rollup: invalid fraud proof type")
	ErrZeroStateRoot       = errors.New("rollup: state root must be non-zero")
	ErrZeroAddress         = errors.New("rollup: participant address must be non-zero")
	ErrInsufficientBond    = errors.New("rollup: challenge bond below minimum")
	ErrProofTooLarge       = errors.New("rollup: state proof exceeds size limit")
	ErrTraceTooLarge       = errors.New("rollup: execution trace exceeds size limit")
	ErrTooManyTransactions = errors.New("rollup: too many transactions in proof")
)

// FraudProofType categorizes the fraud a proof alleges. The slashing
// percentage and reputation penalty depend on it.
type FraudProofType uint8

const (
	InvalidStateTransition FraudProofType = iota
	InvalidTransaction
	InvalidSignature
	DataWithholding
	TimestampManipulation
	DoubleSpend
	numFraudProofTypes
)

// Valid reports whether t is one of the defined categories.
func (t FraudProofType) Valid() bool {
	return t < numFraudProofTypes
}

func (t FraudProofType) String() string {
	switch t {
	case InvalidStateTransition:
		return "invalid-state-transition"
	case InvalidTransaction:
		return "invalid-transaction"
	case InvalidSignature:
		return "invalid-signature"
	case DataWithholding:
		return "data-withholding"
	case TimestampManipulation:
		return "timestamp-manipulation"
	case DoubleSpend:
		return "double-spend"
	default:
		return "unknown"
	}
}

// FraudProofResult is the lifecycle state of a submitted fraud proof.
type FraudProofResult uint8

const (
	FraudProofPending FraudProofResult = iota
	FraudProofValid
	FraudProofInvalid
	FraudProofExpired
)

func (r FraudProofResult) String() string {
	switch r {
	case FraudProofPending:
		return "pending"
	case FraudProofValid:
		return "valid"
	case FraudProofInvalid:
		return "invalid"
	case FraudProofExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// FraudProof is a challenger's claim that a committed state root does not
// follow from its parent under the rollup's transition function.
type FraudProof struct {
	// Type categorizes the alleged fraud.
	Type FraudProofType

	// DisputedStateRoot is the root the challenger claims is wrong.
	DisputedStateRoot types.Hash

	// DisputedBlockNumber is the L2 block the root was committed for.
	DisputedBlockNumber uint64

	// PreviousStateRoot is the agreed pre-state the replay starts from.
	PreviousStateRoot types.Hash

	// L2ChainID binds the proof to one rollup chain.
	L2ChainID uint64

	// RelevantTransactions is the transaction set replayed during
	// verification.
	RelevantTransactions []*state.Transaction

	// StateProof carries serialized Merkle proofs backing the claim.
	StateProof []byte

	// ExecutionTrace optionally carries a step-by-step execution witness.
	ExecutionTrace []byte

	// ChallengerAddress receives the reward if the proof is upheld.
	ChallengerAddress types.Address

	// ChallengeBond is the amount staked behind the challenge.
	ChallengeBond uint64

	// ChallengerSignature signs SigningHash; verified when a signature
	// backend is configured.
	ChallengerSignature []byte

	// SubmittedAt is the unix time of submission.
	SubmittedAt uint64

	// SequencerAddress is the sequencer that committed the disputed root.
	SequencerAddress types.Address
}

// ValidateStructure checks the proof's shape without verifying its claim.
func (p *FraudProof) ValidateStructure() error {
	if !p.Type.Valid() {
		return ErrInvalidProofType
	}
	if p.DisputedStateRoot.IsZero() || p.PreviousStateRoot.IsZero() {
		return ErrZeroStateRoot
	}
	if p.ChallengerAddress.IsZero() || p.SequencerAddress.IsZero() {
		return ErrZeroAddress
	}
	if p.ChallengeBond < FraudProofChallengeBond {
		return ErrInsufficientBond
	}
	if len(p.StateProof) > MaxStateProofSize {
		return ErrProofTooLarge
	}
	if len(p.ExecutionTrace) > MaxExecutionTraceSize {
		return ErrTraceTooLarge
	}
	if len(p.RelevantTransactions) > MaxFraudProofTransactions {
		return ErrTooManyTransactions
	}
	return nil
}

// Serialize encodes the proof with RLP.
func (p *FraudProof) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// Deserialize decodes an RLP-encoded proof. Returns false on malformed
// input; the receiver is unchanged on failure.
func (p *FraudProof) Deserialize(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var decoded FraudProof
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return false
	}
	*p = decoded
	return true
}

// Hash returns the keccak256 hash of the full serialized proof. It is the
// key under which the proof is tracked.
func (p *FraudProof) Hash() types.Hash {
	enc, err := p.Serialize()
	if err != nil {
		return types.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// SigningHash is the digest the challenger signs: the proof hash with the
// signature field blanked.
func (p *FraudProof) SigningHash() types.Hash {
	unsigned := *p
	unsigned.ChallengerSignature = nil
	enc, err := unsigned.Serialize()
	if err != nil {
		return types.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// VerificationResult is the outcome of verifying a fraud proof's claim.
type VerificationResult struct {
	// Verified is true when the replay completed without executor errors.
	Verified bool

	// Result is FraudProofValid when the replayed root differs from the
	// disputed one (the fraud claim holds), FraudProofInvalid otherwise.
	Result FraudProofResult

	// ExpectedStateRoot is the root the replay produced.
	ExpectedStateRoot types.Hash

	// ActualStateRoot is the disputed root from the proof.
	ActualStateRoot types.Hash

	// GasUsed is the total gas consumed by the replay.
	GasUsed uint64

	// Err describes a replay failure when Verified is false.
	Err string
}
