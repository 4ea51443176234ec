package rollup

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/cascoin/cascoin-l2/core/types"
	"github.com/cascoin/cascoin-l2/crypto"
)

var (
	ErrInvalidStepCount = errors.New("rollup: interactive step count out of range")
	ErrZeroSessionID    = errors.New("rollup: session id must be non-zero")
)

// InteractiveProofState is the lifecycle state of a bisection session.
type InteractiveProofState uint8

const (
	SessionActive InteractiveProofState = iota
	SessionResolved
	SessionTimedOut
)

func (s InteractiveProofState) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionResolved:
		return "resolved"
	case SessionTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// InteractiveFraudProofStep is one party's claim about the state at the
// current bisection midpoint.
type InteractiveFraudProofStep struct {
	// SessionID binds the step to one session.
	SessionID types.Hash

	// StepNumber must equal the session's current bisection midpoint.
	StepNumber uint64

	// PreStateRoot is the claimed state before executing the step.
	PreStateRoot types.Hash

	// PostStateRoot is the claimed state after executing the step.
	PostStateRoot types.Hash

	// Instruction is the execution witness for the step.
	Instruction []byte

	// Submitter is the party making the claim.
	Submitter types.Address

	// SubmittedAt is the unix time of submission; it may not go backwards
	// within a session.
	SubmittedAt uint64

	// Signature signs SigningHash; verified when a signature backend is
	// configured.
	Signature []byte
}

// ValidateStructure checks the step's shape.
func (st *InteractiveFraudProofStep) ValidateStructure() error {
	if st.SessionID.IsZero() {
		return ErrZeroSessionID
	}
	if st.Submitter.IsZero() {
		return ErrZeroAddress
	}
	if st.PostStateRoot.IsZero() {
		return ErrZeroStateRoot
	}
	return nil
}

// Serialize encodes the step with RLP.
func (st *InteractiveFraudProofStep) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(st)
}

// Deserialize decodes an RLP-encoded step. Returns false on malformed
// input; the receiver is unchanged on failure.
func (st *InteractiveFraudProofStep) Deserialize(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var decoded InteractiveFraudProofStep
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return false
	}
	*st = decoded
	return true
}

// Hash returns the keccak256 hash of the full serialized step.
func (st *InteractiveFraudProofStep) Hash() types.Hash {
	enc, err := st.Serialize()
	if err != nil {
		return types.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// SigningHash is the digest the submitter signs: the step hash with the
// signature field blanked.
func (st *InteractiveFraudProofStep) SigningHash() types.Hash {
	unsigned := *st
	unsigned.Signature = nil
	enc, err := unsigned.Serialize()
	if err != nil {
		return types.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// InteractiveProofSession is a bisection dispute over an execution range.
// The parties alternate claims about the midpoint of [SearchLower,
// SearchUpper]; each accepted claim halves the range until a single step
// remains, which is re-executed deterministically to pick the winner.
type InteractiveProofSession struct {
	SessionID         types.Hash
	DisputedStateRoot types.Hash
	Challenger        types.Address
	Sequencer         types.Address
	L2ChainID         uint64

	State InteractiveProofState
	Steps []InteractiveFraudProofStep

	// Bisection window over step indices, half-open [SearchLower, SearchUpper).
	SearchLower uint64
	SearchUpper uint64
	TotalSteps  uint64

	// ChallengerTurn is true when the challenger must respond next.
	ChallengerTurn bool

	CreatedAt      uint64
	LastActivityAt uint64
	StepDeadline   uint64

	// Winner and InvalidStepNumber are set once the session leaves
	// SessionActive.
	Winner            types.Address
	InvalidStepNumber uint64
}

// IsResolved reports whether the session has reached a terminal state.
func (s *InteractiveProofSession) IsResolved() bool {
	return s.State != SessionActive
}

// IsTimedOut reports whether the current turn-holder has missed the
// per-step deadline.
func (s *InteractiveProofSession) IsTimedOut(now uint64) bool {
	return s.State == SessionActive && now >= s.StepDeadline
}

// HasConverged reports whether the search window has collapsed to a single
// step.
func (s *InteractiveProofSession) HasConverged() bool {
	return s.SearchUpper-s.SearchLower <= 1
}

// Midpoint returns the step index both parties must speak to next.
func (s *InteractiveProofSession) Midpoint() uint64 {
	return s.SearchLower + (s.SearchUpper-s.SearchLower)/2
}

// CurrentTurn returns the address expected to submit the next step.
func (s *InteractiveProofSession) CurrentTurn() types.Address {
	if s.ChallengerTurn {
		return s.Challenger
	}
	return s.Sequencer
}

// Serialize encodes the session with RLP.
func (s *InteractiveProofSession) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// Deserialize decodes an RLP-encoded session. Returns false on malformed
// input; the receiver is unchanged on failure.
func (s *InteractiveProofSession) Deserialize(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var decoded InteractiveProofSession
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return false
	}
	*s = decoded
	return true
}

func (s *InteractiveProofSession) copy() InteractiveProofSession {
	c := *s
	c.Steps = make([]InteractiveFraudProofStep, len(s.Steps))
	copy(c.Steps, s.Steps)
	return c
}

func (sys *FraudProofSystem) generateSessionID(root types.Hash, challenger, sequencer types.Address, now uint64) types.Hash {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], sys.sessionNonce)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], now)
	sys.sessionNonce++
	return crypto.Keccak256Hash(root.Bytes(), challenger.Bytes(), sequencer.Bytes(), ts[:], nonce[:])
}

// StartInteractiveProof opens a bisection session over totalSteps execution
// steps of the disputed root. The sequencer moves first. Returns the session
// id, or a zero hash and an error for malformed parameters.
func (sys *FraudProofSystem) StartInteractiveProof(disputedRoot types.Hash, challenger, sequencer types.Address, totalSteps, now uint64) (types.Hash, error) {
	if disputedRoot.IsZero() {
		return types.Hash{}, ErrZeroStateRoot
	}
	if challenger.IsZero() || sequencer.IsZero() {
		return types.Hash{}, ErrZeroAddress
	}
	if totalSteps == 0 || totalSteps > MaxInteractiveSteps {
		return types.Hash{}, ErrInvalidStepCount
	}

	id := sys.generateSessionID(disputedRoot, challenger, sequencer, now)
	sys.sessions[id] = &InteractiveProofSession{
		SessionID:         id,
		DisputedStateRoot: disputedRoot,
		Challenger:        challenger,
		Sequencer:         sequencer,
		L2ChainID:         sys.chainID,
		State:             SessionActive,
		SearchLower:       0,
		SearchUpper:       totalSteps,
		TotalSteps:        totalSteps,
		ChallengerTurn:    false,
		CreatedAt:         now,
		LastActivityAt:    now,
		StepDeadline:      now + InteractiveStepTimeout,
	}
	sys.lgr.Info("interactive session opened",
		"session", id.Hex(),
		"root", disputedRoot.Hex(),
		"steps", totalSteps)
	return id, nil
}

// verifyExecutionStep re-executes a step's deterministic commitment and
// checks it against the claimed post-state.
func verifyExecutionStep(step *InteractiveFraudProofStep) bool {
	expected := crypto.Keccak256Hash(step.PreStateRoot.Bytes(), step.Instruction)
	return expected == step.PostStateRoot
}

// SubmitInteractiveStep advances a session by one bisection round. The step
// is rejected without mutation unless the session is live, it is the
// submitter's turn, the step speaks to the current midpoint, its timestamp
// does not go backwards, and it is not a duplicate. A submission against a
// session whose deadline has passed forfeits the turn-holder instead.
func (sys *FraudProofSystem) SubmitInteractiveStep(sessionID types.Hash, step *InteractiveFraudProofStep, now uint64) bool {
	sess, ok := sys.sessions[sessionID]
	if !ok || sess.IsResolved() {
		return false
	}
	if sess.IsTimedOut(now) {
		sys.forfeitSession(sess)
		return false
	}
	if step == nil || step.ValidateStructure() != nil {
		return false
	}
	if step.SessionID != sessionID {
		return false
	}
	if step.Submitter != sess.CurrentTurn() {
		return false
	}
	if step.SubmittedAt < sess.LastActivityAt {
		return false
	}
	mid := sess.Midpoint()
	if step.StepNumber != mid {
		return false
	}
	for i := range sess.Steps {
		if sess.Steps[i].StepNumber == step.StepNumber && sess.Steps[i].Submitter == step.Submitter {
			return false
		}
	}
	if !sys.checkSignature(step.Submitter, step.SigningHash(), step.Signature) {
		return false
	}

	sess.Steps = append(sess.Steps, *step)
	// The ordering clock follows the step timestamps; the deadline clock
	// follows the caller's now. Mixing them would let a prompt relay of an
	// honestly-timestamped step invalidate the next one.
	sess.LastActivityAt = step.SubmittedAt
	sess.StepDeadline = now + InteractiveStepTimeout
	sess.ChallengerTurn = !sess.ChallengerTurn

	// A midpoint claim that re-executes cleanly pins the fault above it;
	// one that does not pins the fault at or below it.
	if verifyExecutionStep(step) {
		sess.SearchLower = mid
	} else {
		sess.SearchUpper = mid
	}

	if sess.HasConverged() {
		sess.InvalidStepNumber = sess.SearchLower
		if verifyExecutionStep(step) {
			sess.Winner = sess.Sequencer
		} else {
			sess.Winner = sess.Challenger
		}
		sess.State = SessionResolved
		sys.lgr.Info("interactive session converged",
			"session", sessionID.Hex(),
			"step", sess.InvalidStepNumber,
			"winner", sess.Winner.Hex())
	}
	return true
}

func (sys *FraudProofSystem) forfeitSession(sess *InteractiveProofSession) {
	if sess.ChallengerTurn {
		sess.Winner = sess.Sequencer
	} else {
		sess.Winner = sess.Challenger
	}
	sess.InvalidStepNumber = sess.Midpoint()
	sess.State = SessionTimedOut
	sys.lgr.Info("interactive session forfeited",
		"session", sess.SessionID.Hex(),
		"winner", sess.Winner.Hex())
}

// ProcessTimeouts forfeits every active session whose turn-holder has missed
// the deadline. Returns the number of sessions closed.
func (sys *FraudProofSystem) ProcessTimeouts(now uint64) int {
	closed := 0
	for _, sess := range sys.sessions {
		if sess.IsTimedOut(now) {
			sys.forfeitSession(sess)
			closed++
		}
	}
	return closed
}

// ResolveInteractiveProof reports the outcome of a session: FraudProofValid
// when the challenger won (including by sequencer timeout), FraudProofInvalid
// when the sequencer won or the session is unknown, FraudProofPending while
// the session is still live.
func (sys *FraudProofSystem) ResolveInteractiveProof(sessionID types.Hash, now uint64) FraudProofResult {
	sess, ok := sys.sessions[sessionID]
	if !ok {
		return FraudProofInvalid
	}
	if sess.IsTimedOut(now) {
		sys.forfeitSession(sess)
	}
	if !sess.IsResolved() {
		return FraudProofPending
	}
	if sess.Winner == sess.Challenger {
		return FraudProofValid
	}
	return FraudProofInvalid
}

// GetInteractiveSession returns a copy of the session.
func (sys *FraudProofSystem) GetInteractiveSession(sessionID types.Hash) (InteractiveProofSession, bool) {
	sess, ok := sys.sessions[sessionID]
	if !ok {
		return InteractiveProofSession{}, false
	}
	return sess.copy(), true
}

// GetActiveSessionCount returns the number of live sessions.
func (sys *FraudProofSystem) GetActiveSessionCount() int {
	n := 0
	for _, sess := range sys.sessions {
		if sess.State == SessionActive {
			n++
		}
	}
	return n
}
