package rollup

import (
	"io"
	"math/bits"

	"github.com/ethereum/go-ethereum/rlp"

	"github.com/cascoin/cascoin-l2/core/types"
)

// slashingPercent returns the share of the sequencer's stake forfeited for
// each fraud category.
func slashingPercent(t FraudProofType) uint64 {
	switch t {
	case DoubleSpend, InvalidStateTransition:
		return 100
	case DataWithholding, InvalidTransaction:
		return 75
	case InvalidSignature, TimestampManipulation:
		return 50
	default:
		return 100
	}
}

// reputationPenalty returns the (strictly negative) HAT reputation hit for
// each fraud category.
func reputationPenalty(t FraudProofType) int32 {
	switch t {
	case DoubleSpend:
		return -50
	case InvalidStateTransition:
		return -40
	case InvalidSignature:
		return -20
	case DataWithholding:
		return -30
	case TimestampManipulation:
		return -15
	case InvalidTransaction:
		return -25
	default:
		return -50
	}
}

// SlashingRecord is the append-only settlement record of one slashing event.
type SlashingRecord struct {
	// SequencerAddress is the slashed sequencer.
	SequencerAddress types.Address

	// SlashedAmount is the stake forfeited, in satoshis.
	SlashedAmount uint64

	// FraudProofHash identifies the upheld proof that triggered the slash.
	FraudProofHash types.Hash

	// Challenger received the reward.
	Challenger types.Address

	// ChallengerReward is the share of SlashedAmount paid out.
	ChallengerReward uint64

	// SlashedAt is the unix time of settlement.
	SlashedAt uint64

	// BlockNumber is the L2 block of the disputed commitment.
	BlockNumber uint64

	// ReputationPenalty is the (negative) HAT score adjustment.
	ReputationPenalty int32
}

// slashingRecordRLP is the wire form. RLP has no signed integers, so the
// always-negative penalty travels as its magnitude.
type slashingRecordRLP struct {
	SequencerAddress types.Address
	SlashedAmount    uint64
	FraudProofHash   types.Hash
	Challenger       types.Address
	ChallengerReward uint64
	SlashedAt        uint64
	BlockNumber      uint64
	PenaltyMagnitude uint32
}

// EncodeRLP implements rlp.Encoder.
func (r *SlashingRecord) EncodeRLP(w io.Writer) error {
	mag := r.ReputationPenalty
	if mag < 0 {
		mag = -mag
	}
	return rlp.Encode(w, &slashingRecordRLP{
		SequencerAddress: r.SequencerAddress,
		SlashedAmount:    r.SlashedAmount,
		FraudProofHash:   r.FraudProofHash,
		Challenger:       r.Challenger,
		ChallengerReward: r.ChallengerReward,
		SlashedAt:        r.SlashedAt,
		BlockNumber:      r.BlockNumber,
		PenaltyMagnitude: uint32(mag),
	})
}

// DecodeRLP implements rlp.Decoder.
func (r *SlashingRecord) DecodeRLP(s *rlp.Stream) error {
	var wire slashingRecordRLP
	if err := s.Decode(&wire); err != nil {
		return err
	}
	*r = SlashingRecord{
		SequencerAddress:  wire.SequencerAddress,
		SlashedAmount:     wire.SlashedAmount,
		FraudProofHash:    wire.FraudProofHash,
		Challenger:        wire.Challenger,
		ChallengerReward:  wire.ChallengerReward,
		SlashedAt:         wire.SlashedAt,
		BlockNumber:       wire.BlockNumber,
		ReputationPenalty: -int32(wire.PenaltyMagnitude),
	}
	return nil
}

// Serialize encodes the record with RLP.
func (r *SlashingRecord) Serialize() ([]byte, error) {
	return rlp.EncodeToBytes(r)
}

// Deserialize decodes an RLP-encoded record. Returns false on malformed
// input; the receiver is unchanged on failure.
func (r *SlashingRecord) Deserialize(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var decoded SlashingRecord
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return false
	}
	*r = decoded
	return true
}

// SetSequencerStake records the stake backing a sequencer's commitments.
func (s *FraudProofSystem) SetSequencerStake(sequencer types.Address, stake uint64) {
	if stake == 0 {
		delete(s.stakes, sequencer)
		return
	}
	s.stakes[sequencer] = stake
}

// GetSequencerStake returns the sequencer's current stake.
func (s *FraudProofSystem) GetSequencerStake(sequencer types.Address) uint64 {
	return s.stakes[sequencer]
}

// ComputeSlashingAmount returns the penalty for the fraud category given the
// sequencer's stake: the per-type percentage clamped to
// [MinSlashingAmount, stake].
func ComputeSlashingAmount(t FraudProofType, stake uint64) uint64 {
	// 128-bit intermediate: stake * percent must not wrap for large stakes.
	// The quotient is bounded by stake, so Div64 cannot overflow.
	hi, lo := bits.Mul64(stake, slashingPercent(t))
	amount, _ := bits.Div64(hi, lo, 100)
	if amount < MinSlashingAmount {
		amount = MinSlashingAmount
	}
	if amount > stake {
		amount = stake
	}
	return amount
}

// RewardChallenger credits the challenger with their share of a slashed
// amount and returns the reward.
func (s *FraudProofSystem) RewardChallenger(challenger types.Address, slashedAmount uint64) uint64 {
	reward := slashedAmount * ChallengerRewardPercent / 100
	s.challengerRewards[challenger] += reward
	return reward
}

// GetChallengerReward returns the total rewards accumulated by a challenger.
func (s *FraudProofSystem) GetChallengerReward(challenger types.Address) uint64 {
	return s.challengerRewards[challenger]
}

// SlashSequencer settles an upheld fraud proof: the sequencer's stake is
// debited by the per-type penalty, the challenger is rewarded half the
// slashed amount, and an immutable record is appended.
func (s *FraudProofSystem) SlashSequencer(sequencer types.Address, proof *FraudProof, now uint64) (SlashingRecord, bool) {
	if proof == nil {
		return SlashingRecord{}, false
	}
	stake, ok := s.stakes[sequencer]
	if !ok || stake == 0 {
		s.lgr.Warn("slash skipped: sequencer has no stake", "sequencer", sequencer.Hex())
		return SlashingRecord{}, false
	}

	amount := ComputeSlashingAmount(proof.Type, stake)
	reward := s.RewardChallenger(proof.ChallengerAddress, amount)
	s.stakes[sequencer] = stake - amount

	record := SlashingRecord{
		SequencerAddress:  sequencer,
		SlashedAmount:     amount,
		FraudProofHash:    proof.Hash(),
		Challenger:        proof.ChallengerAddress,
		ChallengerReward:  reward,
		SlashedAt:         now,
		BlockNumber:       proof.DisputedBlockNumber,
		ReputationPenalty: reputationPenalty(proof.Type),
	}
	s.slashingRecords[sequencer] = append(s.slashingRecords[sequencer], record)
	s.lgr.Info("sequencer slashed",
		"sequencer", sequencer.Hex(),
		"type", proof.Type.String(),
		"amount", amount,
		"reward", reward,
		"remaining", s.stakes[sequencer])
	return record, true
}

// GetSlashingRecords returns a copy of the sequencer's slashing history.
func (s *FraudProofSystem) GetSlashingRecords(sequencer types.Address) []SlashingRecord {
	records := s.slashingRecords[sequencer]
	out := make([]SlashingRecord, len(records))
	copy(out, records)
	return out
}

// GetTotalSlashed returns the cumulative amount slashed from one sequencer
// across its whole history.
func (s *FraudProofSystem) GetTotalSlashed(sequencer types.Address) uint64 {
	var total uint64
	for _, rec := range s.slashingRecords[sequencer] {
		total += rec.SlashedAmount
	}
	return total
}
