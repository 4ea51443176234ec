package rollup

import (
	"testing"
)

func TestComputeSlashingAmountTable(t *testing.T) {
	const stake = 100 * CoinUnit
	cases := []struct {
		typ  FraudProofType
		want uint64
	}{
		{DoubleSpend, 100 * CoinUnit},
		{InvalidStateTransition, 100 * CoinUnit},
		{DataWithholding, 75 * CoinUnit},
		{InvalidTransaction, 75 * CoinUnit},
		{InvalidSignature, 50 * CoinUnit},
		{TimestampManipulation, 50 * CoinUnit},
	}
	for _, tc := range cases {
		if got := ComputeSlashingAmount(tc.typ, stake); got != tc.want {
			t.Errorf("%s: amount = %d, want %d", tc.typ, got, tc.want)
		}
	}
}

func TestComputeSlashingAmountClamping(t *testing.T) {
	// A percentage below the floor is raised to MinSlashingAmount.
	stake := uint64(60 * CoinUnit)
	if got := ComputeSlashingAmount(InvalidSignature, stake); got != MinSlashingAmount {
		t.Fatalf("amount = %d, want floor %d", got, MinSlashingAmount)
	}
	// A stake below the floor is taken entirely, never more.
	stake = 10 * CoinUnit
	if got := ComputeSlashingAmount(DoubleSpend, stake); got != stake {
		t.Fatalf("amount = %d, want full stake %d", got, stake)
	}
	// Bounds hold for every type at an arbitrary stake.
	stake = 73 * CoinUnit
	for typ := FraudProofType(0); typ < numFraudProofTypes; typ++ {
		got := ComputeSlashingAmount(typ, stake)
		if got < MinSlashingAmount || got > stake {
			t.Errorf("%s: amount %d outside [%d, %d]", typ, got, MinSlashingAmount, stake)
		}
	}
}

func TestComputeSlashingAmountLargeStake(t *testing.T) {
	// Stakes near the uint64 ceiling must not wrap in the percentage
	// arithmetic: 75% of 2^63 is exactly 3 * 2^61.
	const stake = uint64(1) << 63
	if got := ComputeSlashingAmount(DataWithholding, stake); got != 3*(uint64(1)<<61) {
		t.Fatalf("amount = %d, want %d", got, 3*(uint64(1)<<61))
	}
	// Full-percentage slash of the maximum stake returns it untouched.
	const max = ^uint64(0)
	if got := ComputeSlashingAmount(DoubleSpend, max); got != max {
		t.Fatalf("amount = %d, want %d", got, max)
	}
	// Bounds hold for every type at the ceiling.
	for typ := FraudProofType(0); typ < numFraudProofTypes; typ++ {
		got := ComputeSlashingAmount(typ, max)
		if got < MinSlashingAmount || got > max {
			t.Errorf("%s: amount %d out of bounds", typ, got)
		}
	}
}

func TestSlashSequencer(t *testing.T) {
	sys := newTestSystem()
	sequencer := testAddr(2)
	proof := validProof(1)
	proof.Type = InvalidSignature

	sys.SetSequencerStake(sequencer, 100*CoinUnit)

	record, ok := sys.SlashSequencer(sequencer, proof, 5000)
	if !ok {
		t.Fatal("slash failed")
	}
	if record.SlashedAmount != 50*CoinUnit {
		t.Fatalf("slashed %d, want %d", record.SlashedAmount, uint64(50*CoinUnit))
	}
	if record.ChallengerReward != record.SlashedAmount*ChallengerRewardPercent/100 {
		t.Fatalf("reward %d != half of slashed %d", record.ChallengerReward, record.SlashedAmount)
	}
	if record.ReputationPenalty != -20 {
		t.Fatalf("penalty %d, want -20", record.ReputationPenalty)
	}
	if record.FraudProofHash != proof.Hash() || record.Challenger != proof.ChallengerAddress {
		t.Fatal("record attribution wrong")
	}
	if record.SlashedAt != 5000 || record.BlockNumber != proof.DisputedBlockNumber {
		t.Fatal("record timing wrong")
	}

	// Stake is debited exactly, rewards and totals accumulate.
	if got := sys.GetSequencerStake(sequencer); got != 50*CoinUnit {
		t.Fatalf("remaining stake %d, want %d", got, uint64(50*CoinUnit))
	}
	if got := sys.GetChallengerReward(proof.ChallengerAddress); got != record.ChallengerReward {
		t.Fatalf("challenger reward %d, want %d", got, record.ChallengerReward)
	}
	if got := sys.GetTotalSlashed(sequencer); got != record.SlashedAmount {
		t.Fatalf("total slashed %d, want %d", got, record.SlashedAmount)
	}

	records := sys.GetSlashingRecords(sequencer)
	if len(records) != 1 || records[0].SlashedAmount != record.SlashedAmount {
		t.Fatal("slashing history wrong")
	}
}

func TestSlashSequencerDrainsStake(t *testing.T) {
	sys := newTestSystem()
	sequencer := testAddr(2)
	proof := validProof(1)
	proof.Type = DoubleSpend

	// Stake below the minimum penalty: everything is taken, stake floors
	// at zero.
	sys.SetSequencerStake(sequencer, 10*CoinUnit)
	record, ok := sys.SlashSequencer(sequencer, proof, 5000)
	if !ok || record.SlashedAmount != 10*CoinUnit {
		t.Fatalf("slashed %d, want full stake", record.SlashedAmount)
	}
	if got := sys.GetSequencerStake(sequencer); got != 0 {
		t.Fatalf("remaining stake %d, want 0", got)
	}

	// A drained sequencer cannot be slashed again.
	if _, ok := sys.SlashSequencer(sequencer, proof, 6000); ok {
		t.Fatal("slashed a sequencer with no stake")
	}
}

func TestSlashSequencerNoStake(t *testing.T) {
	sys := newTestSystem()
	if _, ok := sys.SlashSequencer(testAddr(2), validProof(1), 5000); ok {
		t.Fatal("slashed an unstaked sequencer")
	}
	if _, ok := sys.SlashSequencer(testAddr(2), nil, 5000); ok {
		t.Fatal("slashed with a nil proof")
	}
}

func TestSlashingRecordsAppendOnly(t *testing.T) {
	sys := newTestSystem()
	sequencer := testAddr(2)
	sys.SetSequencerStake(sequencer, 1000*CoinUnit)

	p1 := validProof(1)
	p1.Type = InvalidSignature
	p2 := validProof(1)
	p2.Type = DataWithholding
	p2.DisputedBlockNumber = 43

	sys.SlashSequencer(sequencer, p1, 5000)
	sys.SlashSequencer(sequencer, p2, 6000)

	records := sys.GetSlashingRecords(sequencer)
	if len(records) != 2 {
		t.Fatalf("%d records, want 2", len(records))
	}
	if records[0].SlashedAt != 5000 || records[1].SlashedAt != 6000 {
		t.Fatal("records out of order")
	}
	if got := sys.GetTotalSlashed(sequencer); got != records[0].SlashedAmount+records[1].SlashedAmount {
		t.Fatalf("total slashed %d != sum of records", got)
	}

	// The returned slice is a copy.
	records[0].SlashedAmount = 0
	if sys.GetSlashingRecords(sequencer)[0].SlashedAmount == 0 {
		t.Fatal("caller mutated internal records")
	}
}

func TestRewardChallengerAccumulates(t *testing.T) {
	sys := newTestSystem()
	challenger := testAddr(1)

	if got := sys.RewardChallenger(challenger, 100*CoinUnit); got != 50*CoinUnit {
		t.Fatalf("reward %d, want %d", got, uint64(50*CoinUnit))
	}
	sys.RewardChallenger(challenger, 10*CoinUnit)
	if got := sys.GetChallengerReward(challenger); got != 55*CoinUnit {
		t.Fatalf("accumulated %d, want %d", got, uint64(55*CoinUnit))
	}
}

func TestSlashingRecordSerializeRoundTrip(t *testing.T) {
	record := SlashingRecord{
		SequencerAddress:  testAddr(2),
		SlashedAmount:     75 * CoinUnit,
		FraudProofHash:    testRoot("proof"),
		Challenger:        testAddr(1),
		ChallengerReward:  37 * CoinUnit,
		SlashedAt:         5000,
		BlockNumber:       42,
		ReputationPenalty: -30,
	}
	enc, err := record.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var decoded SlashingRecord
	if !decoded.Deserialize(enc) {
		t.Fatal("deserialize failed")
	}
	if decoded != record {
		t.Fatalf("round trip mismatch: %+v != %+v", decoded, record)
	}
	if decoded.ReputationPenalty != -30 {
		t.Fatalf("penalty %d, want -30", decoded.ReputationPenalty)
	}
}
