package state

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestTransactionSerializeRoundTrip(t *testing.T) {
	tx := NewTransaction(testAddr(1), testAddr(2), uint256.NewInt(42), 3)
	tx.Data = []byte{0x01, 0x02, 0x03}

	enc, err := tx.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	var decoded Transaction
	if !decoded.Deserialize(enc) {
		t.Fatal("deserialize failed")
	}
	if decoded.Hash() != tx.Hash() {
		t.Fatal("round trip changed the transaction hash")
	}
}

func TestTransactionHashDistinguishes(t *testing.T) {
	a := NewTransaction(testAddr(1), testAddr(2), uint256.NewInt(42), 3)
	b := NewTransaction(testAddr(1), testAddr(2), uint256.NewInt(42), 4)
	if a.Hash() == b.Hash() {
		t.Fatal("transactions with different nonces hashed equal")
	}
}

func TestTransactionGasUsed(t *testing.T) {
	tx := NewTransaction(testAddr(1), testAddr(2), uint256.NewInt(1), 0)
	if tx.GasUsed() != TxBaseGas {
		t.Fatalf("gas %d, want %d", tx.GasUsed(), TxBaseGas)
	}
	tx.Data = make([]byte, 10)
	if tx.GasUsed() != TxBaseGas+10*TxDataGas {
		t.Fatalf("gas %d, want %d", tx.GasUsed(), TxBaseGas+10*TxDataGas)
	}
}

func TestTransactionDeserializeMalformed(t *testing.T) {
	var tx Transaction
	if tx.Deserialize(nil) {
		t.Fatal("empty input accepted")
	}
	if tx.Deserialize([]byte{0x01, 0x02}) {
		t.Fatal("garbage input accepted")
	}
}
