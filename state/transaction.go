package state

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"github.com/cascoin/cascoin-l2/core/types"
	"github.com/cascoin/cascoin-l2/crypto"
)

// Gas accounting for replayed transactions.
const (
	// TxBaseGas is charged for every transaction.
	TxBaseGas = 21000

	// TxDataGas is charged per byte of transaction payload.
	TxDataGas = 16
)

// Transaction is an L2 value transfer, optionally carrying a contract call
// payload.
type Transaction struct {
	// From is the sender address.
	From types.Address

	// To is the recipient address.
	To types.Address

	// Amount is the transferred value in satoshis.
	Amount *uint256.Int

	// Nonce must equal the sender's account nonce at execution time.
	Nonce uint64

	// Data is the optional call payload.
	Data []byte
}

// NewTransaction creates a transfer transaction.
func NewTransaction(from, to types.Address, amount *uint256.Int, nonce uint64) *Transaction {
	if amount == nil {
		amount = uint256.NewInt(0)
	}
	return &Transaction{
		From:   from,
		To:     to,
		Amount: new(uint256.Int).Set(amount),
		Nonce:  nonce,
	}
}

// Serialize encodes the transaction with RLP.
func (tx *Transaction) Serialize() ([]byte, error) {
	enc := *tx
	if enc.Amount == nil {
		enc.Amount = uint256.NewInt(0)
	}
	return rlp.EncodeToBytes(&enc)
}

// Deserialize decodes an RLP-encoded transaction. Returns false on malformed
// input; the receiver is unchanged on failure.
func (tx *Transaction) Deserialize(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	var decoded Transaction
	if err := rlp.DecodeBytes(data, &decoded); err != nil {
		return false
	}
	if decoded.Amount == nil {
		decoded.Amount = uint256.NewInt(0)
	}
	*tx = decoded
	return true
}

// Hash returns the keccak256 hash of the serialized transaction.
func (tx *Transaction) Hash() types.Hash {
	enc, err := tx.Serialize()
	if err != nil {
		return types.Hash{}
	}
	return crypto.Keccak256Hash(enc)
}

// GasUsed returns the gas consumed by the transaction.
func (tx *Transaction) GasUsed() uint64 {
	return TxBaseGas + uint64(len(tx.Data))*TxDataGas
}

// ExecutionResult reports the outcome of applying a transaction or batch.
type ExecutionResult struct {
	// Success is true when the state transition was applied.
	Success bool

	// Err describes the failure when Success is false.
	Err string

	// GasUsed is the total gas consumed.
	GasUsed uint64

	// NewStateRoot is the account tree root after execution. On failure it
	// equals the pre-execution root.
	NewStateRoot types.Hash
}

func failedExecution(reason string, root types.Hash) ExecutionResult {
	return ExecutionResult{Success: false, Err: reason, NewStateRoot: root}
}
