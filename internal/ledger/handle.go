// internal/ledger/handle.go
package ledger

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxState is the lifecycle state of a broadcast ledger call
type TxState string

const (
	// StateSubmitted calls are broadcast and not yet observed mined
	StateSubmitted TxState = "SUBMITTED"
	// StateMinedSuccess calls were mined with a successful receipt
	StateMinedSuccess TxState = "MINED_SUCCESS"
	// StateMinedFailure calls were mined and reverted
	StateMinedFailure TxState = "MINED_FAILURE"
	// StateRejectedBeforeBroadcast calls never left this process
	StateRejectedBeforeBroadcast TxState = "REJECTED_BEFORE_BROADCAST"
)

// Terminal reports whether no further transition can happen.
func (s TxState) Terminal() bool {
	return s == StateMinedSuccess || s == StateMinedFailure || s == StateRejectedBeforeBroadcast
}

// TransactionHandle identifies one broadcast call. It is owned by the flow
// that submitted it.
type TransactionHandle struct {
	Hash        common.Hash `json:"hash"`
	Method      string      `json:"method"`
	Nonce       uint64      `json:"nonce"`
	State       TxState     `json:"state"`
	SubmittedAt time.Time   `json:"submitted_at"`
	BlockNumber uint64      `json:"block_number,omitempty"`
}
