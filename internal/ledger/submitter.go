// internal/ledger/submitter.go
package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/cmatc13/invoicechain/pkg/errors"
	"github.com/cmatc13/invoicechain/pkg/logging"
	"github.com/cmatc13/invoicechain/pkg/metrics"
)

// ChainClient is the part of an RPC client the ledger package needs.
// *ethclient.Client satisfies it.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Signer signs transactions for one account. A signer that declines returns
// an error that Is errors.ErrUserRejected.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// SubmitterConfig configures a Submitter.
type SubmitterConfig struct {
	ChainID *big.Int
	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
}

// Submitter signs and broadcasts ledger calls. It never waits for mining.
type Submitter struct {
	client  ChainClient
	signer  Signer
	abi     abi.ABI
	cfg     SubmitterConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	// mu serializes nonce assignment for the signer's account.
	mu sync.Mutex
}

// NewSubmitter creates a submitter. metrics may be nil.
func NewSubmitter(client ChainClient, signer Signer, cfg SubmitterConfig, logger *logging.Logger, m *metrics.Metrics) (*Submitter, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, errors.NewLedgerError(errors.OpBuildCall, errors.LedgerErrEncoding, "parse contract ABI", err)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.Configf("chain id must be positive")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Submitter{
		client:  client,
		signer:  signer,
		abi:     parsed,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}, nil
}

// From returns the account calls are submitted from.
func (s *Submitter) From() common.Address {
	return s.signer.Address()
}

// Submit packs, signs and broadcasts call and returns a SUBMITTED handle.
// Failures before broadcast (validation, signing, cancellation) leave no
// trace on the ledger.
func (s *Submitter) Submit(ctx context.Context, call *Call) (*TransactionHandle, error) {
	handle, err := s.submit(ctx, call)
	if err != nil {
		s.recordTx(call, StateRejectedBeforeBroadcast)
		return nil, err
	}
	s.recordTx(call, StateSubmitted)
	return handle, nil
}

func (s *Submitter) submit(ctx context.Context, call *Call) (*TransactionHandle, error) {
	if call == nil {
		return nil, errors.LedgerErrorf(errors.OpSubmit, errors.LedgerErrInvalidArguments, "nil call")
	}
	if _, ok := s.abi.Methods[call.Method]; !ok {
		return nil, errors.LedgerErrorf(errors.OpSubmit, errors.LedgerErrInvalidArguments, "unknown contract method %q", call.Method)
	}
	data, err := s.abi.Pack(call.Method, call.Args...)
	if err != nil {
		return nil, errors.NewLedgerError(errors.OpSubmit, errors.LedgerErrEncoding, "pack "+call.Method, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	from := s.signer.Address()
	nonce, err := s.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, errors.LedgerWrap(err, errors.OpSubmit, "fetch nonce")
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, errors.LedgerWrap(err, errors.OpSubmit, "suggest gas price")
	}

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.Target

	gas := s.cfg.GasLimit
	if gas == 0 {
		gas, err = s.client.EstimateGas(ctx, ethereum.CallMsg{
			From:     from,
			To:       &to,
			GasPrice: gasPrice,
			Value:    value,
			Data:     data,
		})
		if err != nil {
			return nil, classifyEstimateError(call.Method, err)
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})

	signed, err := s.signer.SignTx(ctx, tx, s.cfg.ChainID)
	if err != nil {
		if errors.Is(err, errors.ErrUserRejected) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errors.NewLedgerError(errors.OpSign, errors.LedgerErrEncoding, "sign "+call.Method, err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return nil, errors.LedgerWrap(err, errors.OpBroadcast, "broadcast "+call.Method)
	}

	handle := &TransactionHandle{
		Hash:        signed.Hash(),
		Method:      call.Method,
		Nonce:       nonce,
		State:       StateSubmitted,
		SubmittedAt: time.Now(),
	}
	s.logger.WithContext(ctx).Info("Ledger call broadcast",
		"method", call.Method,
		"tx_hash", handle.Hash.Hex(),
		"nonce", nonce,
		"gas", gas,
	)
	return handle, nil
}

// classifyEstimateError maps a failed gas estimate. An estimate that fails
// with a revert means the contract rejects the call as it stands.
func classifyEstimateError(method string, err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return errors.NewLedgerError(errors.OpSubmit, errors.LedgerErrReverted,
			method+" would revert: "+err.Error(), nil)
	}
	return errors.LedgerWrap(err, errors.OpSubmit, "estimate gas for "+method)
}

func (s *Submitter) recordTx(call *Call, state TxState) {
	if s.metrics == nil || call == nil {
		return
	}
	s.metrics.RecordLedgerTx(call.Method, string(state))
}
