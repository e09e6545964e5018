// internal/ledger/reader.go
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// ContractCaller runs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Reader answers view calls against the contract. The ledger is the source
// of truth when the backend index and the ledger disagree.
type Reader struct {
	client   ContractCaller
	contract common.Address
	abi      abi.ABI
}

// NewReader creates a reader for contract.
func NewReader(client ContractCaller, contract common.Address) (*Reader, error) {
	parsed, err := ParsedABI()
	if err != nil {
		return nil, errors.NewLedgerError(errors.OpReadInvoice, errors.LedgerErrEncoding, "parse contract ABI", err)
	}
	return &Reader{client: client, contract: contract, abi: parsed}, nil
}

func (r *Reader) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, errors.NewLedgerError(errors.OpReadInvoice, errors.LedgerErrEncoding, "pack "+method, err)
	}
	to := r.contract
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.LedgerWrap(err, errors.OpReadInvoice, method)
	}
	values, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, errors.NewLedgerError(errors.OpReadInvoice, errors.LedgerErrEncoding, "unpack "+method, err)
	}
	if len(values) == 0 {
		return nil, errors.NewLedgerError(errors.OpReadInvoice, errors.LedgerErrEncoding, method+" returned nothing", nil)
	}
	return values, nil
}

// GetInvoice reads an invoice by number. checkValid asks the contract to
// revert for invoices it no longer considers valid.
func (r *Reader) GetInvoice(ctx context.Context, invoiceNumber string, checkValid bool) (*OnchainInvoice, error) {
	values, err := r.call(ctx, MethodGetInvoice, invoiceNumber, checkValid)
	if err != nil {
		return nil, err
	}
	inv := *abi.ConvertType(values[0], new(OnchainInvoice)).(*OnchainInvoice)
	return &inv, nil
}

// GetUserInvoices lists the invoice numbers an address takes part in.
func (r *Reader) GetUserInvoices(ctx context.Context, user common.Address) ([]string, error) {
	values, err := r.call(ctx, MethodGetUserInvoices, user)
	if err != nil {
		return nil, err
	}
	numbers, ok := values[0].([]string)
	if !ok {
		return nil, errors.NewLedgerError(errors.OpReadInvoice, errors.LedgerErrEncoding, "getUserInvoices returned an unexpected type", nil)
	}
	return numbers, nil
}
