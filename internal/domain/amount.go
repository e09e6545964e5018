// internal/domain/amount.go
package domain

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

// Decimals is the fixed-point precision of every amount crossing the ledger
// boundary.
const Decimals = 18

// MaxRateBps caps interest rates at 100% a year.
const MaxRateBps = 10000

var hundred = decimal.NewFromInt(100)

// ToFixedPoint converts a decimal amount string into an 18-decimal integer.
// Amounts that need more than 18 fractional digits are rejected, never rounded.
func ToFixedPoint(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, errors.LedgerErrorf(errors.OpBuildCall, errors.LedgerErrInvalidArguments, "amount %q is not a decimal number", amount)
	}
	return FixedPoint(d)
}

// FixedPoint is ToFixedPoint for an already parsed decimal.
func FixedPoint(d decimal.Decimal) (*big.Int, error) {
	if d.IsNegative() {
		return nil, errors.LedgerErrorf(errors.OpBuildCall, errors.LedgerErrInvalidArguments, "amount %s is negative", d)
	}
	scaled := d.Shift(Decimals)
	if !scaled.IsInteger() {
		return nil, errors.LedgerErrorf(errors.OpBuildCall, errors.LedgerErrInvalidArguments,
			"amount %s has more than %d fractional digits", d, Decimals)
	}
	return scaled.BigInt(), nil
}

// FromFixedPoint renders an 18-decimal integer as a decimal string.
func FromFixedPoint(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -Decimals).String()
}

// PercentToBps converts a percentage such as "5.25" into basis points by
// multiplying by 100 and truncating toward zero. Rates above MaxRateBps are
// rejected before the int64 conversion, so nothing can wrap.
func PercentToBps(rate string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(rate))
	if err != nil {
		return 0, errors.LedgerErrorf(errors.OpBuildCall, errors.LedgerErrInvalidArguments, "interest rate %q is not a decimal number", rate)
	}
	if d.IsNegative() {
		return 0, errors.LedgerErrorf(errors.OpBuildCall, errors.LedgerErrInvalidArguments, "interest rate %s is negative", d)
	}
	bps := d.Mul(hundred).Truncate(0)
	if bps.GreaterThan(decimal.NewFromInt(MaxRateBps)) {
		return 0, errors.LedgerErrorf(errors.OpBuildCall, errors.LedgerErrInvalidArguments,
			"interest rate %s%% is above %d bps", d, MaxRateBps)
	}
	return bps.IntPart(), nil
}
