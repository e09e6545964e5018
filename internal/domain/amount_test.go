package domain

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/invoicechain/pkg/errors"
)

func TestToFixedPoint(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"1000", "1000000000000000000000"},
		{"0.5", "500000000000000000"},
		{"1.000000000000000001", "1000000000000000001"},
		{" 42 ", "42000000000000000000"},
		{"0", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ToFixedPoint(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.String())
		})
	}
}

func TestToFixedPointRejects(t *testing.T) {
	for _, in := range []string{"0.0000000000000000001", "-1", "abc", ""} {
		t.Run(in, func(t *testing.T) {
			_, err := ToFixedPoint(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidArguments))
		})
	}
}

func TestFromFixedPoint(t *testing.T) {
	v, ok := new(big.Int).SetString("1500000000000000000", 10)
	require.True(t, ok)
	assert.Equal(t, "1.5", FromFixedPoint(v))
	assert.Equal(t, "0", FromFixedPoint(nil))

	back, err := ToFixedPoint(FromFixedPoint(v))
	require.NoError(t, err)
	assert.Equal(t, 0, back.Cmp(v))
}

func TestPercentToBps(t *testing.T) {
	cases := map[string]int64{
		"5.25":    525,
		"5.259":   525,
		"0.009":   0,
		"12":      1200,
		"100.009": 10000,
	}
	for in, want := range cases {
		got, err := PercentToBps(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"-1", "100.01", "1e17", "1e30", "184467440737095516.17"} {
		_, err := PercentToBps(in)
		assert.True(t, errors.Is(err, errors.ErrInvalidArguments), in)
	}

	got, err := PercentToBps("100")
	require.NoError(t, err)
	assert.Equal(t, int64(MaxRateBps), got)
}

func TestInvoiceDecode(t *testing.T) {
	raw := `{"id":"7","invoice_number":"INV-001","payee":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		"payer":"0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC","amount":1000,"status":"PENDING"}`

	var inv Invoice
	require.NoError(t, json.Unmarshal([]byte(raw), &inv))
	assert.Equal(t, "1000", inv.Amount.String())
	assert.Equal(t, InvoicePending, inv.Status)
	assert.True(t, inv.IsPayee("0x70997970c51812dc3a010c7d01b50e0d17dc79c8"))
	assert.False(t, inv.IsPayee("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"))
	assert.False(t, inv.IsPayer("not-an-address"))
	assert.Nil(t, inv.BatchID)
}

func TestBatchMembersIsCopy(t *testing.T) {
	b := &Batch{InvoiceNumbers: []string{"INV-001", "INV-002"}}
	m := b.Members()
	m[0] = "changed"
	assert.Equal(t, "INV-001", b.InvoiceNumbers[0])
}
