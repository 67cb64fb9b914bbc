package withdraw

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/database"
)

const (
	testEth = "0xabcdef0000000000000000000000000000001234"
	testBtc = "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"
)

type fakeStore struct {
	user *database.User
	txs  []database.RecordTransactionParams
}

func (f *fakeStore) GetUserByEthAddress(_ context.Context, eth string) (*database.User, error) {
	if f.user == nil || f.user.EthAddress != eth {
		return nil, nil
	}
	copied := *f.user
	return &copied, nil
}

func (f *fakeStore) UpdateBalance(_ context.Context, eth string, balance decimal.Decimal) error {
	if f.user != nil && f.user.EthAddress == eth {
		f.user.BtcBalance = balance
	}
	return nil
}

func (f *fakeStore) RecordTransaction(_ context.Context, params database.RecordTransactionParams) (*database.Transaction, error) {
	f.txs = append(f.txs, params)
	return &database.Transaction{
		TxHash: params.TxHash,
		Amount: params.Amount,
		Status: params.Status,
	}, nil
}

type fakeValidator struct {
	valid bool
}

func (f fakeValidator) ValidateAddress(string) bool { return f.valid }

func newTestService(t *testing.T, store *fakeStore, failureRate float64) *Service {
	t.Helper()
	svc, err := NewService(store, fakeValidator{valid: true}, failureRate, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func storeWithBalance(balance string) *fakeStore {
	return &fakeStore{user: &database.User{
		ID:          1,
		EthAddress:  testEth,
		BtcAddress:  "1depositAddr",
		BtcBalance:  decimal.RequireFromString(balance),
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}}
}

func TestWithdrawRejectsInvalidAddress(t *testing.T) {
	store := storeWithBalance("1")
	svc, err := NewService(store, fakeValidator{valid: false}, 0, zap.NewNop())
	require.NoError(t, err)

	_, err = svc.Withdraw(context.Background(), testEth, "garbage", decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, ErrInvalidAddress)
	require.Empty(t, store.txs)
}

func TestWithdrawAmountBounds(t *testing.T) {
	svc := newTestService(t, storeWithBalance("1"), 0)
	ctx := context.Background()

	// Just below the minimum is rejected.
	_, err := svc.Withdraw(ctx, testEth, testBtc, decimal.RequireFromString("0.000009999"))
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	// Exactly the minimum succeeds.
	receipt, err := svc.Withdraw(ctx, testEth, testBtc, MinAmount)
	require.NoError(t, err)
	require.True(t, receipt.NewBalance.Equal(decimal.RequireFromString("0.99999")))

	// Above the maximum is rejected.
	_, err = svc.Withdraw(ctx, testEth, testBtc, decimal.RequireFromString("100.00000001"))
	require.ErrorIs(t, err, ErrAmountOutOfRange)

	// Exactly the maximum passes range validation; the balance check is a
	// separate, later step.
	_, err = svc.Withdraw(ctx, testEth, testBtc, MaxAmount)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestWithdrawUnknownUser(t *testing.T) {
	svc := newTestService(t, &fakeStore{}, 0)

	_, err := svc.Withdraw(context.Background(), testEth, testBtc, decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestWithdrawNeverOverdraws(t *testing.T) {
	store := storeWithBalance("0.4")
	svc := newTestService(t, store, 0)

	_, err := svc.Withdraw(context.Background(), testEth, testBtc, decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.True(t, store.user.BtcBalance.Equal(decimal.RequireFromString("0.4")), "balance untouched on rejection")
	require.Empty(t, store.txs)
}

func TestWithdrawInjectedFailureLeavesBalanceIntact(t *testing.T) {
	store := storeWithBalance("1")
	svc := newTestService(t, store, 0.5)
	svc.roll = func() float64 { return 0.1 } // below the failure rate

	_, err := svc.Withdraw(context.Background(), testEth, testBtc, decimal.RequireFromString("0.5"))
	require.ErrorIs(t, err, ErrNetworkFailure)
	require.True(t, store.user.BtcBalance.Equal(decimal.NewFromInt(1)))
	require.Empty(t, store.txs)
}

func TestWithdrawSuccess(t *testing.T) {
	store := storeWithBalance("1")
	svc := newTestService(t, store, 0.5)
	svc.roll = func() float64 { return 0.9 } // above the failure rate

	receipt, err := svc.Withdraw(context.Background(), testEth, testBtc, decimal.RequireFromString("0.25"))
	require.NoError(t, err)

	require.True(t, receipt.NewBalance.Equal(decimal.RequireFromString("0.75")))
	require.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), receipt.TransactionHash)

	require.True(t, store.user.BtcBalance.Equal(decimal.RequireFromString("0.75")))
	require.Len(t, store.txs, 1)
	require.True(t, store.txs[0].Amount.Equal(decimal.RequireFromString("-0.25")), "withdrawals are recorded as negative amounts")
	require.Equal(t, database.TxStatusPending, store.txs[0].Status)
}

func TestNewServiceRejectsBadFailureRate(t *testing.T) {
	_, err := NewService(&fakeStore{}, fakeValidator{valid: true}, 1.0, zap.NewNop())
	require.Error(t, err)
}
