package deposit

import (
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/database"
	"github.com/qtosh1/btc-gateway/internal/explorer"
	"github.com/qtosh1/btc-gateway/internal/hdwallet"
)

const testEth = "0xabcdef0000000000000000000000000000001234"

type fakeStore struct {
	users  map[string]*database.User
	txs    map[string]*database.Transaction
	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: make(map[string]*database.User),
		txs:   make(map[string]*database.Transaction),
	}
}

func (f *fakeStore) GetUserByEthAddress(_ context.Context, eth string) (*database.User, error) {
	u, ok := f.users[eth]
	if !ok {
		return nil, nil
	}
	copied := *u
	return &copied, nil
}

func (f *fakeStore) UpsertUser(_ context.Context, eth, btc string) (*database.User, error) {
	if existing, ok := f.users[eth]; ok {
		copied := *existing
		return &copied, nil
	}
	f.nextID++
	u := &database.User{
		ID:          f.nextID,
		EthAddress:  eth,
		BtcAddress:  btc,
		BtcBalance:  decimal.Zero,
		CreatedAt:   time.Now(),
		LastUpdated: time.Now(),
	}
	f.users[eth] = u
	copied := *u
	return &copied, nil
}

func (f *fakeStore) GetTransactionByHash(_ context.Context, hash string) (*database.Transaction, error) {
	tx, ok := f.txs[hash]
	if !ok {
		return nil, nil
	}
	copied := *tx
	return &copied, nil
}

func (f *fakeStore) RecordTransaction(_ context.Context, params database.RecordTransactionParams) (*database.Transaction, error) {
	if existing, ok := f.txs[params.TxHash]; ok {
		copied := *existing
		return &copied, nil
	}
	f.nextID++
	tx := &database.Transaction{
		ID:            f.nextID,
		EthAddress:    params.EthAddress,
		BtcAddress:    params.BtcAddress,
		TxHash:        params.TxHash,
		Amount:        params.Amount,
		Confirmations: params.Confirmations,
		BlockHeight:   params.BlockHeight,
		Status:        params.Status,
		CreatedAt:     time.Now(),
	}
	f.txs[params.TxHash] = tx
	copied := *tx
	return &copied, nil
}

func (f *fakeStore) UpdateTransactionStatus(_ context.Context, hash, status string, confirmations int, blockHeight *int64) error {
	if tx, ok := f.txs[hash]; ok {
		tx.Status = status
		tx.Confirmations = confirmations
		if blockHeight != nil {
			tx.BlockHeight = blockHeight
		}
	}
	return nil
}

func (f *fakeStore) UpdateBalance(_ context.Context, eth string, balance decimal.Decimal) error {
	if u, ok := f.users[eth]; ok {
		u.BtcBalance = balance
		u.LastUpdated = time.Now()
	}
	return nil
}

func (f *fakeStore) ListTransactionsByEthAddress(_ context.Context, eth string) ([]database.Transaction, error) {
	var result []database.Transaction
	for _, tx := range f.txs {
		if tx.EthAddress == eth {
			result = append(result, *tx)
		}
	}
	return result, nil
}

type fakeExplorer struct {
	info *explorer.AddressInfo
	txs  []explorer.Tx
	err  error
}

func (f *fakeExplorer) GetAddressInfo(context.Context, string) (*explorer.AddressInfo, error) {
	return f.info, f.err
}

func (f *fakeExplorer) GetAddressTxs(context.Context, string) ([]explorer.Tx, error) {
	return f.txs, f.err
}

func (f *fakeExplorer) GetTransactionConfirmations(context.Context, string) int64 {
	return 0
}

func newTestService(t *testing.T, store *fakeStore, exp *fakeExplorer) *Service {
	t.Helper()
	deriver, err := hdwallet.NewDeriver([]byte("0123456789abcdef0123456789abcdef"), &chaincfg.MainNetParams)
	require.NoError(t, err)
	svc, err := NewService(deriver, exp, store, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func heightPtr(h int64) *int64 { return &h }

func TestGenerateAddressIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(t, store, &fakeExplorer{})
	ctx := context.Background()

	first, err := svc.GenerateAddress(ctx, "0xABCDEF0000000000000000000000000000001234")
	require.NoError(t, err)
	second, err := svc.GenerateAddress(ctx, testEth)
	require.NoError(t, err)

	require.Equal(t, first.User.BtcAddress, second.User.BtcAddress)
	require.Equal(t, first.DerivationPath, second.DerivationPath)
	require.Len(t, store.users, 1, "exactly one mapping row")
	require.Equal(t, testEth, first.User.EthAddress, "eth address is lowercase-normalized")
}

func TestCheckDepositRequiresMapping(t *testing.T) {
	svc := newTestService(t, newFakeStore(), &fakeExplorer{})

	_, err := svc.CheckDeposit(context.Background(), testEth)
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestCheckDepositRecordsOnlyUserOutputs(t *testing.T) {
	store := newFakeStore()
	exp := &fakeExplorer{}
	svc := newTestService(t, store, exp)
	ctx := context.Background()

	gen, err := svc.GenerateAddress(ctx, testEth)
	require.NoError(t, err)
	btcAddr := gen.User.BtcAddress

	exp.info = &explorer.AddressInfo{
		Address:        btcAddr,
		FundedSatoshis: 70000,
		SpentSatoshis:  0,
		TxCount:        1,
	}
	exp.txs = []explorer.Tx{{
		TxID: "aa11",
		Vout: []explorer.Vout{
			{ScriptPubKeyAddress: btcAddr, Value: 50000},
			{ScriptPubKeyAddress: btcAddr, Value: 20000},
			{ScriptPubKeyAddress: "1ignoredChangeAddress", Value: 99999},
		},
		Status: explorer.TxStatus{Confirmed: true, BlockHeight: heightPtr(800000)},
	}}

	status, err := svc.CheckDeposit(ctx, testEth)
	require.NoError(t, err)

	require.True(t, status.Balance.Equal(decimal.RequireFromString("0.0007")))
	require.Len(t, status.RecentTransactions, 1)
	row := status.RecentTransactions[0]
	require.True(t, row.Amount.Equal(decimal.RequireFromString("0.0007")), "only outputs paying the user are summed")
	require.Equal(t, database.TxStatusConfirmed, row.Status)
	require.Equal(t, 6, row.Confirmations)

	require.True(t, store.users[testEth].BtcBalance.Equal(decimal.RequireFromString("0.0007")))
}

func TestCheckDepositIdempotentOnTxHash(t *testing.T) {
	store := newFakeStore()
	exp := &fakeExplorer{}
	svc := newTestService(t, store, exp)
	ctx := context.Background()

	gen, err := svc.GenerateAddress(ctx, testEth)
	require.NoError(t, err)

	exp.info = &explorer.AddressInfo{FundedSatoshis: 50000}
	exp.txs = []explorer.Tx{{
		TxID:   "aa11",
		Vout:   []explorer.Vout{{ScriptPubKeyAddress: gen.User.BtcAddress, Value: 50000}},
		Status: explorer.TxStatus{Confirmed: true, BlockHeight: heightPtr(800000)},
	}}

	_, err = svc.CheckDeposit(ctx, testEth)
	require.NoError(t, err)
	_, err = svc.CheckDeposit(ctx, testEth)
	require.NoError(t, err)

	require.Len(t, store.txs, 1, "re-reconciling the same tx hash must not duplicate the row")
}

func TestCheckDepositPromotesPendingToConfirmed(t *testing.T) {
	store := newFakeStore()
	exp := &fakeExplorer{}
	svc := newTestService(t, store, exp)
	ctx := context.Background()

	gen, err := svc.GenerateAddress(ctx, testEth)
	require.NoError(t, err)

	exp.info = &explorer.AddressInfo{FundedSatoshis: 50000}
	exp.txs = []explorer.Tx{{
		TxID:   "aa11",
		Vout:   []explorer.Vout{{ScriptPubKeyAddress: gen.User.BtcAddress, Value: 50000}},
		Status: explorer.TxStatus{Confirmed: false},
	}}

	status, err := svc.CheckDeposit(ctx, testEth)
	require.NoError(t, err)
	require.Equal(t, database.TxStatusPending, status.RecentTransactions[0].Status)
	require.Equal(t, 0, status.RecentTransactions[0].Confirmations)

	exp.txs[0].Status = explorer.TxStatus{Confirmed: true, BlockHeight: heightPtr(800001)}

	status, err = svc.CheckDeposit(ctx, testEth)
	require.NoError(t, err)
	require.Equal(t, database.TxStatusConfirmed, status.RecentTransactions[0].Status)
	require.Equal(t, 6, status.RecentTransactions[0].Confirmations)
	require.Len(t, store.txs, 1)
}

func TestCheckDepositBoundedWindow(t *testing.T) {
	store := newFakeStore()
	exp := &fakeExplorer{}
	svc := newTestService(t, store, exp)
	ctx := context.Background()

	gen, err := svc.GenerateAddress(ctx, testEth)
	require.NoError(t, err)

	exp.info = &explorer.AddressInfo{FundedSatoshis: 7000}
	for i := 0; i < 7; i++ {
		exp.txs = append(exp.txs, explorer.Tx{
			TxID:   string(rune('a'+i)) + "000",
			Vout:   []explorer.Vout{{ScriptPubKeyAddress: gen.User.BtcAddress, Value: 1000}},
			Status: explorer.TxStatus{Confirmed: true, BlockHeight: heightPtr(800000)},
		})
	}

	_, err = svc.CheckDeposit(ctx, testEth)
	require.NoError(t, err)
	require.Len(t, store.txs, 5, "only the most recent window is reconciled")
}

func TestCheckDepositPropagatesExplorerFailure(t *testing.T) {
	store := newFakeStore()
	exp := &fakeExplorer{}
	svc := newTestService(t, store, exp)
	ctx := context.Background()

	_, err := svc.GenerateAddress(ctx, testEth)
	require.NoError(t, err)

	exp.err = &explorer.Error{Op: "address info", Err: context.DeadlineExceeded}
	_, err = svc.CheckDeposit(ctx, testEth)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUserNotFound)
}
