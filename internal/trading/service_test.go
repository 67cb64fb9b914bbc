package trading

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qtosh1/btc-gateway/internal/database"
)

type fakeTradeStore struct {
	trades map[string]*database.Trade
	order  []string
	now    func() time.Time
}

func newFakeTradeStore(now func() time.Time) *fakeTradeStore {
	return &fakeTradeStore{trades: make(map[string]*database.Trade), now: now}
}

func (f *fakeTradeStore) InsertTrade(_ context.Context, t database.Trade) (*database.Trade, error) {
	t.Status = database.TradeStatusOpen
	t.CreatedAt = f.now()
	f.trades[t.ID] = &t
	f.order = append(f.order, t.ID)
	copied := t
	return &copied, nil
}

func (f *fakeTradeStore) GetTradeByID(_ context.Context, id string) (*database.Trade, error) {
	t, ok := f.trades[id]
	if !ok {
		return nil, nil
	}
	copied := *t
	return &copied, nil
}

func (f *fakeTradeStore) ListTradesByUser(_ context.Context, userID string) ([]database.Trade, error) {
	var result []database.Trade
	for _, id := range f.order {
		if f.trades[id].UserID == userID {
			result = append(result, *f.trades[id])
		}
	}
	return result, nil
}

func (f *fakeTradeStore) ListTrades(_ context.Context) ([]database.Trade, error) {
	var result []database.Trade
	for _, id := range f.order {
		result = append(result, *f.trades[id])
	}
	return result, nil
}

func (f *fakeTradeStore) NextDueTrade(_ context.Context) (*database.Trade, error) {
	for _, id := range f.order {
		t := f.trades[id]
		if t.Status == database.TradeStatusOpen && !t.ResolvesAt.After(f.now()) {
			copied := *t
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeTradeStore) ResolveTrade(_ context.Context, id, status string, closePrice, profit decimal.Decimal) (*database.Trade, error) {
	t, ok := f.trades[id]
	if !ok || t.Status != database.TradeStatusOpen {
		return nil, nil
	}
	t.Status = status
	t.ClosePrice = &closePrice
	t.Profit = &profit
	at := f.now()
	t.ResolvedAt = &at
	copied := *t
	return &copied, nil
}

type fakeBroadcaster struct {
	events []any
}

func (f *fakeBroadcaster) Broadcast(event any) {
	f.events = append(f.events, event)
}

func newTestService(t *testing.T, winProbability float64) (*Service, *fakeTradeStore, *fakeBroadcaster, *time.Time) {
	t.Helper()
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeTradeStore(func() time.Time { return current })
	hub := &fakeBroadcaster{}
	svc, err := NewService(store, hub, Config{
		WinProbability: winProbability,
		PayoutRate:     decimal.RequireFromString("0.85"),
	}, zap.NewNop())
	require.NoError(t, err)
	svc.now = func() time.Time { return current }
	return svc, store, hub, &current
}

func validRequest() PlaceRequest {
	return PlaceRequest{
		UserID:          "user-1",
		Symbol:          "btcusdt",
		Prediction:      "up",
		Amount:          decimal.NewFromInt(100),
		DurationSeconds: 60,
		OpenPrice:       decimal.NewFromInt(50000),
	}
}

func TestPlaceTradeValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t, 0.5)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*PlaceRequest)
	}{
		{"missing user", func(r *PlaceRequest) { r.UserID = " " }},
		{"missing symbol", func(r *PlaceRequest) { r.Symbol = "" }},
		{"bad prediction", func(r *PlaceRequest) { r.Prediction = "sideways" }},
		{"zero amount", func(r *PlaceRequest) { r.Amount = decimal.Zero }},
		{"duration too short", func(r *PlaceRequest) { r.DurationSeconds = 5 }},
		{"duration too long", func(r *PlaceRequest) { r.DurationSeconds = 90000 }},
		{"zero open price", func(r *PlaceRequest) { r.OpenPrice = decimal.Zero }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := svc.PlaceTrade(ctx, req)
			require.ErrorIs(t, err, ErrInvalidTrade)
		})
	}
}

func TestPlaceTradePersistsDueTime(t *testing.T) {
	svc, store, _, now := newTestService(t, 0.5)

	trade, err := svc.PlaceTrade(context.Background(), validRequest())
	require.NoError(t, err)

	require.Equal(t, database.TradeStatusOpen, trade.Status)
	require.Equal(t, "BTCUSDT", trade.Symbol)
	require.True(t, trade.ExpectedReturn.Equal(decimal.NewFromInt(85)), "expected return is amount x payout rate")
	require.Equal(t, now.Add(60*time.Second), trade.ResolvesAt)
	require.Len(t, store.trades, 1)
}

func TestResolveDueWin(t *testing.T) {
	svc, store, hub, now := newTestService(t, 1.0)
	ctx := context.Background()

	trade, err := svc.PlaceTrade(ctx, validRequest())
	require.NoError(t, err)

	// Not due yet: nothing resolves.
	resolved, err := svc.ResolveDue(ctx)
	require.NoError(t, err)
	require.Zero(t, resolved)

	*now = now.Add(61 * time.Second)
	resolved, err = svc.ResolveDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	row := store.trades[trade.ID]
	require.Equal(t, database.TradeStatusWon, row.Status)
	require.True(t, row.Profit.Equal(decimal.NewFromInt(85)))
	require.True(t, row.ClosePrice.GreaterThan(row.OpenPrice), "a won up-bet closes above the open price")
	require.NotNil(t, row.ResolvedAt)

	require.Len(t, hub.events, 1)
	event, ok := hub.events[0].(TradeResolvedEvent)
	require.True(t, ok)
	require.Equal(t, "trade_resolved", event.Type)
	require.Equal(t, trade.ID, event.Trade.ID)
}

func TestResolveDueLoss(t *testing.T) {
	svc, store, _, now := newTestService(t, 0.0)
	ctx := context.Background()

	trade, err := svc.PlaceTrade(ctx, validRequest())
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	resolved, err := svc.ResolveDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	row := store.trades[trade.ID]
	require.Equal(t, database.TradeStatusLost, row.Status)
	require.True(t, row.Profit.Equal(decimal.NewFromInt(-100)))
	require.True(t, row.ClosePrice.LessThan(row.OpenPrice), "a lost up-bet closes below the open price")
}

func TestResolveExactlyOnce(t *testing.T) {
	svc, _, hub, now := newTestService(t, 1.0)
	ctx := context.Background()

	_, err := svc.PlaceTrade(ctx, validRequest())
	require.NoError(t, err)

	*now = now.Add(2 * time.Minute)
	resolved, err := svc.ResolveDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	// The terminal transition is irreversible and never fires twice.
	resolved, err = svc.ResolveDue(ctx)
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Len(t, hub.events, 1)
}

func TestResolveDueMultiple(t *testing.T) {
	svc, _, hub, now := newTestService(t, 1.0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.PlaceTrade(ctx, validRequest())
		require.NoError(t, err)
	}

	*now = now.Add(2 * time.Minute)
	resolved, err := svc.ResolveDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, resolved)
	require.Len(t, hub.events, 3)
}
