package portfolio

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func dec(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func assertDec(t *testing.T, want float64, got decimal.Decimal, msg ...any) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %v got %s %v", want, got.String(), msg)
}

// equityIdentity checks equity == cash + sum(qty * last).
func equityIdentity(t *testing.T, s Snapshot) {
	t.Helper()
	sum := s.Cash
	for sym, pos := range s.Positions {
		px, ok := s.LastPrices[sym]
		if !ok {
			px = pos.AveragePrice
		}
		sum = sum.Add(pos.Quantity.Mul(px))
	}
	assert.True(t, sum.Equal(s.Equity), "equity %s != cash+positions %s", s.Equity, sum)
}

func TestBuyThenPartialSell(t *testing.T) {
	p := New(10000)

	trade, err := p.Execute(Buy, "AAPL", 10, 100, t0)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assertDec(t, 9000, p.Cash())
	pos, ok := p.Position("AAPL")
	require.True(t, ok)
	assertDec(t, 10, pos.Quantity)
	assertDec(t, 100, pos.AveragePrice)

	trade, err = p.Execute(Sell, "AAPL", 5, 110, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, trade)
	assertDec(t, 9550, p.Cash())
	pos, _ = p.Position("AAPL")
	assertDec(t, 5, pos.Quantity)
	assertDec(t, 100, pos.AveragePrice)

	assert.Len(t, p.Trades(), 2)
	equityIdentity(t, p.Snapshot())
}

func TestBuyClipsToCash(t *testing.T) {
	p := New(1000)
	trade, err := p.Execute(Buy, "NVDA", 50, 300, t0)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assertDec(t, 3, trade.Quantity)
	assertDec(t, 100, p.Cash())
	assert.False(t, p.Cash().IsNegative())

	// 100 cash cannot buy a single 300 share.
	trade, err = p.Execute(Buy, "NVDA", 1, 300, t0)
	require.NoError(t, err)
	assert.Nil(t, trade)
	assert.Len(t, p.Trades(), 1)
}

func TestBuyClipNeverOverdrawsAfterFractionalFill(t *testing.T) {
	p := New(10000)
	_, err := p.Execute(Buy, "AAPL", 1e-17, 1, t0)
	require.NoError(t, err)
	require.True(t, p.Cash().LessThan(dec(10000)))

	trade, err := p.Execute(Buy, "AAPL", 100000, 1, t0)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assertDec(t, 9999, trade.Quantity)
	assert.False(t, p.Cash().IsNegative(), "cash %s", p.Cash())
	equityIdentity(t, p.Snapshot())
}

func TestAffordable(t *testing.T) {
	tests := []struct {
		cash, px string
		want     string
	}{
		{"1000", "300", "3"},
		{"900", "300", "3"},
		{"299.99", "300", "0"},
		{"9999.99999999999999999", "1", "9999"},
		{"0", "10", "0"},
	}
	for _, tt := range tests {
		got := Affordable(decimal.RequireFromString(tt.cash), decimal.RequireFromString(tt.px))
		assert.Equal(t, tt.want, got.String(), "%s / %s", tt.cash, tt.px)
	}
}

func TestSellClipsToHolding(t *testing.T) {
	p := New(10000)
	_, err := p.Execute(Buy, "MSFT", 4, 50, t0)
	require.NoError(t, err)

	trade, err := p.Execute(Sell, "MSFT", 10, 60, t0)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assertDec(t, 4, trade.Quantity)
	_, held := p.Position("MSFT")
	assert.False(t, held, "flat position is removed")
	assertDec(t, 10040, p.Cash())

	trade, err = p.Execute(Sell, "MSFT", 1, 60, t0)
	require.NoError(t, err)
	assert.Nil(t, trade, "no shorting")
}

func TestAveragePriceBlends(t *testing.T) {
	p := New(10000)
	_, _ = p.Execute(Buy, "SPY", 10, 100, t0)
	_, _ = p.Execute(Buy, "SPY", 10, 110, t0)
	pos, _ := p.Position("SPY")
	assertDec(t, 20, pos.Quantity)
	assertDec(t, 105, pos.AveragePrice)
}

func TestInvalidOrdersLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name  string
		side  Side
		sym   string
		qty   float64
		price float64
	}{
		{"zero quantity", Buy, "AAPL", 0, 100},
		{"negative quantity", Sell, "AAPL", -1, 100},
		{"zero price", Buy, "AAPL", 1, 0},
		{"negative price", Buy, "AAPL", 1, -5},
		{"empty symbol", Buy, " ", 1, 100},
		{"unknown side", Side("SHORT"), "AAPL", 1, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(10000)
			before := p.Snapshot()
			trade, err := p.Execute(tt.side, tt.sym, tt.qty, tt.price, t0)
			assert.ErrorIs(t, err, ErrInvalidOrder)
			assert.Nil(t, trade)
			assert.Equal(t, before, p.Snapshot())
		})
	}
}

func TestMarkToMarketKeepsEquityIdentity(t *testing.T) {
	p := New(10000)
	_, _ = p.Execute(Buy, "AAPL", 10, 100, t0)
	_, _ = p.Execute(Buy, "GOLD", 2, 2000, t0)
	cashBefore := p.Cash()

	eq := p.MarkToMarket("AAPL", 120)
	assertDec(t, 10000-1000-4000+1200+4000, eq)
	assert.True(t, cashBefore.Equal(p.Cash()), "marking never changes cash")

	prices := []map[string]float64{
		{"AAPL": 90, "GOLD": 1950.5},
		{"AAPL": 91.25},
		{"GOLD": 2100, "SPY": 500},
		{"AAPL": -1},
	}
	for _, px := range prices {
		p.MarkAll(px)
		equityIdentity(t, p.Snapshot())
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	p := New(10000)
	_, _ = p.Execute(Buy, "AAPL", 1, 100, t0)
	s := p.Snapshot()
	s.Positions["AAPL"] = Position{Symbol: "AAPL", Quantity: dec(999)}
	s.Trades[0].Symbol = "HACKED"

	pos, _ := p.Position("AAPL")
	assertDec(t, 1, pos.Quantity)
	assert.Equal(t, "AAPL", p.Trades()[0].Symbol)
}

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "portfolio.json"))

	p, restored, err := store.Open(10000)
	require.NoError(t, err)
	assert.False(t, restored)

	_, _ = p.Execute(Buy, "AAPL", 10, 100.25, t0)
	p.MarkToMarket("AAPL", 101.5)

	v1, err := store.Save(p, t0)
	require.NoError(t, err)
	v2, err := store.Save(p, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	again, restored, err := store.Open(10000)
	require.NoError(t, err)
	assert.True(t, restored)
	snap := again.Snapshot()
	assert.Equal(t, v2, snap.Version)
	assert.True(t, p.Cash().Equal(snap.Cash))
	assert.True(t, p.Equity().Equal(snap.Equity))
	assert.Len(t, snap.Trades, 1)
	equityIdentity(t, snap)
}
