package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrInvalidOrder is returned for orders rejected before any state change.
var ErrInvalidOrder = errors.New("invalid order")

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Origin tags where a trade came from.
const (
	OriginAuto     = "auto"
	OriginManual   = "manual"
	OriginBacktest = "backtest"
)

// Position is the holding in one symbol. A symbol with zero quantity has no Position.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

// Trade is one executed fill.
type Trade struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Origin    string          `json:"origin"`
}

// Notional returns quantity x price.
func (t Trade) Notional() decimal.Decimal { return t.Quantity.Mul(t.Price) }

// Order is a requested execution.
type Order struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Origin   string  `json:"origin,omitempty"`
}

// Validate checks an order without touching any portfolio.
func (o Order) Validate() error {
	if strings.TrimSpace(o.Symbol) == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidOrder)
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOrder, o.Side)
	}
	if !(o.Quantity > 0) {
		return fmt.Errorf("%w: quantity must be positive, got %v", ErrInvalidOrder, o.Quantity)
	}
	if !(o.Price > 0) {
		return fmt.Errorf("%w: price must be positive, got %v", ErrInvalidOrder, o.Price)
	}
	return nil
}

// Snapshot is a deep copy of the portfolio at one instant.
type Snapshot struct {
	Version     int64                      `json:"version"`
	UpdatedAt   time.Time                  `json:"updated_at"`
	InitialCash decimal.Decimal            `json:"initial_cash"`
	Cash        decimal.Decimal            `json:"cash"`
	Equity      decimal.Decimal            `json:"equity"`
	Positions   map[string]Position        `json:"positions"`
	LastPrices  map[string]decimal.Decimal `json:"last_prices"`
	Trades      []Trade                    `json:"trades"`
}

// Symbols returns held symbols in sorted order.
func (s Snapshot) Symbols() []string {
	out := make([]string, 0, len(s.Positions))
	for sym := range s.Positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Portfolio is the virtual account. Mutations go through Execute and the
// mark-to-market calls; readers take Snapshots.
type Portfolio struct {
	mu          sync.RWMutex
	initialCash decimal.Decimal
	cash        decimal.Decimal
	equity      decimal.Decimal
	positions   map[string]Position
	lastPrices  map[string]decimal.Decimal
	trades      []Trade
	version     int64
	updatedAt   time.Time
	newID       func() string
}

func New(initialCash float64) *Portfolio {
	cash := decimal.NewFromFloat(initialCash)
	return &Portfolio{
		initialCash: cash,
		cash:        cash,
		equity:      cash,
		positions:   make(map[string]Position),
		lastPrices:  make(map[string]decimal.Decimal),
		newID:       uuid.NewString,
	}
}

// Restore rebuilds a portfolio from a persisted snapshot.
func Restore(s Snapshot) *Portfolio {
	p := &Portfolio{
		initialCash: s.InitialCash,
		cash:        s.Cash,
		positions:   make(map[string]Position, len(s.Positions)),
		lastPrices:  make(map[string]decimal.Decimal, len(s.LastPrices)),
		trades:      append([]Trade(nil), s.Trades...),
		version:     s.Version,
		updatedAt:   s.UpdatedAt,
		newID:       uuid.NewString,
	}
	for sym, pos := range s.Positions {
		if pos.Quantity.IsPositive() {
			p.positions[sym] = pos
		}
	}
	for sym, px := range s.LastPrices {
		p.lastPrices[sym] = px
	}
	p.recomputeEquity()
	return p
}

// Execute applies an order at price. BUY quantity is clipped to what cash can
// pay for (whole units); SELL quantity is clipped to the holding. A clip to
// zero is a no-op and returns a nil trade with no error.
func (p *Portfolio) Execute(side Side, symbol string, quantity, price float64, at time.Time) (*Trade, error) {
	return p.ExecuteOrder(Order{Symbol: symbol, Side: side, Quantity: quantity, Price: price}, at)
}

// ExecuteOrder is Execute for a prepared Order.
func (p *Portfolio) ExecuteOrder(o Order, at time.Time) (*Trade, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	symbol := strings.ToUpper(strings.TrimSpace(o.Symbol))
	qty := decimal.NewFromFloat(o.Quantity)
	px := decimal.NewFromFloat(o.Price)
	origin := o.Origin
	if origin == "" {
		origin = OriginManual
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch o.Side {
	case Buy:
		if p.cash.LessThan(qty.Mul(px)) {
			qty = Affordable(p.cash, px)
		}
		if !qty.IsPositive() {
			return nil, nil
		}
		cost := qty.Mul(px)
		pos := p.positions[symbol]
		newQty := pos.Quantity.Add(qty)
		pos.AveragePrice = pos.Quantity.Mul(pos.AveragePrice).Add(cost).Div(newQty)
		pos.Quantity = newQty
		pos.Symbol = symbol
		p.positions[symbol] = pos
		p.cash = p.cash.Sub(cost)

	case Sell:
		pos, ok := p.positions[symbol]
		if !ok || !pos.Quantity.IsPositive() {
			return nil, nil
		}
		if qty.GreaterThan(pos.Quantity) {
			qty = pos.Quantity
		}
		pos.Quantity = pos.Quantity.Sub(qty)
		if pos.Quantity.IsZero() {
			delete(p.positions, symbol)
		} else {
			p.positions[symbol] = pos
		}
		p.cash = p.cash.Add(qty.Mul(px))
	}

	trade := Trade{
		ID:        p.newID(),
		Timestamp: at.UTC(),
		Symbol:    symbol,
		Side:      o.Side,
		Quantity:  qty,
		Price:     px,
		Origin:    origin,
	}
	p.trades = append(p.trades, trade)
	p.lastPrices[symbol] = px
	p.recomputeEquity()
	p.touch(at)
	return &trade, nil
}

// Affordable is the largest whole quantity whose cost at px does not exceed
// cash. The quotient is truncated exactly; Div would round to 16 places first.
func Affordable(cash, px decimal.Decimal) decimal.Decimal {
	if !cash.IsPositive() || !px.IsPositive() {
		return decimal.Zero
	}
	q, _ := cash.QuoRem(px, 0)
	for q.IsPositive() && q.Mul(px).GreaterThan(cash) {
		q = q.Sub(decimal.NewFromInt(1))
	}
	return q
}

// MarkToMarket records the latest price for symbol and recomputes equity.
func (p *Portfolio) MarkToMarket(symbol string, price float64) decimal.Decimal {
	return p.MarkAll(map[string]float64{symbol: price})
}

// MarkAll records several prices at once. Non-positive prices are ignored.
func (p *Portfolio) MarkAll(prices map[string]float64) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sym, px := range prices {
		if px > 0 {
			p.lastPrices[strings.ToUpper(sym)] = decimal.NewFromFloat(px)
		}
	}
	p.recomputeEquity()
	return p.equity
}

// recomputeEquity requires p.mu held. A position without a mark is valued at
// its average price.
func (p *Portfolio) recomputeEquity() {
	eq := p.cash
	for sym, pos := range p.positions {
		px, ok := p.lastPrices[sym]
		if !ok {
			px = pos.AveragePrice
		}
		eq = eq.Add(pos.Quantity.Mul(px))
	}
	p.equity = eq
}

func (p *Portfolio) touch(at time.Time) {
	p.updatedAt = at.UTC()
}

func (p *Portfolio) Cash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

func (p *Portfolio) Equity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.equity
}

func (p *Portfolio) InitialCash() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialCash
}

// Position returns the holding for symbol.
func (p *Portfolio) Position(symbol string) (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[strings.ToUpper(symbol)]
	return pos, ok
}

// Trades returns a copy of the trade ledger.
func (p *Portfolio) Trades() []Trade {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Trade(nil), p.trades...)
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (p *Portfolio) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{
		Version:     p.version,
		UpdatedAt:   p.updatedAt,
		InitialCash: p.initialCash,
		Cash:        p.cash,
		Equity:      p.equity,
		Positions:   make(map[string]Position, len(p.positions)),
		LastPrices:  make(map[string]decimal.Decimal, len(p.lastPrices)),
		Trades:      append([]Trade(nil), p.trades...),
	}
	for sym, pos := range p.positions {
		s.Positions[sym] = pos
	}
	for sym, px := range p.lastPrices {
		s.LastPrices[sym] = px
	}
	return s
}

// bumpVersion is called by the Store after a successful save.
func (p *Portfolio) bumpVersion(at time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version++
	p.updatedAt = at.UTC()
	return p.version
}
