// Package exchange accumulates sub-minimum conversion amounts into a
// persistent pending pool and trades the net position once an exchange's
// lot-size and notional minima are both cleared.
package exchange

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Direction is the side of a pending pool.
type Direction string

const (
	SellBaseForQuote Direction = "sell_base_for_quote"
	BuyBaseWithQuote Direction = "buy_base_with_quote"
)

// Sentinel errors from adapters. ErrBelowMinimum and ErrQuoteExpired are
// rejections the rebalancer absorbs; ErrConnection means thresholds could
// not be refreshed and cached values apply.
var (
	ErrBelowMinimum = errors.New("exchange: order below minimum")
	ErrQuoteExpired = errors.New("exchange: quote expired")
	ErrConnection   = errors.New("exchange: connection failure")
)

// OrderResult is the outcome of an executed market order or accepted
// quote. Quantities are in the pair's natural units.
type OrderResult struct {
	FilledQty     decimal.Decimal
	QuoteReceived decimal.Decimal
	AvgPrice      decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	OrderID       string
}

// MinOrder is a pair's exchange-imposed minimum lot size and notional.
type MinOrder struct {
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Adapter is the exchange surface the rebalancer trades through.
type Adapter interface {
	// Name identifies the exchange in pending rows and ledger subs.
	Name() string

	// MarketSell sells qty of base for quote at market.
	MarketSell(ctx context.Context, pair string, qty decimal.Decimal, clientID string) (*OrderResult, error)

	// MarketBuy spends quoteQty of quote buying base at market.
	MarketBuy(ctx context.Context, pair string, quoteQty decimal.Decimal, clientID string) (*OrderResult, error)

	// Balance returns the free balance of one asset.
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)

	// MinOrderRequirements returns the pair's current minima.
	MinOrderRequirements(ctx context.Context, pair string) (*MinOrder, error)

	// Price returns the pair's last traded price.
	Price(ctx context.Context, pair string) (decimal.Decimal, error)
}
