package exchange

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Convert-API order statuses.
const (
	swapStatusSuccess = "SUCCESS"
	swapStatusFail    = "FAIL"

	// swapPollInterval paces status polls; quotes are only valid for
	// about ten seconds so the whole accept-poll cycle stays tight.
	swapPollInterval = 1 * time.Second
	swapPollLimit    = 15
)

// SwapAdapter implements Adapter on the exchange's quote-then-accept
// convert API instead of spot market orders. Fees are embedded in the
// quoted ratio, so OrderResult.Fee is always zero here.
type SwapAdapter struct {
	rest *BinanceAdapter
}

// NewSwapAdapter wraps the REST adapter's signing transport.
func NewSwapAdapter(rest *BinanceAdapter) *SwapAdapter {
	return &SwapAdapter{rest: rest}
}

// Name implements Adapter.
func (s *SwapAdapter) Name() string { return s.rest.Name() + "_convert" }

type swapQuote struct {
	QuoteID        string `json:"quoteId"`
	Ratio          string `json:"ratio"`
	ToAmount       string `json:"toAmount"`
	ValidTimestamp int64  `json:"validTimestamp"`
}

type swapAccept struct {
	OrderID     string `json:"orderId"`
	OrderStatus string `json:"orderStatus"`
}

type swapStatus struct {
	OrderStatus string `json:"orderStatus"`
	FromAmount  string `json:"fromAmount"`
	ToAmount    string `json:"toAmount"`
	Ratio       string `json:"ratio"`
}

// convert runs the request-quote, accept-quote, poll-status sequence.
func (s *SwapAdapter) convert(ctx context.Context, fromAsset, toAsset string, fromAmount decimal.Decimal, clientID string) (*OrderResult, error) {
	query := url.Values{}
	query.Set("fromAsset", fromAsset)
	query.Set("toAsset", toAsset)
	query.Set("fromAmount", fromAmount.String())
	var quote swapQuote
	if err := s.rest.do(ctx, http.MethodPost, "/sapi/v1/convert/getQuote", query, true, &quote); err != nil {
		return nil, err
	}
	if quote.QuoteID == "" {
		return nil, errors.Wrapf(ErrBelowMinimum, "no quote for %s->%s of %s", fromAsset, toAsset, fromAmount)
	}
	if quote.ValidTimestamp > 0 && time.Now().UnixMilli() >= quote.ValidTimestamp {
		return nil, errors.Wrap(ErrQuoteExpired, "quote expired before accept")
	}

	accept := url.Values{}
	accept.Set("quoteId", quote.QuoteID)
	var order swapAccept
	if err := s.rest.do(ctx, http.MethodPost, "/sapi/v1/convert/acceptQuote", accept, true, &order); err != nil {
		return nil, err
	}
	if order.OrderStatus == swapStatusFail {
		return nil, errors.Wrapf(ErrQuoteExpired, "accept rejected for quote %s", quote.QuoteID)
	}

	for i := 0; i < swapPollLimit; i++ {
		statusQuery := url.Values{}
		statusQuery.Set("orderId", order.OrderID)
		var status swapStatus
		if err := s.rest.do(ctx, http.MethodGet, "/sapi/v1/convert/orderStatus", statusQuery, true, &status); err != nil {
			return nil, err
		}
		switch status.OrderStatus {
		case swapStatusSuccess:
			return swapResult(&status, order.OrderID)
		case swapStatusFail:
			return nil, errors.Errorf("exchange: convert order %s failed", order.OrderID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(swapPollInterval):
		}
	}
	return nil, errors.Errorf("exchange: convert order %s did not settle", order.OrderID)
}

func swapResult(status *swapStatus, orderID string) (*OrderResult, error) {
	from, err := decimal.NewFromString(status.FromAmount)
	if err != nil {
		return nil, errors.Wrap(err, "parse convert from amount")
	}
	to, err := decimal.NewFromString(status.ToAmount)
	if err != nil {
		return nil, errors.Wrap(err, "parse convert to amount")
	}
	ratio, err := decimal.NewFromString(status.Ratio)
	if err != nil {
		return nil, errors.Wrap(err, "parse convert ratio")
	}
	return &OrderResult{
		FilledQty:     from,
		QuoteReceived: to,
		AvgPrice:      ratio,
		OrderID:       orderID,
	}, nil
}

// MarketSell implements Adapter: convert base into quote.
func (s *SwapAdapter) MarketSell(ctx context.Context, pair string, qty decimal.Decimal, clientID string) (*OrderResult, error) {
	base, quote, err := splitPair(pair)
	if err != nil {
		return nil, err
	}
	return s.convert(ctx, base, quote, qty, clientID)
}

// MarketBuy implements Adapter: convert quote into base. The result is
// reshaped so FilledQty is base received, matching the spot adapter.
func (s *SwapAdapter) MarketBuy(ctx context.Context, pair string, quoteQty decimal.Decimal, clientID string) (*OrderResult, error) {
	base, quote, err := splitPair(pair)
	if err != nil {
		return nil, err
	}
	result, err := s.convert(ctx, quote, base, quoteQty, clientID)
	if err != nil {
		return nil, err
	}
	return &OrderResult{
		FilledQty:     result.QuoteReceived,
		QuoteReceived: result.FilledQty,
		AvgPrice:      result.AvgPrice,
		OrderID:       result.OrderID,
	}, nil
}

// Balance implements Adapter.
func (s *SwapAdapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return s.rest.Balance(ctx, asset)
}

// MinOrderRequirements implements Adapter. The convert API publishes no
// per-pair filters, so the spot pair's filters stand in.
func (s *SwapAdapter) MinOrderRequirements(ctx context.Context, pair string) (*MinOrder, error) {
	return s.rest.MinOrderRequirements(ctx, pair)
}

// Price implements Adapter.
func (s *SwapAdapter) Price(ctx context.Context, pair string) (decimal.Decimal, error) {
	return s.rest.Price(ctx, pair)
}

// splitPair separates a concatenated symbol into base and quote. Quote
// assets are matched against the short list this system trades.
func splitPair(pair string) (base, quote string, err error) {
	for _, q := range []string{"BTC", "USDT", "USDC"} {
		if len(pair) > len(q) && pair[len(pair)-len(q):] == q {
			return pair[:len(pair)-len(q)], q, nil
		}
	}
	return "", "", errors.Errorf("exchange: cannot split pair %q", pair)
}
