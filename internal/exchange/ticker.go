package exchange

import (
	"context"

	"github.com/pkg/errors"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/rates"
)

// TickerSource feeds the rates service from the exchange's spot tickers.
// HBD has no listed market, so its USD leg uses the one-dollar peg; the
// drift is within the conversion fee margin.
type TickerSource struct {
	adapter  Adapter
	hivePair string
	btcPair  string
}

// NewTickerSource builds a TickerSource over the given adapter.
func NewTickerSource(adapter Adapter) *TickerSource {
	return &TickerSource{
		adapter:  adapter,
		hivePair: "HIVEUSDT",
		btcPair:  "BTCUSDT",
	}
}

// FetchQuote implements rates.Source.
func (t *TickerSource) FetchQuote(ctx context.Context) (rates.Quote, error) {
	hive, err := t.adapter.Price(ctx, t.hivePair)
	if err != nil {
		return rates.Quote{}, errors.Wrapf(err, "ticker %s", t.hivePair)
	}
	btc, err := t.adapter.Price(ctx, t.btcPair)
	if err != nil {
		return rates.Quote{}, errors.Wrapf(err, "ticker %s", t.btcPair)
	}
	if btc.IsZero() {
		return rates.Quote{}, errors.New("exchange: zero BTC price")
	}
	return rates.Quote{
		HiveUSD: hive.InexactFloat64(),
		HBDUSD:  1.0,
		BTCUSD:  btc.InexactFloat64(),
	}, nil
}
