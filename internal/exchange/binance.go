package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// RESTTimeout is the deadline on every exchange REST call.
const RESTTimeout = 15 * time.Second

// BinanceAdapter implements Adapter against the Binance spot REST API
// with HMAC-SHA256 request signing.
type BinanceAdapter struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	HTTP      *http.Client

	now func() time.Time
}

// NewBinanceAdapter builds an adapter for the given credentials. baseURL
// defaults to the production endpoint when empty.
func NewBinanceAdapter(baseURL, apiKey, secretKey string) *BinanceAdapter {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	return &BinanceAdapter{
		BaseURL:   baseURL,
		APIKey:    apiKey,
		SecretKey: secretKey,
		HTTP:      &http.Client{Timeout: RESTTimeout},
		now:       time.Now,
	}
}

// Name implements Adapter.
func (b *BinanceAdapter) Name() string { return "binance" }

func (b *BinanceAdapter) sign(query url.Values) string {
	query.Set("timestamp", fmt.Sprintf("%d", b.now().UnixMilli()))
	mac := hmac.New(sha256.New, []byte(b.SecretKey))
	mac.Write([]byte(query.Encode()))
	query.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return query.Encode()
}

type binanceError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (b *BinanceAdapter) do(ctx context.Context, method, path string, query url.Values, signed bool, out any) error {
	ctx, cancel := context.WithTimeout(ctx, RESTTimeout)
	defer cancel()

	raw := query.Encode()
	if signed {
		raw = b.sign(query)
	}
	endpoint := b.BaseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if raw != "" {
			endpoint += "?" + raw
		}
	} else {
		body = strings.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return errors.Wrap(err, "build exchange request")
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if b.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", b.APIKey)
	}

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(ErrConnection, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(ErrConnection, "read %s response: %v", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr binanceError
		if json.Unmarshal(payload, &apiErr) == nil && apiErr.Message != "" {
			// -1013 covers LOT_SIZE and MIN_NOTIONAL filter rejections.
			if apiErr.Code == -1013 {
				return errors.Wrapf(ErrBelowMinimum, "%s", apiErr.Message)
			}
			return errors.Errorf("exchange: %s (%d)", apiErr.Message, apiErr.Code)
		}
		return errors.Errorf("exchange: %s returned %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return errors.Wrapf(err, "decode %s response", path)
		}
	}
	return nil
}

type binanceOrder struct {
	OrderID             int64  `json:"orderId"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func (o *binanceOrder) toResult() (*OrderResult, error) {
	filled, err := decimal.NewFromString(o.ExecutedQty)
	if err != nil {
		return nil, errors.Wrap(err, "parse executed qty")
	}
	quote, err := decimal.NewFromString(o.CummulativeQuoteQty)
	if err != nil {
		return nil, errors.Wrap(err, "parse quote qty")
	}
	result := &OrderResult{
		FilledQty:     filled,
		QuoteReceived: quote,
		OrderID:       fmt.Sprintf("%d", o.OrderID),
	}
	if filled.IsPositive() {
		result.AvgPrice = quote.Div(filled)
	}
	for _, fill := range o.Fills {
		fee, err := decimal.NewFromString(fill.Commission)
		if err != nil {
			return nil, errors.Wrap(err, "parse fill commission")
		}
		result.Fee = result.Fee.Add(fee)
		result.FeeAsset = fill.CommissionAsset
	}
	return result, nil
}

// MarketSell implements Adapter.
func (b *BinanceAdapter) MarketSell(ctx context.Context, pair string, qty decimal.Decimal, clientID string) (*OrderResult, error) {
	query := url.Values{}
	query.Set("symbol", pair)
	query.Set("side", "SELL")
	query.Set("type", "MARKET")
	query.Set("quantity", qty.String())
	query.Set("newClientOrderId", clientID)
	query.Set("newOrderRespType", "FULL")
	var order binanceOrder
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", query, true, &order); err != nil {
		return nil, err
	}
	return order.toResult()
}

// MarketBuy implements Adapter. The order is sized by quote quantity so
// the full pending quote value is spent.
func (b *BinanceAdapter) MarketBuy(ctx context.Context, pair string, quoteQty decimal.Decimal, clientID string) (*OrderResult, error) {
	query := url.Values{}
	query.Set("symbol", pair)
	query.Set("side", "BUY")
	query.Set("type", "MARKET")
	query.Set("quoteOrderQty", quoteQty.String())
	query.Set("newClientOrderId", clientID)
	query.Set("newOrderRespType", "FULL")
	var order binanceOrder
	if err := b.do(ctx, http.MethodPost, "/api/v3/order", query, true, &order); err != nil {
		return nil, err
	}
	return order.toResult()
}

// Balance implements Adapter.
func (b *BinanceAdapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var account struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, true, &account); err != nil {
		return decimal.Zero, err
	}
	for _, bal := range account.Balances {
		if bal.Asset == asset {
			free, err := decimal.NewFromString(bal.Free)
			if err != nil {
				return decimal.Zero, errors.Wrapf(err, "parse %s balance", asset)
			}
			return free, nil
		}
	}
	return decimal.Zero, nil
}

// MinOrderRequirements implements Adapter, reading the pair's LOT_SIZE
// and NOTIONAL filters.
func (b *BinanceAdapter) MinOrderRequirements(ctx context.Context, pair string) (*MinOrder, error) {
	query := url.Values{}
	query.Set("symbol", pair)
	var info struct {
		Symbols []struct {
			Filters []struct {
				FilterType  string `json:"filterType"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/exchangeInfo", query, false, &info); err != nil {
		return nil, err
	}
	if len(info.Symbols) == 0 {
		return nil, errors.Errorf("exchange: unknown pair %s", pair)
	}
	min := &MinOrder{}
	for _, filter := range info.Symbols[0].Filters {
		switch filter.FilterType {
		case "LOT_SIZE":
			qty, err := decimal.NewFromString(filter.MinQty)
			if err != nil {
				return nil, errors.Wrap(err, "parse min qty")
			}
			min.MinQty = qty
		case "NOTIONAL", "MIN_NOTIONAL":
			notional, err := decimal.NewFromString(filter.MinNotional)
			if err != nil {
				return nil, errors.Wrap(err, "parse min notional")
			}
			min.MinNotional = notional
		}
	}
	return min, nil
}

// Price implements Adapter.
func (b *BinanceAdapter) Price(ctx context.Context, pair string) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("symbol", pair)
	var ticker struct {
		Price string `json:"price"`
	}
	if err := b.do(ctx, http.MethodGet, "/api/v3/ticker/price", query, false, &ticker); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(ticker.Price)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "parse price for %s", pair)
	}
	return price, nil
}
