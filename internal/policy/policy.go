// Package policy validates the operator-controllable configuration blob
// published as account metadata on chain. The blob arrives loosely typed;
// everything downstream consumes only the typed Policy.
package policy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RateLimit caps the sats a single user may convert inside a rolling
// window.
type RateLimit struct {
	Hours int   `json:"hours"`
	Sats  int64 `json:"sats"`
}

// DynamicFeesRef points at an off-box fee override document.
type DynamicFeesRef struct {
	Account  string `json:"account"`
	Permlink string `json:"permlink"`
}

// Policy is the typed form of the live policy blob.
type Policy struct {
	HiveReturnFee        float64         `json:"hive_return_fee"`
	ConvFeePercent       float64         `json:"conv_fee_percent"`
	ConvFeeSats          int64           `json:"conv_fee_sats"`
	StreamingFeePercent  float64         `json:"streaming_fee_percent"`
	MinInvoiceSats       int64           `json:"min_invoice_sats"`
	MaxInvoiceSats       int64           `json:"max_invoice_sats"`
	MaxLNRoutingFeeMsats int64           `json:"max_ln_routing_fee_msats"`
	GatewayHiveToLN      bool            `json:"gateway_hive_to_ln"`
	GatewayLNToHive      bool            `json:"gateway_ln_to_hive"`
	RateLimits           []RateLimit     `json:"rate_limits"`
	DynamicFees          *DynamicFeesRef `json:"dynamic_fees,omitempty"`
}

// Defaults applied when the blob omits a key entirely.
var defaults = Policy{
	HiveReturnFee:        0.010,
	ConvFeePercent:       0.5,
	ConvFeeSats:          100,
	MinInvoiceSats:       100,
	MaxInvoiceSats:       250_000,
	MaxLNRoutingFeeMsats: 50_000,
	GatewayHiveToLN:      true,
	GatewayLNToHive:      true,
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		var f float64
		if err := json.Unmarshal([]byte(n), &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func asInt(v any) (int64, bool) {
	f, ok := asFloat(v)
	return int64(f), ok
}

func asBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		return b == "true" || b == "1", true
	case float64:
		return b != 0, true
	}
	return false, false
}

// Parse turns the raw blob into a Policy, filling defaults for missing
// keys and rejecting blobs that would make the engine misbehave.
func Parse(raw map[string]any) (*Policy, error) {
	p := defaults
	if v, ok := raw["hive_return_fee"]; ok {
		if f, ok := asFloat(v); ok {
			p.HiveReturnFee = f
		}
	}
	if v, ok := raw["conv_fee_percent"]; ok {
		if f, ok := asFloat(v); ok {
			p.ConvFeePercent = f
		}
	}
	if v, ok := raw["conv_fee_sats"]; ok {
		if n, ok := asInt(v); ok {
			p.ConvFeeSats = n
		}
	}
	if v, ok := raw["streaming_fee_percent"]; ok {
		if f, ok := asFloat(v); ok {
			p.StreamingFeePercent = f
		}
	}
	if v, ok := raw["min_invoice_sats"]; ok {
		if n, ok := asInt(v); ok {
			p.MinInvoiceSats = n
		}
	}
	if v, ok := raw["max_invoice_sats"]; ok {
		if n, ok := asInt(v); ok {
			p.MaxInvoiceSats = n
		}
	}
	if v, ok := raw["max_ln_routing_fee_msats"]; ok {
		if n, ok := asInt(v); ok {
			p.MaxLNRoutingFeeMsats = n
		}
	}
	if v, ok := raw["gateway_hive_to_ln"]; ok {
		if b, ok := asBool(v); ok {
			p.GatewayHiveToLN = b
		}
	}
	if v, ok := raw["gateway_ln_to_hive"]; ok {
		if b, ok := asBool(v); ok {
			p.GatewayLNToHive = b
		}
	}
	if v, ok := raw["rate_limits"]; ok {
		if list, ok := v.([]any); ok {
			p.RateLimits = nil
			for _, item := range list {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				hours, _ := asInt(m["hours"])
				sats, _ := asInt(m["sats"])
				if hours > 0 && sats > 0 {
					p.RateLimits = append(p.RateLimits, RateLimit{Hours: int(hours), Sats: sats})
				}
			}
		}
	}
	if v, ok := raw["dynamic_fees"]; ok {
		if m, ok := v.(map[string]any); ok {
			account, _ := m["account"].(string)
			permlink, _ := m["permlink"].(string)
			if account != "" && permlink != "" {
				p.DynamicFees = &DynamicFeesRef{Account: account, Permlink: permlink}
			}
		}
	}

	if p.MinInvoiceSats < 0 || p.MaxInvoiceSats < p.MinInvoiceSats {
		return nil, errors.Errorf("policy: bad invoice bounds min=%d max=%d",
			p.MinInvoiceSats, p.MaxInvoiceSats)
	}
	if p.ConvFeePercent < 0 || p.ConvFeeSats < 0 {
		return nil, errors.New("policy: negative fee parameters")
	}
	return &p, nil
}

// Source fetches the raw blob. The production source reads the server
// account's json metadata through the Hive client.
type Source interface {
	FetchPolicy(ctx context.Context) (map[string]any, error)
}

// Loader caches the typed policy and refreshes it on demand. A fetch or
// parse failure keeps serving the last good policy.
type Loader struct {
	source Source
	logger *zap.Logger
	ttl    time.Duration

	mu        sync.Mutex
	current   *Policy
	fetchedAt time.Time
}

// NewLoader builds a Loader with the given refresh interval.
func NewLoader(source Source, ttl time.Duration, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{source: source, logger: logger, ttl: ttl}
}

// Get returns the current policy, refreshing when stale. The engine calls
// this on every conversion so operator changes take effect immediately
// after the TTL.
func (l *Loader) Get(ctx context.Context) (*Policy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && time.Since(l.fetchedAt) < l.ttl {
		return l.current, nil
	}
	raw, err := l.source.FetchPolicy(ctx)
	if err == nil {
		var p *Policy
		if p, err = Parse(raw); err == nil {
			l.current = p
			l.fetchedAt = time.Now()
			return p, nil
		}
	}
	if l.current != nil {
		l.logger.Warn("policy refresh failed, serving last good policy", zap.Error(err))
		return l.current, nil
	}
	return nil, errors.Wrap(err, "load policy")
}
