// Package rates produces the cross-currency snapshots frozen into ledger
// entries and persists a time series of observed rates.
package rates

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

const ratesCollection = "rates"

// Quote is one observation of the three rates the bridge depends on.
type Quote struct {
	HiveUSD   float64   `bson:"hive_usd" json:"hive_usd"`
	HBDUSD    float64   `bson:"hbd_usd" json:"hbd_usd"`
	BTCUSD    float64   `bson:"btc_usd" json:"btc_usd"`
	FetchedAt time.Time `bson:"timestamp" json:"timestamp"`
}

// SatsPerHive derives the HIVE -> sats rate from the USD legs.
func (q Quote) SatsPerHive() float64 {
	if q.BTCUSD == 0 {
		return 0
	}
	return q.HiveUSD / q.BTCUSD * 1e8
}

// SatsPerHBD derives the HBD -> sats rate from the USD legs.
func (q Quote) SatsPerHBD() float64 {
	if q.BTCUSD == 0 {
		return 0
	}
	return q.HBDUSD / q.BTCUSD * 1e8
}

// Source fetches a fresh quote from wherever prices come from (exchange
// ticker, price API). Implementations live with their transport.
type Source interface {
	FetchQuote(ctx context.Context) (Quote, error)
}

// Service caches quotes with a TTL and records each fresh observation to
// the rates time series. Dev mode extends the TTL.
type Service struct {
	source Source
	col    *mongo.Collection
	logger *zap.Logger
	ttl    time.Duration

	mu     sync.Mutex
	cached Quote
}

// NewService builds a Service. db may be nil in tests, in which case the
// time series is not persisted.
func NewService(source Source, db *mongo.Database, logger *zap.Logger, devMode bool) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := 60 * time.Second
	if devMode {
		ttl = 10 * time.Minute
	}
	s := &Service{source: source, logger: logger, ttl: ttl}
	if db != nil {
		s.col = db.Collection(ratesCollection)
	}
	return s
}

// Current returns the cached quote, refreshing from the source when it is
// stale. A stale cached quote is served when the source is unreachable.
func (s *Service) Current(ctx context.Context) (Quote, error) {
	s.mu.Lock()
	cached := s.cached
	s.mu.Unlock()
	if !cached.FetchedAt.IsZero() && time.Since(cached.FetchedAt) < s.ttl {
		return cached, nil
	}

	fresh, err := s.source.FetchQuote(ctx)
	if err != nil {
		if !cached.FetchedAt.IsZero() {
			s.logger.Warn("rate fetch failed, serving stale quote",
				zap.Error(err),
				zap.Time("fetched_at", cached.FetchedAt))
			return cached, nil
		}
		return Quote{}, errors.Wrap(err, "fetch rate quote")
	}
	fresh.FetchedAt = time.Now().UTC()

	s.mu.Lock()
	s.cached = fresh
	s.mu.Unlock()

	if s.col != nil {
		if _, err := s.col.InsertOne(ctx, fresh); err != nil {
			s.logger.Warn("failed to record rate observation", zap.Error(err))
		}
	}
	return fresh, nil
}

// ConvFor expresses an amount of the given unit in every currency at this
// quote. The result is frozen into the ledger entry.
func (q Quote) ConvFor(amount int64, unit ledger.Unit) ledger.Conv {
	var hive, hbd, usd float64
	var msats int64
	switch unit {
	case ledger.UnitHive:
		hive = float64(amount) / 1000
		usd = hive * q.HiveUSD
		msats = int64(hive * q.SatsPerHive() * 1000)
	case ledger.UnitHBD:
		hbd = float64(amount) / 1000
		usd = hbd * q.HBDUSD
		msats = int64(hbd * q.SatsPerHBD() * 1000)
	case ledger.UnitMsats:
		msats = amount
		sats := float64(amount) / 1000
		usd = sats / 1e8 * q.BTCUSD
		if q.HiveUSD > 0 {
			hive = usd / q.HiveUSD
		}
	}
	if hbd == 0 && q.HBDUSD > 0 && unit != ledger.UnitHBD {
		hbd = usd / q.HBDUSD
	}
	if hive == 0 && q.HiveUSD > 0 && unit == ledger.UnitHBD {
		hive = usd / q.HiveUSD
	}
	return ledger.Conv{Hive: hive, HBD: hbd, MSats: msats, USD: usd}
}

// HiveToMsats converts milli-HIVE or milli-HBD into msats at this quote.
func (q Quote) HiveToMsats(amount int64, unit ledger.Unit) int64 {
	switch unit {
	case ledger.UnitHive:
		return int64(float64(amount) / 1000 * q.SatsPerHive() * 1000)
	case ledger.UnitHBD:
		return int64(float64(amount) / 1000 * q.SatsPerHBD() * 1000)
	default:
		return amount
	}
}

// MsatsToHive converts msats into milli-units of the requested Hive-side
// currency at this quote.
func (q Quote) MsatsToHive(msats int64, unit ledger.Unit) int64 {
	var perUnit float64
	switch unit {
	case ledger.UnitHive:
		perUnit = q.SatsPerHive()
	case ledger.UnitHBD:
		perUnit = q.SatsPerHBD()
	default:
		return msats
	}
	if perUnit == 0 {
		return 0
	}
	sats := float64(msats) / 1000
	return int64(sats / perUnit * 1000)
}
