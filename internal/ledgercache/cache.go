// Package ledgercache fronts the ledger's balance queries with a Redis
// cache invalidated by a single generation counter. Incrementing the
// counter orphans every cached balance in O(1): old keys are simply never
// looked up again and expire via TTL. Cache failures are warnings, never
// errors; reads fall back to the ledger.
package ledgercache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
)

// GenerationKey holds the current cache generation counter.
const GenerationKey = "ledger:__generation__"

const (
	// LiveTTL applies to queries with no explicit as-of time.
	LiveTTL = 60 * time.Second
	// HistoricalTTL applies to explicit point-in-time queries.
	HistoricalTTL = 300 * time.Second
)

// Cache is the generation-counter balance cache. It implements
// ledger.Invalidator so the Ledger can bump the generation on every write.
type Cache struct {
	rdb           *redis.Client
	logger        *zap.Logger
	liveTTL       time.Duration
	historicalTTL time.Duration
}

// New builds a Cache. Dev mode extends the historical TTL so repeated
// admin-UI queries do not hammer the document store.
func New(rdb *redis.Client, logger *zap.Logger, devMode bool) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{rdb: rdb, logger: logger, liveTTL: LiveTTL, historicalTTL: HistoricalTTL}
	if devMode {
		c.historicalTTL = 10 * HistoricalTTL
	}
	return c
}

// Generation returns the current generation, 0 when unset or when Redis
// is unreachable.
func (c *Cache) Generation(ctx context.Context) int64 {
	val, err := c.rdb.Get(ctx, GenerationKey).Result()
	if err != nil {
		return 0
	}
	gen, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return gen
}

// Invalidate atomically increments the generation counter, orphaning every
// previously cached balance. Implements ledger.Invalidator.
func (c *Cache) Invalidate(ctx context.Context) {
	gen, err := c.rdb.Incr(ctx, GenerationKey).Result()
	if err != nil {
		c.logger.Warn("ledger cache invalidation failed", zap.Error(err))
		return
	}
	c.logger.Debug("ledger cache invalidated", zap.Int64("generation", gen))
}

// Key builds the deterministic cache key for a balance query. The as-of
// time is truncated to the minute so near-simultaneous "now" requests
// share a key.
func Key(generation int64, acct ledger.Account, asOf time.Time, age time.Duration) string {
	minute := asOf.UTC().Truncate(time.Minute)
	agePart := "none"
	if age > 0 {
		agePart = strconv.FormatInt(int64(age.Seconds()), 10)
	}
	raw := fmt.Sprintf("%s:%s:%s|%s|%s",
		acct.Name, acct.Type, acct.Sub, minute.Format(time.RFC3339), agePart)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("ledger:bal:v%d:%s", generation, hex.EncodeToString(sum[:8]))
}

// CachedLedger decorates a Ledger so all read traffic goes through the
// cache. in_progress_msats is recomputed freshly even on a hit.
type CachedLedger struct {
	inner *ledger.Ledger
	cache *Cache
}

// NewCachedLedger wires the cache in front of the ledger's read path.
func NewCachedLedger(inner *ledger.Ledger, cache *Cache) *CachedLedger {
	return &CachedLedger{inner: inner, cache: cache}
}

// Balance answers a balance query, consulting the cache first and storing
// a fresh computation on miss.
func (cl *CachedLedger) Balance(ctx context.Context, acct ledger.Account, opts ledger.BalanceOpts) (*ledger.AccountDetails, error) {
	live := opts.AsOf.IsZero()
	asOf := opts.AsOf
	if live {
		asOf = time.Now().UTC()
	}
	gen := cl.cache.Generation(ctx)
	key := Key(gen, acct, asOf, opts.Age)

	if cached := cl.get(ctx, key); cached != nil {
		cached.InProgressMsats = cl.inner.InProgressMsats(ctx, acct)
		return cached, nil
	}

	details, err := cl.inner.Balance(ctx, acct, ledger.BalanceOpts{
		AsOf: asOf, Age: opts.Age, WithHistory: opts.WithHistory,
	})
	if err != nil {
		return nil, err
	}
	ttl := cl.cache.liveTTL
	if !live {
		ttl = cl.cache.historicalTTL
	}
	cl.set(ctx, key, details, ttl)
	return details, nil
}

func (cl *CachedLedger) get(ctx context.Context, key string) *ledger.AccountDetails {
	data, err := cl.cache.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			cl.cache.logger.Debug("ledger cache read failed", zap.Error(err))
		}
		return nil
	}
	var details ledger.AccountDetails
	if err := json.Unmarshal(data, &details); err != nil {
		cl.cache.logger.Warn("ledger cache entry corrupt", zap.String("key", key), zap.Error(err))
		return nil
	}
	cl.cache.logger.Debug("ledger cache hit", zap.String("key", key))
	return &details
}

func (cl *CachedLedger) set(ctx context.Context, key string, details *ledger.AccountDetails, ttl time.Duration) {
	data, err := json.Marshal(details)
	if err != nil {
		cl.cache.logger.Warn("ledger cache marshal failed", zap.Error(err))
		return
	}
	if err := cl.cache.rdb.SetEx(ctx, key, data, ttl).Err(); err != nil {
		cl.cache.logger.Warn("ledger cache write failed", zap.Error(err))
	}
}
