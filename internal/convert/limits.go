package convert

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/brianoflondon/v4vapp-backend-v2/internal/ledger"
	"github.com/brianoflondon/v4vapp-backend-v2/internal/policy"
)

// ErrRateLimited reports which rolling window a conversion would exceed.
type ErrRateLimited struct {
	Limit     policy.RateLimit
	UsedMsats int64
}

func (e *ErrRateLimited) Error() string {
	return errors.Errorf("rate limit exceeded: %d sats per %dh window (used %d sats)",
		e.Limit.Sats, e.Limit.Hours, e.UsedMsats/1000).Error()
}

// CheckRateLimits verifies that crediting msats more conversion volume to
// the user stays inside every configured rolling window. Usage is the sum
// of conversion entries debited against the user's balance inside the
// window, read straight from the ledger history.
func CheckRateLimits(ctx context.Context, led *ledger.Ledger, user string, msats int64, p *policy.Policy) error {
	if len(p.RateLimits) == 0 {
		return nil
	}
	acct := ledger.UserBalance(user)
	for _, limit := range p.RateLimits {
		age := time.Duration(limit.Hours) * time.Hour
		details, err := led.Balance(ctx, acct, ledger.BalanceOpts{Age: age, WithHistory: true})
		if err != nil {
			return errors.Wrapf(err, "rate limit lookup for %s", user)
		}
		var usedMsats int64
		for _, line := range details.History {
			if line.Unit != ledger.UnitMsats {
				continue
			}
			switch line.Type {
			case ledger.TypeConvHiveToSats, ledger.TypeConvSatsToHive:
				// Conversions debit the user balance; count only outflow.
				if line.Amount > 0 {
					usedMsats += line.Amount
				}
			}
		}
		if usedMsats+msats > limit.Sats*1000 {
			return &ErrRateLimited{Limit: limit, UsedMsats: usedMsats}
		}
	}
	return nil
}
