// Package convert implements the value-conversion flows between the two
// networks: on-chain deposits paid out over Lightning, settled invoices
// credited back on chain or to internal balances, internal transfers and
// the manual-adjustment backdoor.
package convert

import (
	"github.com/brianoflondon/v4vapp-backend-v2/internal/policy"
)

// ConversionFeeMsats computes the fee on a gross conversion amount:
// percent of gross plus a fixed floor, both from the live policy.
func ConversionFeeMsats(grossMsats int64, p *policy.Policy) int64 {
	percent := int64(float64(grossMsats) * p.ConvFeePercent / 100)
	return percent + p.ConvFeeSats*1000
}

// WithinInvoiceBounds checks the policy's min/max invoice window. Both
// bounds are inclusive.
func WithinInvoiceBounds(msats int64, p *policy.Policy) bool {
	sats := msats / 1000
	if sats < p.MinInvoiceSats {
		return false
	}
	if p.MaxInvoiceSats > 0 && sats > p.MaxInvoiceSats {
		return false
	}
	return true
}

// ReturnFeeMilli is the on-chain return fee in milli-units, charged when
// a failed conversion refunds the sender.
func ReturnFeeMilli(p *policy.Policy) int64 {
	return int64(p.HiveReturnFee * 1000)
}
