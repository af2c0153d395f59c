package lnd

import (
	"context"

	"github.com/lightningnetwork/lnd/lnrpc"
)

// ApplyInvoiceUpdate feeds one invoice update through the watcher's
// stream handler, exactly as the subscription loop would.
func (w *Watcher) ApplyInvoiceUpdate(ctx context.Context, inv *lnrpc.Invoice) error {
	return w.handleInvoice(ctx, inv)
}
