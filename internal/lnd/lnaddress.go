package lnd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const lnurlTimeout = 15 * time.Second

// ErrBadLNAddress marks an input that does not resolve to a payable
// lightning address.
var ErrBadLNAddress = errors.New("lnd: invalid lightning address")

// IsLightningAddress reports whether memo looks like a user@host
// lightning address. A loose shape check; resolution is the real test.
func IsLightningAddress(memo string) bool {
	memo = strings.TrimSpace(memo)
	at := strings.Count(memo, "@")
	if at != 1 || strings.ContainsAny(memo, " \t\n") {
		return false
	}
	parts := strings.SplitN(memo, "@", 2)
	return parts[0] != "" && strings.Contains(parts[1], ".")
}

// AddressResolver turns user@host lightning addresses into BOLT-11
// invoices via the LNURL-pay well-known flow.
type AddressResolver struct {
	HTTP *http.Client
}

// NewAddressResolver builds a resolver with the default timeout.
func NewAddressResolver() *AddressResolver {
	return &AddressResolver{HTTP: &http.Client{Timeout: lnurlTimeout}}
}

type lnurlPayParams struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Tag         string `json:"tag"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
}

type lnurlInvoice struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Resolve fetches an invoice for msats from the address's pay endpoint.
// The comment rides along as the LNURL comment parameter when non-empty.
func (r *AddressResolver) Resolve(ctx context.Context, address string, msats int64, comment string) (string, error) {
	if !IsLightningAddress(address) {
		return "", errors.Wrapf(ErrBadLNAddress, "%q", address)
	}
	parts := strings.SplitN(strings.TrimSpace(address), "@", 2)
	endpoint := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], url.PathEscape(parts[0]))

	var params lnurlPayParams
	if err := r.getJSON(ctx, endpoint, &params); err != nil {
		return "", errors.Wrapf(err, "lnurlp lookup for %s", address)
	}
	if strings.EqualFold(params.Status, "ERROR") {
		return "", errors.Wrapf(ErrBadLNAddress, "%s: %s", address, params.Reason)
	}
	if params.Tag != "payRequest" || params.Callback == "" {
		return "", errors.Wrapf(ErrBadLNAddress, "%s: not a pay endpoint", address)
	}
	if msats < params.MinSendable || (params.MaxSendable > 0 && msats > params.MaxSendable) {
		return "", errors.Wrapf(ErrBadLNAddress,
			"%s: amount %d msats outside sendable range [%d, %d]",
			address, msats, params.MinSendable, params.MaxSendable)
	}

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return "", errors.Wrapf(ErrBadLNAddress, "%s: bad callback url", address)
	}
	q := callback.Query()
	q.Set("amount", fmt.Sprintf("%d", msats))
	if comment != "" {
		q.Set("comment", comment)
	}
	callback.RawQuery = q.Encode()

	var inv lnurlInvoice
	if err := r.getJSON(ctx, callback.String(), &inv); err != nil {
		return "", errors.Wrapf(err, "lnurlp callback for %s", address)
	}
	if strings.EqualFold(inv.Status, "ERROR") || inv.PR == "" {
		return "", errors.Wrapf(ErrBadLNAddress, "%s: %s", address, inv.Reason)
	}
	return inv.PR, nil
}

func (r *AddressResolver) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.Wrap(err, "build lnurl request")
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("lnurl endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read lnurl response")
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(err, "decode lnurl response")
	}
	return nil
}
