package lnd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsLightningAddress(t *testing.T) {
	cases := []struct {
		memo string
		want bool
	}{
		{"alice@getalby.com", true},
		{" alice@getalby.com ", true},
		{"a@b.co", true},
		{"alice@localhost", false}, // no dot in host
		{"@getalby.com", false},
		{"alice@", false},
		{"alice@@getalby.com", false},
		{"alice getalby.com", false},
		{"lnbc45u1pnwxyzabc", false},
		{"", false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, IsLightningAddress(tc.memo), "memo %q", tc.memo)
	}
}

// lnurlServer fakes the well-known pay endpoint plus its callback.
func lnurlServer(t *testing.T, params func(host string) lnurlPayParams, invoice lnurlInvoice) (*httptest.Server, *AddressResolver, chan string) {
	t.Helper()
	callbacks := make(chan string, 1)
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("/.well-known/lnurlp/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(params(ts.URL)))
	})
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		callbacks <- r.URL.RawQuery
		require.NoError(t, json.NewEncoder(w).Encode(invoice))
	})
	ts = httptest.NewTLSServer(mux)
	t.Cleanup(ts.Close)
	return ts, &AddressResolver{HTTP: ts.Client()}, callbacks
}

func addressFor(ts *httptest.Server, user string) string {
	return user + "@" + strings.TrimPrefix(ts.URL, "https://")
}

func payParams(min, max int64) func(string) lnurlPayParams {
	return func(base string) lnurlPayParams {
		return lnurlPayParams{
			Callback:    base + "/callback",
			MinSendable: min,
			MaxSendable: max,
			Tag:         "payRequest",
		}
	}
}

func TestResolveFetchesInvoice(t *testing.T) {
	ts, resolver, callbacks := lnurlServer(t, payParams(1_000, 10_000_000),
		lnurlInvoice{PR: "lnbcresolved"})

	pr, err := resolver.Resolve(context.Background(), addressFor(ts, "alice"), 4_875_000, "Hive deposit")
	require.NoError(t, err)
	assert.Equal(t, "lnbcresolved", pr)

	query := <-callbacks
	assert.Contains(t, query, "amount=4875000")
	assert.Contains(t, query, "comment=Hive+deposit")
}

func TestResolveRejectsAmountOutsideSendableRange(t *testing.T) {
	ts, resolver, _ := lnurlServer(t, payParams(1_000_000, 2_000_000),
		lnurlInvoice{PR: "lnbcresolved"})

	_, err := resolver.Resolve(context.Background(), addressFor(ts, "alice"), 500_000, "")
	assert.ErrorIs(t, err, ErrBadLNAddress)

	_, err = resolver.Resolve(context.Background(), addressFor(ts, "alice"), 5_000_000, "")
	assert.ErrorIs(t, err, ErrBadLNAddress)
}

func TestResolveRejectsNonPayEndpoint(t *testing.T) {
	ts, resolver, _ := lnurlServer(t, func(base string) lnurlPayParams {
		return lnurlPayParams{Callback: base + "/callback", Tag: "withdrawRequest"}
	}, lnurlInvoice{})

	_, err := resolver.Resolve(context.Background(), addressFor(ts, "alice"), 1_000_000, "")
	assert.ErrorIs(t, err, ErrBadLNAddress)
}

func TestResolveSurfacesEndpointError(t *testing.T) {
	ts, resolver, _ := lnurlServer(t, func(string) lnurlPayParams {
		return lnurlPayParams{Status: "ERROR", Reason: "user not found"}
	}, lnurlInvoice{})

	_, err := resolver.Resolve(context.Background(), addressFor(ts, "nobody"), 1_000_000, "")
	require.ErrorIs(t, err, ErrBadLNAddress)
	assert.Contains(t, err.Error(), "user not found")
}

func TestResolveSurfacesCallbackError(t *testing.T) {
	ts, resolver, _ := lnurlServer(t, payParams(1_000, 0),
		lnurlInvoice{Status: "ERROR", Reason: "route exhausted"})

	_, err := resolver.Resolve(context.Background(), addressFor(ts, "alice"), 1_000_000, "")
	assert.ErrorIs(t, err, ErrBadLNAddress)
}

func TestResolveRejectsMalformedAddressWithoutNetwork(t *testing.T) {
	resolver := NewAddressResolver()
	_, err := resolver.Resolve(context.Background(), "not-an-address", 1_000, "")
	assert.ErrorIs(t, err, ErrBadLNAddress)
}

func TestResolveNon200(t *testing.T) {
	ts := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(ts.Close)
	resolver := &AddressResolver{HTTP: ts.Client()}

	_, err := resolver.Resolve(context.Background(), addressFor(ts, "alice"), 1_000, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), fmt.Sprintf("%d", http.StatusNotFound))
}
