// Package lnd wraps the Lightning node's gRPC surface: the three event
// subscriptions the watcher multiplexes, invoice decoding and outbound
// payments.
package lnd

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"os"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// UnaryTimeout is the deadline on unary LN RPCs. Streams carry no
// deadline; liveness is handled by gRPC keepalive pings.
const UnaryTimeout = 30 * time.Second

// macaroonCredential injects the node macaroon on every RPC.
type macaroonCredential struct {
	hexMacaroon string
}

func (m macaroonCredential) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.hexMacaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool { return true }

// Client owns the gRPC connection to one LND node.
type Client struct {
	LN     lnrpc.LightningClient
	Router routerrpc.RouterClient
	Alias  string
	conn   *grpc.ClientConn
	net    *chaincfg.Params
}

// Dial connects to an LND node with TLS and macaroon credentials.
func Dial(ctx context.Context, host, tlsCertPath, macaroonPath, alias string) (*Client, error) {
	certBytes, err := os.ReadFile(tlsCertPath)
	if err != nil {
		return nil, errors.Wrap(err, "read lnd tls cert")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certBytes) {
		return nil, errors.New("lnd: tls cert not parseable")
	}
	macBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, errors.Wrap(err, "read lnd macaroon")
	}

	conn, err := grpc.NewClient(host,
		grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(pool, "")),
		grpc.WithPerRPCCredentials(macaroonCredential{hexMacaroon: hex.EncodeToString(macBytes)}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "dial lnd at %s", host)
	}
	c := &Client{
		LN:     lnrpc.NewLightningClient(conn),
		Router: routerrpc.NewRouterClient(conn),
		Alias:  alias,
		conn:   conn,
		net:    &chaincfg.MainNetParams,
	}

	// Connection self-test before anything subscribes.
	ctx, cancel := context.WithTimeout(ctx, UnaryTimeout)
	defer cancel()
	if _, err := c.LN.GetInfo(ctx, &lnrpc.GetInfoRequest{}); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "lnd GetInfo self-test")
	}
	return c, nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// DecodedInvoice is the subset of a BOLT-11 invoice the engine needs.
type DecodedInvoice struct {
	PaymentHash string
	Msats       int64
	Expiry      time.Time
	Description string
}

// DecodeInvoice parses a BOLT-11 payment request. Parsing is fully
// delegated to zpay32.
func (c *Client) DecodeInvoice(payReq string) (*DecodedInvoice, error) {
	inv, err := zpay32.Decode(payReq, c.net)
	if err != nil {
		return nil, errors.Wrap(err, "decode bolt11 invoice")
	}
	out := &DecodedInvoice{
		Expiry: inv.Timestamp.Add(inv.Expiry()),
	}
	if inv.PaymentHash != nil {
		out.PaymentHash = hex.EncodeToString(inv.PaymentHash[:])
	}
	if inv.MilliSat != nil {
		out.Msats = int64(*inv.MilliSat)
	}
	if inv.Description != nil {
		out.Description = *inv.Description
	}
	return out, nil
}

// PaymentResult reports a terminal outbound payment.
type PaymentResult struct {
	PaymentHash string
	PaidMsats   int64
	FeeMsats    int64
	Preimage    string
}

// ErrPaymentFailed wraps a terminal payment failure with the node's
// failure reason.
var ErrPaymentFailed = errors.New("lnd: payment failed")

// PayInvoice pays a BOLT-11 invoice through the router, blocking until a
// terminal state. feeLimitMsat enforces max_ln_routing_fee_msats before
// any route is attempted.
func (c *Client) PayInvoice(ctx context.Context, payReq string, amtMsat, feeLimitMsat int64) (*PaymentResult, error) {
	req := &routerrpc.SendPaymentRequest{
		PaymentRequest: payReq,
		TimeoutSeconds: 60,
		FeeLimitMsat:   feeLimitMsat,
	}
	if amtMsat > 0 {
		req.AmtMsat = amtMsat
	}
	stream, err := c.Router.SendPaymentV2(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "send payment")
	}
	for {
		payment, err := stream.Recv()
		if err != nil {
			return nil, errors.Wrap(err, "payment stream")
		}
		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return &PaymentResult{
				PaymentHash: payment.PaymentHash,
				PaidMsats:   payment.ValueMsat,
				FeeMsats:    payment.FeeMsat,
				Preimage:    payment.PaymentPreimage,
			}, nil
		case lnrpc.Payment_FAILED:
			return nil, errors.Wrapf(ErrPaymentFailed, "%s", payment.FailureReason)
		default:
			// IN_FLIGHT: keep waiting.
		}
	}
}

// AddInvoice creates an invoice on the node for inbound LN deposits.
func (c *Client) AddInvoice(ctx context.Context, msats int64, memo string) (payReq string, paymentHash string, err error) {
	ctx, cancel := context.WithTimeout(ctx, UnaryTimeout)
	defer cancel()
	resp, err := c.LN.AddInvoice(ctx, &lnrpc.Invoice{
		ValueMsat: msats,
		Memo:      memo,
	})
	if err != nil {
		return "", "", errors.Wrap(err, "add invoice")
	}
	return resp.PaymentRequest, hex.EncodeToString(resp.RHash), nil
}
