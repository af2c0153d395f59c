package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RPCTimeout is the deadline on every blockchain RPC call.
const RPCTimeout = 10 * time.Second

// ErrMissingBlock is returned when a block inside the stream cannot be
// fetched. At the tip this is expected (wait and retry); behind the tip it
// is fatal for the watcher.
var ErrMissingBlock = errors.New("hive: block not available")

// Client is a JSON-RPC client over HTTP for a rotating list of public API
// nodes. There is no maintained Hive client module in our dependency set,
// so the thin call layer lives here.
type Client struct {
	nodes  []string
	http   *http.Client
	logger *zap.Logger
	nodeIx atomic.Int64
	callID atomic.Int64
}

// NewClient builds a Client over the configured API nodes.
func NewClient(nodes []string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		nodes:  nodes,
		http:   &http.Client{Timeout: RPCTimeout},
		logger: logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// call performs one JSON-RPC request, rotating to the next node on
// transport failure.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.callID.Add(1),
	})
	if err != nil {
		return errors.Wrap(err, "marshal rpc request")
	}

	var lastErr error
	for range c.nodes {
		node := c.nodes[int(c.nodeIx.Load())%len(c.nodes)]
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, node, bytes.NewReader(body))
		if err != nil {
			return errors.Wrap(err, "build rpc request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			c.rotate(node, err)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || resp.StatusCode != http.StatusOK {
			if err == nil {
				err = errors.Errorf("node returned %d", resp.StatusCode)
			}
			lastErr = err
			c.rotate(node, err)
			continue
		}
		var rpcResp rpcResponse
		if err := json.Unmarshal(raw, &rpcResp); err != nil {
			lastErr = err
			c.rotate(node, err)
			continue
		}
		if rpcResp.Error != nil {
			return errors.Wrapf(rpcResp.Error, "rpc %s", method)
		}
		if out != nil {
			if err := json.Unmarshal(rpcResp.Result, out); err != nil {
				return errors.Wrapf(err, "decode %s result", method)
			}
		}
		return nil
	}
	return errors.Wrapf(lastErr, "rpc %s failed on all nodes", method)
}

func (c *Client) rotate(node string, err error) {
	c.nodeIx.Add(1)
	c.logger.Warn("hive api node failed, rotating",
		zap.String("node", node),
		zap.Error(err))
}

// GlobalProperties is the subset of dynamic global properties the watcher
// needs.
type GlobalProperties struct {
	HeadBlockNumber uint32 `json:"head_block_number"`
	Time            string `json:"time"`
}

// DynamicGlobalProperties returns the chain head state.
func (c *Client) DynamicGlobalProperties(ctx context.Context) (*GlobalProperties, error) {
	var props GlobalProperties
	if err := c.call(ctx, "condenser_api.get_dynamic_global_properties", []any{}, &props); err != nil {
		return nil, err
	}
	return &props, nil
}

// Block is a condenser-format block with its transaction ids.
type Block struct {
	BlockID        string        `json:"block_id"`
	Previous       string        `json:"previous"`
	Timestamp      string        `json:"timestamp"`
	Transactions   []Transaction `json:"transactions"`
	TransactionIDs []string      `json:"transaction_ids"`
}

// Transaction holds the raw operations of one transaction.
type Transaction struct {
	Operations []json.RawMessage `json:"operations"`
}

// Time parses the block's chain timestamp (UTC, no zone suffix).
func (b *Block) Time() (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05", b.Timestamp)
}

// GetBlock fetches one block. A null result maps to ErrMissingBlock.
func (c *Client) GetBlock(ctx context.Context, height uint32) (*Block, error) {
	var raw json.RawMessage
	if err := c.call(ctx, "condenser_api.get_block", []any{height}, &raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrMissingBlock
	}
	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, errors.Wrapf(err, "decode block %d", height)
	}
	return &block, nil
}

// AccountMetadata fetches and decodes an account's json metadata, the
// carrier of the live policy blob.
func (c *Client) AccountMetadata(ctx context.Context, account string) (map[string]any, error) {
	var accounts []struct {
		Name         string `json:"name"`
		JSONMetadata string `json:"json_metadata"`
	}
	if err := c.call(ctx, "condenser_api.get_accounts", []any{[]string{account}}, &accounts); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.Errorf("hive: account %q not found", account)
	}
	meta := make(map[string]any)
	if accounts[0].JSONMetadata == "" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(accounts[0].JSONMetadata), &meta); err != nil {
		return nil, errors.Wrapf(err, "decode metadata for %s", account)
	}
	return meta, nil
}

// PolicySource adapts the client to the policy loader: the blob lives
// under the "v4vapp" key of the policy account's metadata.
type PolicySource struct {
	Client  *Client
	Account string
}

// FetchPolicy implements policy.Source.
func (s *PolicySource) FetchPolicy(ctx context.Context) (map[string]any, error) {
	meta, err := s.Client.AccountMetadata(ctx, s.Account)
	if err != nil {
		return nil, err
	}
	if blob, ok := meta["v4vapp"].(map[string]any); ok {
		return blob, nil
	}
	return meta, nil
}

// BroadcastTransaction submits a signed transaction synchronously.
func (c *Client) BroadcastTransaction(ctx context.Context, signedTx any) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, "condenser_api.broadcast_transaction_synchronous", []any{signedTx}, &result)
	if err != nil {
		return "", err
	}
	return result.ID, nil
}
