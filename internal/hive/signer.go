package hive

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// signTimeout bounds one round trip to the signing service.
const signTimeout = 10 * time.Second

// RemoteSigner implements Signer against a wallet daemon that holds the
// active key. The daemon expands the operation batch into a transaction,
// signs it and returns the signed body ready for broadcast. Keys never
// enter this process.
type RemoteSigner struct {
	url   string
	token string
	http  *http.Client
}

// NewRemoteSigner builds a RemoteSigner for the given endpoint.
func NewRemoteSigner(url, token string) *RemoteSigner {
	return &RemoteSigner{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: signTimeout},
	}
}

type signRequest struct {
	Operations []any `json:"operations"`
}

type signResponse struct {
	SignedTransaction json.RawMessage `json:"signed_transaction"`
	Error             string          `json:"error,omitempty"`
}

// SignOperations implements Signer.
func (s *RemoteSigner) SignOperations(ctx context.Context, ops []any) (any, error) {
	if s.url == "" {
		return nil, errors.New("hive: no signing service configured")
	}
	body, err := json.Marshal(signRequest{Operations: ops})
	if err != nil {
		return nil, errors.Wrap(err, "marshal sign request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build sign request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "signing service unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read sign response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("signing service returned %d", resp.StatusCode)
	}
	var signed signResponse
	if err := json.Unmarshal(raw, &signed); err != nil {
		return nil, errors.Wrap(err, "decode sign response")
	}
	if signed.Error != "" {
		return nil, errors.Errorf("signing service: %s", signed.Error)
	}
	if len(signed.SignedTransaction) == 0 {
		return nil, errors.New("signing service returned no transaction")
	}
	var tx any
	if err := json.Unmarshal(signed.SignedTransaction, &tx); err != nil {
		return nil, errors.Wrap(err, "decode signed transaction")
	}
	return tx, nil
}
