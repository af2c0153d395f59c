package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TelegramTransport posts messages to a Telegram-style bot HTTP API. Bot
// names map to chat ids so one transport can serve several rooms.
type TelegramTransport struct {
	baseURL string
	token   string
	chatIDs map[string]string
	client  *http.Client
}

// NewTelegramTransport builds the transport. chatIDs maps bot name to
// chat id; the empty name is the default room.
func NewTelegramTransport(baseURL, token string, chatIDs map[string]string, connTimeout, readTimeout time.Duration) *TelegramTransport {
	dialer := &net.Dialer{Timeout: connTimeout}
	return &TelegramTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		chatIDs: chatIDs,
		client: &http.Client{
			Timeout: readTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
	}
}

// Send implements Transport. A 429 with a retry_after body surfaces as
// *RetryAfterError so the dispatcher can honour the signal.
func (t *TelegramTransport) Send(ctx context.Context, bot string, text string) error {
	chatID, ok := t.chatIDs[bot]
	if !ok {
		return errors.Errorf("notify: unknown bot %q", bot)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	form := url.Values{
		"chat_id": {chatID},
		"text":    {text},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build notification request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "send notification")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RetryAfterError{After: retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("notify: transport returned %d", resp.StatusCode)
	}
	return nil
}

func retryAfter(resp *http.Response) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	var body struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil &&
		body.Parameters.RetryAfter > 0 {
		return time.Duration(body.Parameters.RetryAfter) * time.Second
	}
	return 5 * time.Second
}
