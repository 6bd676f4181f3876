package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Client talks to the tunnel broker's dashboard API. The gateway only needs
// one call from it: the authoritative list of live channel numbers used to
// reconcile the active-session tracker.
type Client struct {
	baseURL    string
	user       string
	password   string
	httpClient *http.Client
}

// NewClient returns a dashboard client. user and password may be empty when
// the dashboard is unauthenticated.
func NewClient(baseURL, user, password string) *Client {
	return &Client{
		baseURL:  baseURL,
		user:     user,
		password: password,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type channelList struct {
	Channels []int `json:"channels"`
}

// ListChannels fetches the broker's live channel numbers. Transient failures
// are retried with capped exponential backoff inside the caller's context
// deadline; a non-2xx status other than 5xx fails immediately.
func (c *Client) ListChannels(ctx context.Context) ([]int, error) {
	operation := func() ([]int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/channels", nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if c.user != "" {
			req.SetBasicAuth(c.user, c.password)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("broker dashboard returned HTTP %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, backoff.Permanent(fmt.Errorf("broker dashboard returned HTTP %d", resp.StatusCode))
		}

		var list channelList
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to decode channel list: %w", err))
		}

		return list.Channels, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}
