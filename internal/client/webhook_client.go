package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrUnauthorized = errors.New("channel unauthorized")
	ErrRateLimited  = errors.New("rate limit exceeded")
)

const defaultTimeout = 10 * time.Second

type WebhookClient struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

type Option func(*WebhookClient)

func WithToken(token string) Option {
	return func(c *WebhookClient) { c.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(c *WebhookClient) {
		if d > 0 {
			c.client.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *WebhookClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func NewWebhookClient(url string, opts ...Option) *WebhookClient {
	c := &WebhookClient{
		url: url,
		client: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OutboundMessage is one entry of a channel request.
type OutboundMessage struct {
	Recipient string            `json:"recipient"`
	Body      string            `json:"body"`
	Variables map[string]string `json:"variables,omitempty"`
	MediaURL  string            `json:"mediaUrl,omitempty"`
}

// Result is the channel's verdict for one recipient. Err is nil on success.
type Result struct {
	Recipient string
	MessageID string
	Err       error
}

type sendRequest struct {
	Messages []OutboundMessage `json:"messages"`
}

type sendResponse struct {
	Results []struct {
		Status    string `json:"status"`
		MessageID string `json:"messageId"`
		Error     string `json:"error"`
	} `json:"results"`
}

// Send delivers a single message and returns the remote message id.
func (c *WebhookClient) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	results, err := c.SendBatch(ctx, []OutboundMessage{msg})
	if err != nil {
		return "", err
	}
	if results[0].Err != nil {
		return "", results[0].Err
	}
	return results[0].MessageID, nil
}

// SendBatch posts msgs in one request. A returned error means the whole
// request failed; per-recipient failures are reported in the results.
func (c *WebhookClient) SendBatch(ctx context.Context, msgs []OutboundMessage) ([]Result, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	reqBody, err := json.Marshal(sendRequest{Messages: msgs})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d body=%q", ErrUnauthorized, resp.StatusCode, string(body))
	case http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: body=%q", ErrRateLimited, string(body))
	default:
		return nil, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if len(sr.Results) != len(msgs) {
		return nil, fmt.Errorf("expected %d results, got %d body=%q", len(msgs), len(sr.Results), string(body))
	}

	out := make([]Result, len(msgs))
	for i, r := range sr.Results {
		out[i].Recipient = msgs[i].Recipient
		switch {
		case r.Status != "success":
			reason := r.Error
			if reason == "" {
				reason = "status " + r.Status
			}
			out[i].Err = fmt.Errorf("recipient %s rejected: %s", msgs[i].Recipient, reason)
		case r.MessageID == "":
			out[i].Err = fmt.Errorf("missing messageId for recipient %s", msgs[i].Recipient)
		default:
			out[i].MessageID = r.MessageID
		}
	}
	return out, nil
}
