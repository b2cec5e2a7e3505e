package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/testgpt852-arch/korea-stock-bot/internal/logging"
	"github.com/testgpt852-arch/korea-stock-bot/internal/ratelimit"
)

const (
	tokenPath    = "/oauth2/tokenP"
	approvalPath = "/oauth2/Approval"
)

// Options parameterise the broker REST client.
type Options struct {
	BaseURL   string
	AppKey    string
	AppSecret string
	AccountNo string
	Sandbox   bool
	Timeout   time.Duration
}

// Client talks to the KIS open API. Every request passes through the
// shared rate limiter; the broker disconnects keys that exceed their
// per-second quota.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	limiter *ratelimit.Limiter
	baseURL string

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient constructs a broker client sharing the given rate limiter.
func NewClient(opts Options, limiter *ratelimit.Limiter, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openapi.koreainvestment.com:9443"
	}
	return &Client{
		opts:    opts,
		logger:  logging.Component(logger, "kis"),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		baseURL: baseURL,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// token returns a cached access token, refreshing it one minute before
// expiry so in-flight requests never race the cutoff.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry.Add(-time.Minute)) {
		return c.accessToken, nil
	}

	payload := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.opts.AppKey,
		"appsecret":  c.opts.AppSecret,
	}
	var res tokenResponse
	if err := c.postJSON(ctx, tokenPath, nil, payload, &res); err != nil {
		return "", fmt.Errorf("issue access token: %w", err)
	}
	if res.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned empty access token")
	}

	c.accessToken = res.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(res.ExpiresIn) * time.Second)
	c.logger.Info().Time("expires", c.tokenExpiry).Msg("access token refreshed")
	return c.accessToken, nil
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// ApprovalKey issues the websocket approval key used by the realtime
// subscription headers.
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	payload := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.opts.AppKey,
		"secretkey":  c.opts.AppSecret,
	}
	var res approvalResponse
	if err := c.postJSON(ctx, approvalPath, nil, payload, &res); err != nil {
		return "", fmt.Errorf("issue approval key: %w", err)
	}
	if res.ApprovalKey == "" {
		return "", fmt.Errorf("approval endpoint returned empty key")
	}
	return res.ApprovalKey, nil
}

// apiHeaders builds the authenticated header set for one transaction id.
func (c *Client) apiHeaders(ctx context.Context, trID string) (http.Header, error) {
	tok, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("authorization", "Bearer "+tok)
	h.Set("appkey", c.opts.AppKey)
	h.Set("appsecret", c.opts.AppSecret)
	h.Set("tr_id", trID)
	h.Set("custtype", "P")
	return h, nil
}

func (c *Client) getJSON(ctx context.Context, path string, headers http.Header, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, req, headers, out)
}

func (c *Client) postJSON(ctx context.Context, path string, headers http.Header, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return c.do(ctx, req, headers, out)
}

func (c *Client) do(ctx context.Context, req *http.Request, headers http.Header, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
	}

	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return parseHTTPError(resp.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

type errorResponse struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Msg1 != "" {
			return fmt.Errorf("kis api error (%d) %s: %s", status, apiErr.MsgCd, strings.TrimSpace(apiErr.Msg1))
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("kis api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("kis api error (%d)", status)
}
