package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/configs"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const (
	maxResponseBodyBytes = 16 * 1024 * 1024
)

// APIError is returned when the server answered, but not with success.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (ae *APIError) Error() string {
	if ae.Code != "" {
		return fmt.Sprintf("kbq server responded with HTTP %d: %s", ae.StatusCode, ae.Code)
	}
	if ae.Message != "" {
		return fmt.Sprintf("kbq server responded with HTTP %d: %s", ae.StatusCode, ae.Message)
	}
	return fmt.Sprintf("kbq server responded with HTTP %d", ae.StatusCode)
}

// Client talks to the queue server. It keeps no state about queues: every call is a fresh request,
// and it is safe for concurrent use.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	limiter       *rate.Limiter
	verifyTimeout time.Duration
}

func NewClient(clientConfig configs.ClientConfig) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20, // a batch fans out to the same host
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Warn().Err(err).Msg("failed to enable HTTP/2 on the client transport, falling back to HTTP/1.1")
	}

	// no client-wide timeout: processing takes as long as the server needs
	return NewClientWithHTTPClient(clientConfig, &http.Client{Transport: transport})
}

func NewClientWithHTTPClient(clientConfig configs.ClientConfig, httpClient *http.Client) *Client {
	var limiter *rate.Limiter
	if clientConfig.RequestsPerSecond > 0 {
		burst := clientConfig.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(clientConfig.RequestsPerSecond), burst)
	}

	return &Client{
		baseURL:       strings.TrimRight(clientConfig.BaseURL, "/"),
		httpClient:    httpClient,
		limiter:       limiter,
		verifyTimeout: time.Duration(clientConfig.VerifyTimeoutMs) * time.Millisecond,
	}
}

// GetStatus fetches the aggregate queue status. It uses the short verification timeout, so a stuck
// server turns into an error quickly instead of holding the scheduler.
func (c *Client) GetStatus(queueId string, ctx context.Context) (*common.QueueStatus, error) {
	if c.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.verifyTimeout)
		defer cancel()
	}

	var status common.QueueStatus
	err := c.postForm("/api/v1/queues/status", url.Values{"queue_id": {queueId}}, &status, ctx)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// FetchNext asks the server to claim the next pending item of the queue.
func (c *Client) FetchNext(queueId string, ctx context.Context) (*common.FetchResult, error) {
	var result common.FetchResult
	err := c.postForm("/api/v1/queues/next", url.Values{"queue_id": {queueId}}, &result, ctx)
	if err != nil {
		return nil, err
	}
	if !result.Complete && result.Item == nil {
		return nil, fmt.Errorf("kbq server returned neither an item nor a completion signal for queue %s", queueId)
	}
	return &result, nil
}

// ProcessItem submits one claimed item for processing. An item the server failed to process
// comes back as an unsuccessful result, only transport and protocol failures are errors.
func (c *Client) ProcessItem(item common.QueueItem, ctx context.Context) (*common.ProcessResult, error) {
	form := url.Values{
		"item_id":   {item.Id},
		"item_type": {item.Type},
		"item_data": {item.Data},
		"bot_id":    {item.BotId},
	}

	raw, statusCode, err := c.post("/api/v1/items/process", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), ctx)
	if err != nil {
		return nil, err
	}

	if statusCode == http.StatusOK && !raw.Success {
		_, message := decodeErrorData(raw.Data)
		if message == "" {
			message = "processing failed"
		}
		return &common.ProcessResult{Success: false, Error: message}, nil
	}
	if err := checkResponse(raw, statusCode); err != nil {
		return nil, err
	}

	var processed common.ProcessedItemResponse
	if err := decodeData(raw.Data, &processed); err != nil {
		return nil, err
	}
	return &common.ProcessResult{Success: true, Title: processed.Title}, nil
}

// MarkComplete tells the server the queue is done. Repeated calls are harmless.
func (c *Client) MarkComplete(queueId string, ctx context.Context) error {
	return c.postForm("/api/v1/queues/complete", url.Values{"queue_id": {queueId}}, nil, ctx)
}

// DetectActive reports the latest queue of each type, used to resume processing after a reload.
func (c *Client) DetectActive(ctx context.Context) (*common.ActiveQueues, error) {
	var active common.ActiveQueues
	if err := c.postForm("/api/v1/queues/active", url.Values{}, &active, ctx); err != nil {
		return nil, err
	}
	return &active, nil
}

func (c *Client) CreateSitemapQueue(sitemapURL string, botId string, ctx context.Context) (*common.NewQueueResponse, error) {
	var resp common.NewQueueResponse
	err := c.postForm("/api/v1/queues/sitemap", url.Values{"sitemap_url": {sitemapURL}, "bot_id": {botId}}, &resp, ctx)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreatePdfQueue(req common.NewPdfQueueRequest, ctx context.Context) (*common.NewQueueResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PDF queue request: %w", err)
	}

	raw, statusCode, err := c.post("/api/v1/queues/pdf", "application/json", bytes.NewReader(body), ctx)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(raw, statusCode); err != nil {
		return nil, err
	}

	var resp common.NewQueueResponse
	if err := decodeData(raw.Data, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ArchiveQueue(queueId string, ctx context.Context) error {
	return c.postForm("/api/v1/queues/archive", url.Values{"queue_id": {queueId}}, nil, ctx)
}

func (c *Client) RetryFailed(queueId string, ctx context.Context) (*common.RetriedItemsResponse, error) {
	var resp common.RetriedItemsResponse
	if err := c.postForm("/api/v1/queues/retry", url.Values{"queue_id": {queueId}}, &resp, ctx); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postForm(path string, form url.Values, out any, ctx context.Context) error {
	raw, statusCode, err := c.post(path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), ctx)
	if err != nil {
		return err
	}
	if err := checkResponse(raw, statusCode); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeData(raw.Data, out)
}

func (c *Client) post(path string, contentType string, body io.Reader, ctx context.Context) (*common.RawResponse, int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, fmt.Errorf("rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request to %s: %w", path, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response from %s: %w", path, err)
	}

	var raw common.RawResponse
	if err := json.Unmarshal(respBody, &raw); err != nil {
		if resp.StatusCode >= 300 {
			return nil, resp.StatusCode, &APIError{StatusCode: resp.StatusCode}
		}
		return nil, resp.StatusCode, fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return &raw, resp.StatusCode, nil
}

func checkResponse(raw *common.RawResponse, statusCode int) error {
	if statusCode >= 200 && statusCode < 300 && raw.Success {
		return nil
	}
	code, message := decodeErrorData(raw.Data)
	return &APIError{StatusCode: statusCode, Code: code, Message: message}
}

func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// decodeErrorData accepts both a bare message string and a {code, message} object.
func decodeErrorData(data json.RawMessage) (string, string) {
	if len(data) == 0 {
		return "", ""
	}

	var message string
	if err := json.Unmarshal(data, &message); err == nil {
		return "", message
	}

	var errResp common.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil {
		return errResp.Code, errResp.Message
	}
	return "", ""
}
