// Package snowpipe implements a streaming append client over the Snowpipe
// Streaming v2 REST surface: hostname discovery, channel open, NDJSON row
// appends with continuation tokens, and commit status polling.
package snowpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"meshpipe/internal/config"
)

// APIError is a non-2xx response from the streaming API.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("snowpipe: status %d: %s", e.Status, e.Message)
}

// Transient reports whether the request is worth retrying as-is.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests ||
		e.Status == http.StatusRequestTimeout ||
		e.Status >= 500
}

// staleChannel reports whether the error means our channel or continuation
// token was invalidated server-side and the channel must be reopened.
func (e *APIError) staleChannel() bool {
	if e.Status == http.StatusNotFound || e.Status == http.StatusGone {
		return true
	}
	msg := strings.ToLower(e.Message)
	return e.Status == http.StatusBadRequest &&
		(strings.Contains(msg, "continuation") || strings.Contains(msg, "channel"))
}

// Stats is a snapshot of session counters.
type Stats struct {
	RowsSent       uint64
	BatchesSent    uint64
	Retries        uint64
	ChannelReopens uint64
}

// Client is a single-channel streaming append client. Callers serialize
// SendBatch; the pipeline's one consumer goroutine guarantees that.
type Client struct {
	cfg  config.SnowflakeConfig
	auth Authenticator
	http *http.Client
	log  zerolog.Logger

	// scheme and controlURL are overridable in tests.
	scheme     string
	controlURL string
	ingestURL  string

	mu           sync.Mutex
	channel      string
	continuation string
	offset       uint64
	opens        uint64
	stats        Stats
}

// NewClient builds a client for the configured account and pipe. Open must
// be called before SendBatch.
func NewClient(cfg config.SnowflakeConfig, auth Authenticator, log zerolog.Logger) *Client {
	return &Client{
		cfg:        cfg,
		auth:       auth,
		http:       &http.Client{Timeout: 60 * time.Second},
		log:        log,
		scheme:     "https",
		controlURL: fmt.Sprintf("https://%s.snowflakecomputing.com", strings.ToLower(cfg.Account)),
	}
}

// Open discovers the ingest hostname and opens a fresh channel. The channel
// name carries a timestamp suffix so a restart never fights a stale channel
// over continuation tokens.
func (c *Client) Open(ctx context.Context) error {
	host, err := c.discoverHost(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ingestURL = c.scheme + "://" + host
	c.mu.Unlock()
	return c.openChannel(ctx)
}

func (c *Client) discoverHost(ctx context.Context) (string, error) {
	body, err := c.do(ctx, http.MethodGet, c.controlURL+"/v2/streaming/hostname", nil)
	if err != nil {
		return "", fmt.Errorf("discover ingest host: %w", err)
	}
	host := strings.Trim(strings.TrimSpace(string(body)), `"`)
	if host == "" {
		return "", fmt.Errorf("discover ingest host: empty response")
	}
	return host, nil
}

type channelResponse struct {
	NextContinuationToken string `json:"next_continuation_token"`
	ChannelStatus         struct {
		LastCommittedOffsetToken string `json:"last_committed_offset_token"`
	} `json:"channel_status"`
}

func (c *Client) openChannel(ctx context.Context) error {
	c.mu.Lock()
	c.opens++
	n := c.opens
	c.mu.Unlock()

	// The timestamp is only second-resolution, so an open counter keeps the
	// name unique when a stale channel is reopened within the same second.
	name := fmt.Sprintf("%s_%s_%d", c.cfg.ChannelName, time.Now().UTC().Format("20060102_150405"), n)
	body, err := c.do(ctx, http.MethodPut, c.channelURL(name), []byte("{}"))
	if err != nil {
		return fmt.Errorf("open channel %s: %w", name, err)
	}

	var resp channelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("open channel %s: decode response: %w", name, err)
	}

	c.mu.Lock()
	c.channel = name
	c.continuation = resp.NextContinuationToken
	c.offset = 0
	c.mu.Unlock()

	c.log.Info().Str("channel", name).
		Str("committed_offset", resp.ChannelStatus.LastCommittedOffsetToken).
		Msg("streaming channel open")
	return nil
}

// SendBatch appends the records, retrying transient failures with
// exponential backoff and transparently reopening the channel when the
// server invalidated it. Auth failures are returned immediately: they are
// fatal to the pipeline.
func (c *Client) SendBatch(ctx context.Context, records []map[string]any) error {
	if len(records) == 0 {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute

	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			c.mu.Lock()
			c.stats.Retries++
			c.mu.Unlock()
		}

		err := c.appendRows(ctx, records)
		if err == nil {
			return nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			return backoff.Permanent(err)
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if apiErr.staleChannel() {
				c.log.Warn().Err(err).Msg("channel invalidated, reopening")
				c.mu.Lock()
				c.stats.ChannelReopens++
				c.mu.Unlock()
				if reopenErr := c.openChannel(ctx); reopenErr != nil {
					return reopenErr
				}
				return err // retry the append on the fresh channel
			}
			if !apiErr.Transient() {
				return backoff.Permanent(err)
			}
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("append failed, retrying")
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	c.mu.Lock()
	c.stats.RowsSent += uint64(len(records))
	c.stats.BatchesSent++
	c.mu.Unlock()
	return nil
}

// appendRows performs one append call: NDJSON body, continuation token from
// the previous call, and a monotonically advancing offset token counting
// rows appended this session.
func (c *Client) appendRows(ctx context.Context, records []map[string]any) error {
	c.mu.Lock()
	channel := c.channel
	continuation := c.continuation
	next := c.offset + uint64(len(records))
	c.mu.Unlock()
	if channel == "" {
		return fmt.Errorf("snowpipe: channel not open")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode row: %w", err)
		}
	}

	u := fmt.Sprintf("%s/rows?continuationToken=%s&offsetToken=%s",
		c.channelURL(channel), continuation, strconv.FormatUint(next, 10))
	body, err := c.do(ctx, http.MethodPost, u, buf.Bytes())
	if err != nil {
		return err
	}

	var resp channelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode append response: %w", err)
	}

	c.mu.Lock()
	c.continuation = resp.NextContinuationToken
	c.offset = next
	c.mu.Unlock()
	return nil
}

type bulkStatusResponse struct {
	ChannelStatuses map[string]struct {
		LastCommittedOffsetToken string `json:"last_committed_offset_token"`
	} `json:"channel_statuses"`
}

// CommittedOffset asks the server how far this session's channel has been
// durably committed.
func (c *Client) CommittedOffset(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == "" {
		return 0, fmt.Errorf("snowpipe: channel not open")
	}

	reqBody, err := json.Marshal(map[string]any{"channel_names": []string{channel}})
	if err != nil {
		return 0, err
	}
	u := fmt.Sprintf("%s/v2/streaming/databases/%s/schemas/%s/pipes/%s:bulk-channel-status",
		c.ingestBase(), c.cfg.Database, c.cfg.Schema, c.cfg.PipeName())
	body, err := c.do(ctx, http.MethodPost, u, reqBody)
	if err != nil {
		return 0, fmt.Errorf("channel status: %w", err)
	}

	var resp bulkStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("decode channel status: %w", err)
	}
	status, ok := resp.ChannelStatuses[channel]
	if !ok || status.LastCommittedOffsetToken == "" {
		return 0, nil
	}
	committed, err := strconv.ParseUint(status.LastCommittedOffsetToken, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse committed offset %q: %w", status.LastCommittedOffsetToken, err)
	}
	return committed, nil
}

// WaitForCommit polls until the server-side committed offset catches up with
// everything sent this session, or the deadline passes. Used during shutdown
// to confirm the final flush landed.
func (c *Client) WaitForCommit(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	want := c.offset
	c.mu.Unlock()
	if want == 0 {
		return nil
	}

	deadline := time.Now().Add(timeout)
	for {
		committed, err := c.CommittedOffset(ctx)
		if err == nil && committed >= want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("snowpipe: commit wait timed out at offset %d, want %d", committed, want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// Close discards the channel state. The server expires idle channels on its
// own; there is no explicit close call in the v2 surface.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != "" {
		c.log.Info().Str("channel", c.channel).
			Uint64("rows", c.stats.RowsSent).
			Uint64("batches", c.stats.BatchesSent).
			Msg("closing streaming channel")
	}
	c.channel = ""
	c.continuation = ""
}

// Stats returns a snapshot of the session counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Client) ingestBase() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ingestURL
}

func (c *Client) channelURL(name string) string {
	return fmt.Sprintf("%s/v2/streaming/databases/%s/schemas/%s/pipes/%s/channels/%s",
		c.ingestBase(), c.cfg.Database, c.cfg.Schema, c.cfg.PipeName(), name)
}

// do performs one authenticated request and returns the response body.
// Non-2xx statuses come back as *APIError; 401 and 403 as *AuthError.
func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	token, err := c.auth.Token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Snowflake-Authorization-Token-Type", c.auth.TokenType())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Op: method + " " + url,
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}
	return respBody, nil
}
