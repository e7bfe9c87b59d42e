// Package webhook delivers posts as JSON to a per-channel HTTP endpoint.
package webhook

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
	"time"

	"crosspost/internal/publish"
)

const maxErrorBody = 512

type Config struct {
	Platform string
	Timeout  time.Duration
	// Headers are added to every request (auth tokens for a relay, for example).
	Headers map[string]string
}

type Adapter struct {
	platform string
	client   *http.Client
	headers  map[string]string
	now      func() time.Time
}

func New(cfg Config, client *http.Client) *Adapter {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Adapter{
		platform: publish.NormalizePlatform(cfg.Platform),
		client:   client,
		headers:  cfg.Headers,
		now:      time.Now,
	}
}

func (a *Adapter) Platform() string { return a.platform }

type payload struct {
	PostID    string `json:"post_id"`
	ChannelID string `json:"channel_id"`
	Account   string `json:"account"`
	Platform  string `json:"platform"`
	Content   string `json:"content"`
	Attempt   int    `json:"attempt"`
}

type reply struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Publish POSTs the delivery to the channel's AccountRef URL.
// Idempotency-Key is stable across retries so receivers can drop repeats.
func (a *Adapter) Publish(ctx context.Context, d publish.Delivery) (publish.Receipt, error) {
	target := strings.TrimSpace(d.Channel.AccountRef)
	if target == "" {
		return publish.Receipt{}, publish.NewError(publish.CategoryPermanentValidation, "no_target", errors.New("channel has no webhook url"))
	}

	body, err := json.Marshal(payload{
		PostID:    d.PostID,
		ChannelID: d.Channel.ID,
		Account:   d.Channel.AccountName,
		Platform:  a.platform,
		Content:   d.Content,
		Attempt:   d.Attempt,
	})
	if err != nil {
		return publish.Receipt{}, publish.NewError(publish.CategoryPermanentValidation, "encode", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return publish.Receipt{}, publish.NewError(publish.CategoryPermanentValidation, "bad_url", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "crosspost/1")
	req.Header.Set("Idempotency-Key", d.PostID+":"+d.Channel.ID)
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return publish.Receipt{}, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return publish.Receipt{}, &publish.StatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), a.now()),
			Err:        errors.New(strings.TrimSpace(string(msg))),
		}
	}

	var r reply
	// A receiver may answer with an empty body.
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&r)
	return publish.Receipt{ProviderID: r.ID, URL: r.URL}, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
