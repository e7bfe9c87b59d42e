// Package telegram publishes posts to Telegram channels and groups through a bot account.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/publish"
)

type Config struct {
	Token string
	// URL overrides the Bot API endpoint (local bot API server, tests).
	URL            string
	Timeout        time.Duration
	DisablePreview bool
}

type Adapter struct {
	cfg Config
	bot *tele.Bot
}

// New builds the adapter without contacting Telegram; the token is verified on first send.
func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.URL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, bot: b}, nil
}

func (a *Adapter) Platform() string { return "telegram" }

// chatRef is a chat id ("-100123") or a public username ("@name").
type chatRef string

func (c chatRef) Recipient() string { return string(c) }

type sendResult struct {
	msg *tele.Message
	err error
}

// Publish sends the content as a text message to the channel's AccountRef.
func (a *Adapter) Publish(ctx context.Context, d publish.Delivery) (publish.Receipt, error) {
	to := strings.TrimSpace(d.Channel.AccountRef)
	if to == "" {
		return publish.Receipt{}, publish.NewError(publish.CategoryPermanentValidation, "no_target", errors.New("channel has no chat id"))
	}
	if strings.TrimSpace(d.Content) == "" {
		return publish.Receipt{}, publish.NewError(publish.CategoryPermanentValidation, "empty_content", errors.New("message text is empty"))
	}

	opts := &tele.SendOptions{DisableWebPagePreview: a.cfg.DisablePreview}

	// telebot has no context support; the http client timeout bounds the call.
	// If ctx ends first the request keeps running and may still post, so the
	// error must not be retried.
	done := make(chan sendResult, 1)
	go func() {
		msg, err := a.bot.Send(chatRef(to), d.Content, opts)
		done <- sendResult{msg: msg, err: err}
	}()

	var res sendResult
	select {
	case <-ctx.Done():
		return publish.Receipt{}, publish.NewError(publish.CategoryCancelled, publish.ReasonDeliveryUnknown,
			fmt.Errorf("send still in flight: %w", ctx.Err()))
	case res = <-done:
	}
	if res.err != nil {
		return publish.Receipt{}, mapError(res.err)
	}
	if res.msg == nil {
		return publish.Receipt{}, nil
	}
	return publish.Receipt{ProviderID: strconv.Itoa(res.msg.ID), URL: messageURL(to, res.msg.ID)}, nil
}

func messageURL(to string, id int) string {
	if strings.HasPrefix(to, "@") {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(to, "@"), id)
	}
	return ""
}

var (
	codeSuffix   = regexp.MustCompile(`\((\d{3})\)\s*$`)
	retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)
)

// mapError turns Bot API failures into publish.StatusError so the retry engine can classify them.
// Transport errors pass through unchanged.
func mapError(err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &publish.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}

	code := 0
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		code = apiErr.Code
	} else if m := codeSuffix.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	if code == 0 {
		return err
	}

	se := &publish.StatusError{StatusCode: code, Err: err}
	if m := retryAfterRe.FindStringSubmatch(err.Error()); m != nil {
		secs, _ := strconv.Atoi(m[1])
		se.RetryAfter = time.Duration(secs) * time.Second
	}
	return se
}
