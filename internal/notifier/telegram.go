package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/perpskeeper/keeper/internal/pkg/apperrors"
	"github.com/perpskeeper/keeper/internal/pkg/logger"
)

// retry constants mirror priceclient.Stream's reconnect backoff: a small
// base delay doubling up to a cap, bounded here by a fixed attempt count
// instead of running forever, since an eviction alert that never lands
// isn't worth blocking a keeper tick over.
const (
	telegramMaxAttempts      = 3
	telegramDefaultBaseDelay = 500 * time.Millisecond
	telegramDefaultMaxDelay  = 4 * time.Second
	telegramAPIBase          = "https://api.telegram.org"
)

// Telegram delivers alerts via the Telegram Bot API sendMessage endpoint.
// A send is retried on transient failures (network errors, 5xx, 429) with
// exponential backoff; a 4xx response means the token or chat ID is wrong
// and retrying won't help, so it fails fast instead.
type Telegram struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client

	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewTelegram builds a Telegram notifier for the given bot token and chat.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:     token,
		chatID:    chatID,
		apiBase:   telegramAPIBase,
		client:    &http.Client{Timeout: 10 * time.Second},
		baseDelay: telegramDefaultBaseDelay,
		maxDelay:  telegramDefaultMaxDelay,
	}
}

// Notify sends message to the configured chat, retrying transient
// failures up to telegramMaxAttempts times before giving up.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "notifier: encode telegram payload", err)
	}

	delay := t.baseDelay
	var lastErr error
	for attempt := 1; attempt <= telegramMaxAttempts; attempt++ {
		err := t.attempt(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isRetryableNotifyErr(err) {
			return err
		}
		if attempt == telegramMaxAttempts {
			break
		}
		logger.Warn("notifier: telegram send failed, retrying", "attempt", attempt, "error", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > t.maxDelay {
			delay = t.maxDelay
		}
	}
	return fmt.Errorf("notifier: telegram send exhausted %d attempts: %w", telegramMaxAttempts, lastErr)
}

func (t *Telegram) attempt(ctx context.Context, body []byte) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "notifier: build telegram request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return apperrors.New(apperrors.ErrTransientRPC, "notifier: telegram request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	errType := apperrors.ErrInternal
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		errType = apperrors.ErrTransientRPC
	}
	return apperrors.New(errType, fmt.Sprintf("notifier: telegram returned %d: %s", resp.StatusCode, respBody), nil)
}

func isRetryableNotifyErr(err error) bool {
	appErr := apperrors.Wrap(err)
	return appErr.Type == apperrors.ErrTransientRPC
}
