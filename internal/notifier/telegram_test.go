package notifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTelegram(t *testing.T, handler http.HandlerFunc) (*Telegram, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	tg := NewTelegram("test-token", "12345")
	tg.apiBase = srv.URL
	tg.client = &http.Client{Timeout: time.Second}
	tg.baseDelay = time.Millisecond
	tg.maxDelay = 5 * time.Millisecond
	return tg, &calls
}

func TestTelegram_Notify_SucceedsOnFirstAttempt(t *testing.T) {
	tg, calls := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	err := tg.Notify(context.Background(), "position evicted")

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestTelegram_Notify_RetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempt int32
	tg, calls := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempt, 1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := tg.Notify(context.Background(), "position evicted")

	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls), "must retry once after a transient 503 before succeeding")
}

func TestTelegram_Notify_DoesNotRetryClientError(t *testing.T) {
	tg, calls := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := tg.Notify(context.Background(), "position evicted")

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls), "a 401 means the token is wrong, so it must fail fast without retrying")
}

func TestTelegram_Notify_GivesUpAfterMaxAttempts(t *testing.T) {
	tg, calls := newTestTelegram(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	err := tg.Notify(context.Background(), "position evicted")

	require.Error(t, err)
	assert.Equal(t, int32(telegramMaxAttempts), atomic.LoadInt32(calls))
}
