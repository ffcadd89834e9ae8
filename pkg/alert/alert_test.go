package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elonfeng/polieval/internal/retry"
	"github.com/elonfeng/polieval/pkg/source"
)

var fastRetry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

func sample() *Notification {
	return &Notification{
		Subject:       source.Subject{ID: "p1", Name: "홍길동"},
		Evaluator:     "gemini",
		Profile:       "v2",
		Score:         772,
		PreviousScore: 696,
		Previous:      "P",
		Current:       "E",
		CurrentName:   "Emerald",
	}
}

func TestNotificationText(t *testing.T) {
	n := sample()
	assert.Equal(t, "홍길동: P → E", n.Title())
	assert.Contains(t, n.Body(), "696.0 → 772.0")
	assert.Contains(t, n.Body(), "profile v2")
}

func TestWebhookSignsBody(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "sha256="+Sign("s3cret", body), r.Header.Get("X-Signature-256"))
		got.Store(body)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL, "s3cret", fastRetry).Send(context.Background(), sample()))

	var decoded Notification
	require.NoError(t, json.Unmarshal(got.Load().([]byte), &decoded))
	assert.Equal(t, "E", decoded.Current)
	assert.Equal(t, "p1", decoded.Subject.ID)
}

func TestSlackRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "홍길동: P → E", payload["text"])
	}))
	defer srv.Close()

	require.NoError(t, NewSlack(srv.URL, fastRetry).Send(context.Background(), sample()))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDiscordClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscord(srv.URL, fastRetry).Send(context.Background(), sample())
	var se *retry.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

type stubNotifier struct {
	name string
	err  error
	sent int
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Send(context.Context, *Notification) error {
	s.sent++
	return s.err
}

func TestBroadcastReachesEveryNotifier(t *testing.T) {
	bad := &stubNotifier{name: "bad", err: errors.New("down")}
	good := &stubNotifier{name: "good"}
	m := NewManager([]Notifier{bad, good})

	err := m.Broadcast(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: down")
	assert.Equal(t, 1, good.sent)
	assert.True(t, m.HasNotifiers())
	assert.False(t, NewManager(nil).HasNotifiers())
}
