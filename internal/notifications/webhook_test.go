package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testAlert() Alert {
	return Alert{
		MeterID:   "m-1",
		Contact:   "owner@example.com",
		TotalCost: 6675,
		Threshold: 5000,
		FiredAt:   time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
	}
}

func TestWebhookNotifierSignsPayload(t *testing.T) {
	var gotBody []byte
	var gotSig string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		gotBody, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		gotSig = r.Header.Get("X-GridPulse-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "topsecret", zap.NewNop())
	require.NoError(t, n.Send(context.Background(), testAlert()))

	require.True(t, VerifySignature(gotBody, gotSig, "topsecret"))
	require.False(t, VerifySignature(gotBody, gotSig, "wrong"))

	var payload Alert
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	require.Equal(t, "m-1", payload.MeterID)
	require.Equal(t, int64(6675), payload.TotalCost)
}

func TestWebhookNotifierRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, "", zap.NewNop())
	err := n.Send(context.Background(), testAlert())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Send(context.Context, Alert) error {
	s.calls++
	return s.err
}

func TestMultiStopsAtFirstFailure(t *testing.T) {
	first := &stubNotifier{err: errors.New("down")}
	second := &stubNotifier{}

	m := NewMulti(zap.NewNop(), first, second)
	require.Error(t, m.Send(context.Background(), testAlert()))
	require.Equal(t, 1, first.calls)
	require.Zero(t, second.calls)

	first.err = nil
	require.NoError(t, m.Send(context.Background(), testAlert()))
	require.Equal(t, 1, second.calls)
}

func TestMultiEmptyAlwaysSucceeds(t *testing.T) {
	m := NewMulti(zap.NewNop())
	require.NoError(t, m.Send(context.Background(), testAlert()))
}
