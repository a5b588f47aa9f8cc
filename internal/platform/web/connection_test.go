package web_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-push-pool/internal/platform/web"
	"github.com/tinywideclouds/go-push-pool/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSubscription builds a subscription with real browser-side keys, so payload
// encryption succeeds.
func newSubscription(t *testing.T, endpoint string) notification.WebPushSubscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	sub := notification.WebPushSubscription{Endpoint: endpoint}
	sub.Keys.P256dh = key.PublicKey().Bytes()
	sub.Keys.Auth = auth
	return sub
}

func newTestConnection(t *testing.T, probeURL string) *web.Connection {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)
	return web.NewConnection(web.Config{
		PrivateKey:      priv,
		PublicKey:       pub,
		SubscriberEmail: "test-runner@tinywideclouds.com",
		ProbeURL:        probeURL,
	}, 10, newTestLogger())
}

func messageTo(t *testing.T, sub notification.WebPushSubscription, id string) *dispatch.Message {
	t.Helper()
	token, err := web.Token(sub)
	require.NoError(t, err)
	return &dispatch.Message{
		ID:      id,
		Token:   token,
		Content: notification.NotificationContent{Title: "Test", Body: "Body"},
		Data:    map[string]string{"id": "1"},
	}
}

func TestSend(t *testing.T) {
	var hits atomic.Int32
	// Simulates a browser push service (FCM web, Mozilla autopush).
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.NotEmpty(t, r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("TTL"))

		switch r.URL.Path {
		case "/success":
			w.WriteHeader(http.StatusCreated)
		case "/expired":
			w.WriteHeader(http.StatusGone)
		case "/error":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(mockServer.Close)

	ctx := context.Background()
	conn := newTestConnection(t, "")

	t.Run("Success is cached", func(t *testing.T) {
		before := hits.Load()
		sub := newSubscription(t, mockServer.URL+"/success")

		require.NoError(t, conn.Send(ctx, messageTo(t, sub, "m-1")))
		require.NoError(t, conn.Send(ctx, messageTo(t, sub, "m-1")))
		assert.Equal(t, before+1, hits.Load())
	})

	t.Run("Gone is permanent", func(t *testing.T) {
		sub := newSubscription(t, mockServer.URL+"/expired")
		err := conn.Send(ctx, messageTo(t, sub, "m-2"))

		var te *dispatch.TransportError
		require.ErrorAs(t, err, &te)
		assert.True(t, te.Permanent)
		assert.Equal(t, http.StatusGone, te.StatusCode)
		assert.Equal(t, sub.Endpoint, te.Token)
	})

	t.Run("Server error is retryable", func(t *testing.T) {
		sub := newSubscription(t, mockServer.URL+"/error")
		err := conn.Send(ctx, messageTo(t, sub, "m-3"))
		require.True(t, dispatch.IsTransport(err))
		assert.False(t, dispatch.IsPermanent(err))
	})

	t.Run("Malformed token is permanent", func(t *testing.T) {
		err := conn.Send(ctx, &dispatch.Message{ID: "m-4", Token: []byte("not json")})
		assert.True(t, dispatch.IsPermanent(err))
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("TestConnection probes the configured URL", func(t *testing.T) {
		var method string
		probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			method = r.Method
		}))
		t.Cleanup(probe.Close)

		require.NoError(t, newTestConnection(t, probe.URL).TestConnection(ctx))
		assert.Equal(t, http.MethodHead, method)

		assert.NoError(t, newTestConnection(t, "").TestConnection(ctx))
	})

	t.Run("Unreachable probe is a transport error", func(t *testing.T) {
		probe := httptest.NewServer(http.NotFoundHandler())
		url := probe.URL
		probe.Close()

		assert.True(t, dispatch.IsTransport(newTestConnection(t, url).TestConnection(ctx)))
	})

	t.Run("Copy keeps cache size and is independent", func(t *testing.T) {
		conn := newTestConnection(t, "")
		conn.SetCacheLength(4)

		cp, err := conn.Copy()
		require.NoError(t, err)
		assert.Equal(t, 4, cp.CacheLength())

		require.NoError(t, conn.Close())
		sub := newSubscription(t, "http://127.0.0.1:1/never")
		assert.ErrorIs(t, conn.Send(ctx, messageTo(t, sub, "x")), dispatch.ErrConnectionClosed)
		assert.NoError(t, cp.TestConnection(ctx))
		require.NoError(t, cp.Close())
		require.NoError(t, cp.Close())
	})
}
