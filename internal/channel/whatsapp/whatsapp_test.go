package whatsapp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"innkeep/internal/channel"
	logx "innkeep/pkg/logx"
)

func testRequest() channel.Request {
	return channel.Request{
		ID:        "req-1",
		Channel:   channel.WhatsApp,
		Recipient: "+491701234567",
		Body:      "Your shift ends in 30 minutes.",
	}
}

func testCredential() channel.Credential {
	return channel.Credential{
		Username: "AC0123456789",
		Secret:   "token-secret",
		Sender:   "+14155550100",
	}
}

func TestSendSuccess(t *testing.T) {
	var gotPath, gotFrom, gotTo, gotAuthUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotFrom = r.PostForm.Get("From")
		gotTo = r.PostForm.Get("To")
		gotAuthUser, _, _ = r.BasicAuth()

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"sid": "SM123", "status": "queued"})
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL}, logx.Nop())
	res := a.Send(context.Background(), testRequest(), testCredential())

	assert.Equal(t, channel.Sent, res.Outcome)
	assert.Equal(t, http.StatusCreated, res.TransportCode)
	assert.Equal(t, "queued", res.TransportMessage)
	assert.Positive(t, res.PayloadSize)

	assert.Equal(t, "/Accounts/AC0123456789/Messages.json", gotPath)
	assert.Equal(t, "whatsapp:+14155550100", gotFrom)
	assert.Equal(t, "whatsapp:+491701234567", gotTo)
	assert.Equal(t, "AC0123456789", gotAuthUser)
}

func TestSendProviderRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{"code": 21211, "message": "invalid 'To' number"})
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL}, logx.Nop())
	res := a.Send(context.Background(), testRequest(), testCredential())

	assert.Equal(t, channel.Failed, res.Outcome)
	assert.True(t, res.Permanent, "4xx other than 408/429 must not retry")
	assert.Equal(t, 21211, res.TransportCode, "provider error code beats the HTTP status")
	assert.Contains(t, res.TransportMessage, "invalid 'To' number")
}

func TestSendRejectionWithoutProviderCodeKeepsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL}, logx.Nop())
	res := a.Send(context.Background(), testRequest(), testCredential())

	assert.Equal(t, channel.Failed, res.Outcome)
	assert.Equal(t, http.StatusBadRequest, res.TransportCode)
}

func TestSendRateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL}, logx.Nop())
	res := a.Send(context.Background(), testRequest(), testCredential())

	assert.Equal(t, channel.Failed, res.Outcome)
	assert.False(t, res.Permanent)
}

func TestSendServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(Config{BaseURL: srv.URL}, logx.Nop())
	res := a.Send(context.Background(), testRequest(), testCredential())

	assert.Equal(t, channel.Failed, res.Outcome)
	assert.False(t, res.Permanent)
	assert.Equal(t, http.StatusServiceUnavailable, res.TransportCode)
}

func TestSendNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	a := New(Config{BaseURL: srv.URL}, logx.Nop())
	res := a.Send(context.Background(), testRequest(), testCredential())

	assert.Equal(t, channel.Failed, res.Outcome)
	assert.False(t, res.Permanent)
	require.Error(t, res.Err)
}
