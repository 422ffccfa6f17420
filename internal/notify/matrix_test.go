package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_Notify(t *testing.T) {
	var got matrixMessage
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		contentType = r.Header.Get("Content-Type")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(time.Second)
	err := w.Notify(context.Background(), srv.URL, Transition{PeerID: 1, PeerName: "nas", Online: true})
	require.NoError(t, err)

	assert.Equal(t, "application/json", contentType)
	assert.Equal(t, "m.text", got.MsgType)
	assert.Equal(t, "org.matrix.custom.html", got.Format)
	assert.Contains(t, got.Body, "**nas** is now ONLINE")
	assert.Contains(t, got.FormattedBody, "<b>ONLINE</b>")
}

func TestWebhook_EscapesHTML(t *testing.T) {
	msg := buildMessage(Transition{PeerName: "<script>", Online: false})
	assert.Contains(t, msg.FormattedBody, "&lt;script&gt;")
	assert.Contains(t, msg.Body, "OFFLINE")
}

func TestWebhook_EmptyURL(t *testing.T) {
	w := NewWebhook(0)
	assert.NoError(t, w.Notify(context.Background(), "", Transition{PeerName: "x"}))
}

func TestWebhook_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(time.Second).Notify(context.Background(), srv.URL, Transition{PeerName: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhook_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewWebhook(50*time.Millisecond).Notify(context.Background(), srv.URL, Transition{PeerName: "x"})
	assert.Error(t, err)
}
