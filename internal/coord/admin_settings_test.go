package coord

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgingress/wgingress/internal/store"
	"github.com/wgingress/wgingress/pkg/proto"
)

func strPtr(s string) *string { return &s }

func TestSettings_GetEmpty(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestSettings_Update(t *testing.T) {
	ts := newTestServer(t)
	_, key := generateKey(t)

	w := ts.do(t, http.MethodPost, "/api/settings", proto.Settings{
		ServerPublicKey:  strPtr(key),
		ServerEndpoint:   strPtr("hub.example.com:51820"),
		MatrixWebhookURL: strPtr("https://matrix.example.com/hook/abc"),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[proto.Settings](t, w)
	require.NotNil(t, resp.ServerPublicKey)
	assert.Equal(t, key, *resp.ServerPublicKey)
	assert.Equal(t, "hub.example.com:51820", *resp.ServerEndpoint)
	assert.Equal(t, "https://matrix.example.com/hook/abc", *resp.MatrixWebhookURL)
	assert.Equal(t, 1, ts.changes)

	// absent fields are left alone
	w = ts.do(t, http.MethodPost, "/api/settings", proto.Settings{MatrixWebhookURL: strPtr("")})
	require.Equal(t, http.StatusOK, w.Code)
	settings, err := ts.store.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key, settings[store.SettingServerPublicKey])
	assert.Equal(t, "", settings[store.SettingMatrixWebhookURL])
}

func TestSettings_UpdateValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		req  proto.Settings
	}{
		{"bad key", proto.Settings{ServerPublicKey: strPtr("short")}},
		{"endpoint without port", proto.Settings{ServerEndpoint: strPtr("hub.example.com")}},
		{"endpoint port range", proto.Settings{ServerEndpoint: strPtr("hub.example.com:70000")}},
		{"webhook scheme", proto.Settings{MatrixWebhookURL: strPtr("ftp://example.com/hook")}},
		{"webhook relative", proto.Settings{MatrixWebhookURL: strPtr("/hook")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/settings", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	settings, err := ts.store.Settings(context.Background())
	require.NoError(t, err)
	assert.Empty(t, settings)
}

func TestSettings_DetectKey(t *testing.T) {
	ts := newTestServer(t)
	ts.driver.SetPublicKey("iface-key")

	w := ts.do(t, http.MethodGet, "/api/settings/detect-key", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "iface-key", decode[map[string]string](t, w)["publicKey"])

	ts.driver.SetQueryError(errors.New("no such device"))
	w = ts.do(t, http.MethodGet, "/api/settings/detect-key", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSettings_InterfaceStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.driver.SetPublicKey("iface-key")

	w := ts.do(t, http.MethodGet, "/api/settings/wg-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[proto.InterfaceStatus](t, w)
	assert.Equal(t, "wg-test", st.Interface)
	assert.True(t, st.Up)
	assert.Equal(t, "iface-key", st.PublicKey)

	ts.driver.SetQueryError(errors.New("no such device"))
	w = ts.do(t, http.MethodGet, "/api/settings/wg-status", nil)
	st = decode[proto.InterfaceStatus](t, w)
	assert.False(t, st.Up)
	assert.Equal(t, "no such device", st.Error)
}

func TestValidEndpoint(t *testing.T) {
	assert.True(t, validEndpoint("1.2.3.4:51820"))
	assert.True(t, validEndpoint("[2001:db8::1]:51820"))
	assert.False(t, validEndpoint(":51820"))
	assert.False(t, validEndpoint("host:0"))
}
