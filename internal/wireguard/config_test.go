package wireguard

import (
	"encoding/base64"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func testParams() ClientConfigParams {
	return ClientConfigParams{
		ClientPrivateKey: "yAnz5TF+lXXJte14tji3zlMNq+hd2rYUIgJBgB3fBmk=",
		ClientAddress:    "10.8.0.7",
		ServerPublicKey:  "HIgo9xNzJMWLKASShiTqIybxZ0U3wGLiUeJ1PKf8ykI=",
		ServerEndpoint:   "vpn.example.com:51820",
		MeshCIDR:         "10.8.0.0/24",
	}
}

func TestGenerateClientConfig(t *testing.T) {
	params := testParams()
	require.NoError(t, params.Validate())

	config := GenerateClientConfig(params)

	assert.True(t, strings.HasPrefix(config, "[Interface]\n"))
	assert.Contains(t, config, "PrivateKey = "+params.ClientPrivateKey)
	assert.Contains(t, config, "Address = 10.8.0.7/32")
	assert.Contains(t, config, "MTU = 1420")
	assert.Contains(t, config, "[Peer]")
	assert.Contains(t, config, "PublicKey = "+params.ServerPublicKey)
	assert.Contains(t, config, "Endpoint = vpn.example.com:51820")
	assert.Contains(t, config, "AllowedIPs = 10.8.0.0/24")
	assert.Contains(t, config, "PersistentKeepalive = 25")
}

func TestGenerateClientConfig_NoEndpoint(t *testing.T) {
	params := testParams()
	params.ServerEndpoint = ""
	params.MTU = 1280

	config := GenerateClientConfig(params)
	assert.NotContains(t, config, "Endpoint =")
	assert.Contains(t, config, "MTU = 1280")
}

func TestClientConfigParams_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClientConfigParams)
	}{
		{"missing private key", func(p *ClientConfigParams) { p.ClientPrivateKey = "" }},
		{"missing address", func(p *ClientConfigParams) { p.ClientAddress = "" }},
		{"missing server key", func(p *ClientConfigParams) { p.ServerPublicKey = "" }},
		{"missing cidr", func(p *ClientConfigParams) { p.MeshCIDR = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestGenerateQRCodeDataURL(t *testing.T) {
	dataURL, err := GenerateQRCodeDataURL(GenerateClientConfig(testParams()), 256)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(dataURL, "data:image/png;base64,"))

	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, "data:image/png;base64,"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0x50, 0x4E, 0x47}, png[:4])

	_, err = GenerateQRCodeDataURL("", 256)
	assert.Error(t, err)
}

func TestGenerateKeyPair(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.True(t, ValidPublicKey(pub))

	key, err := wgtypes.ParseKey(priv)
	require.NoError(t, err)
	assert.Equal(t, pub, key.PublicKey().String())

	assert.False(t, ValidPublicKey("not-a-key"))
	assert.False(t, ValidPublicKey(""))
}

func TestSamplesFromDevice(t *testing.T) {
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	hs := time.Unix(1700000000, 0)

	dev := &wgtypes.Device{Peers: []wgtypes.Peer{
		{PublicKey: key.PublicKey(), LastHandshakeTime: hs, ReceiveBytes: 1000, TransmitBytes: 500},
		{PublicKey: key.PublicKey(), ReceiveBytes: 3},
	}}

	samples := samplesFromDevice(dev)
	require.Len(t, samples, 2)
	assert.Equal(t, key.PublicKey().String(), samples[0].PublicKey)
	assert.Equal(t, int64(1700000000), samples[0].LastHandshake)
	assert.Equal(t, uint64(1000), samples[0].RX)
	assert.Equal(t, uint64(500), samples[0].TX)
	assert.Equal(t, int64(0), samples[1].LastHandshake)
}

func TestPrefixToIPNet(t *testing.T) {
	n := prefixToIPNet(netip.MustParsePrefix("10.8.0.5/32"))
	assert.Equal(t, "10.8.0.5/32", n.String())
}

func TestFake(t *testing.T) {
	f := NewFake()
	f.SetSamples(Sample{PublicKey: "a", RX: 1})

	samples, err := f.QueryPeers()
	require.NoError(t, err)
	assert.Len(t, samples, 1)

	f.SetQueryError(ErrInterfaceDown)
	_, err = f.QueryPeers()
	assert.ErrorIs(t, err, ErrInterfaceDown)

	require.NoError(t, f.AddPeer("a", netip.MustParsePrefix("10.8.0.2/32")))
	f.SetAddError(errors.New("boom"))
	assert.Error(t, f.AddPeer("b", netip.MustParsePrefix("10.8.0.3/32")))
	assert.Len(t, f.Peers(), 1)
	assert.Equal(t, 2, f.AddCalls())
}
