package wcutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key, err := GenerateRandomBytes(32)
	require.NoError(t, err)

	for _, plain := range []string{"", "a", strings.Repeat("x", 16), `{"id":1,"jsonrpc":"2.0","method":"wc_sessionRequest"}`} {
		sealed, err := Seal([]byte(plain), key)
		require.NoError(t, err)
		opened, err := Open(sealed, key)
		require.NoError(t, err)
		require.Equal(t, plain, string(opened))
	}
}

func TestOpenRejectsTamperedHmac(t *testing.T) {
	key, _ := GenerateRandomBytes(32)
	other, _ := GenerateRandomBytes(32)
	sealed, err := Seal([]byte("hello"), key)
	require.NoError(t, err)

	_, err = Open(sealed, other)
	require.EqualError(t, err, "inconsistent session message hmac")
}

func TestUnpaddingRejectsGarbage(t *testing.T) {
	_, err := pkcs7Unpadding([]byte{1, 2, 3, 0}, 16)
	require.Error(t, err)
	_, err = pkcs7Unpadding([]byte{1, 2, 3, 2}, 16)
	require.Error(t, err)
	out, err := pkcs7Unpadding([]byte{1, 2, 2, 2}, 16)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, out)
}

func TestWebSocketURL(t *testing.T) {
	require.Equal(t, "wss://a.bridge.walletconnect.org?protocol=wc&version=1&env=go",
		GetWebSocketURL("https://a.bridge.walletconnect.org", "wc", "1"))
	require.Equal(t, "ws://127.0.0.1:9000/bridge?protocol=wc&version=1&env=go",
		GetWebSocketURL("http://127.0.0.1:9000/bridge", "wc", "1"))
	require.True(t, strings.HasPrefix(RandomBridgeURL(), "https://"))
}

func TestPairingURIRoundTrip(t *testing.T) {
	key, _ := GenerateRandomBytes(32)
	uri := PairingURI("topic-1", "https://b.bridge.walletconnect.org", key)
	topic, bridge, parsedKey, err := ParsePairingURI(uri)
	require.NoError(t, err)
	require.Equal(t, "topic-1", topic)
	require.Equal(t, "https://b.bridge.walletconnect.org", bridge)
	require.Equal(t, key, parsedKey)

	_, _, _, err = ParsePairingURI("http://nope")
	require.Error(t, err)
}
