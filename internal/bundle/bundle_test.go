package bundle

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPSK = []byte("p")

func TestSalt(t *testing.T) {
	salt := Salt("dev-A")
	require.Len(t, salt, SaltSize)
	assert.Equal(t, []byte("dev-A"), salt[:5])
	assert.Equal(t, make([]byte, SaltSize-5), salt[5:])

	long := Salt("0123456789abcdef0123456789abcdefEXTRA")
	assert.Equal(t, []byte("0123456789abcdef0123456789abcdef"), long)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	k1, err := DeriveKey(testPSK, "dev-A")
	require.NoError(t, err)
	k2, err := DeriveKey(testPSK, "dev-A")
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
}

func TestDeriveKey_DeviceAndPSKSpecific(t *testing.T) {
	a, err := DeriveKey(testPSK, "dev-A")
	require.NoError(t, err)
	b, err := DeriveKey(testPSK, "dev-B")
	require.NoError(t, err)
	otherPSK, err := DeriveKey([]byte("q"), "dev-A")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, otherPSK)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	key, err := DeriveKey(testPSK, "dev-A")
	require.NoError(t, err)

	for _, plaintext := range [][]byte{
		[]byte(`{"netbird_setup_key":"k","ssh_keys":["ssh-ed25519 AAAA"],"timestamp":1}`),
		{},
		bytes.Repeat([]byte{0xab}, 4096),
	} {
		blob, err := Seal(key, plaintext)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(blob)
		require.NoError(t, err)
		assert.Len(t, raw, NonceSize+len(plaintext)+TagSize)

		got, err := Open(key, blob)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plaintext, got))
	}
}

func TestSeal_FreshNoncePerCall(t *testing.T) {
	key, err := DeriveKey(testPSK, "dev-A")
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 32; i++ {
		blob, err := Seal(key, []byte("same plaintext"))
		require.NoError(t, err)
		raw, _ := base64.StdEncoding.DecodeString(blob)
		nonce := string(raw[:NonceSize])
		assert.False(t, seen[nonce], "nonce reused")
		seen[nonce] = true
	}
}

func TestOpen_FailsClosed(t *testing.T) {
	key, err := DeriveKey(testPSK, "dev-A")
	require.NoError(t, err)
	otherKey, err := DeriveKey(testPSK, "dev-B")
	require.NoError(t, err)

	blob, err := Seal(key, []byte("secret"))
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(blob)

	tampered := append([]byte(nil), raw...)
	tampered[NonceSize] ^= 0x01
	badTag := append([]byte(nil), raw...)
	badTag[len(badTag)-1] ^= 0x80

	cases := map[string]struct {
		key  []byte
		blob string
	}{
		"wrong key":     {otherKey, blob},
		"tampered body": {key, base64.StdEncoding.EncodeToString(tampered)},
		"tampered tag":  {key, base64.StdEncoding.EncodeToString(badTag)},
		"truncated":     {key, base64.StdEncoding.EncodeToString(raw[:NonceSize+TagSize-1])},
		"tag stripped":  {key, base64.StdEncoding.EncodeToString(raw[:len(raw)-TagSize])},
		"not base64":    {key, "!!not-base64!!"},
		"empty":         {key, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got, err := Open(tc.key, tc.blob)
			assert.ErrorIs(t, err, ErrDecryptionFailed)
			assert.Nil(t, got)
		})
	}
}

func TestSeal_RejectsBadKey(t *testing.T) {
	_, err := Seal([]byte("short"), []byte("x"))
	assert.Error(t, err)
}

func TestSealer_BundleRoundTrip(t *testing.T) {
	sealer := NewSealer(testPSK)
	in := Bundle{
		SetupKey: "NB-SETUP-KEY",
		SSHKeys:  []string{"ssh-ed25519 AAAA one", "ssh-rsa BBBB two"},
		IssuedAt: 1_700_000_000,
	}

	blob, err := sealer.SealFor("dev-A", in)
	require.NoError(t, err)

	out, err := sealer.OpenFor("dev-A", blob)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = sealer.OpenFor("dev-B", blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "another serial's key must not open the bundle")

	_, err = NewSealer([]byte("q")).OpenFor("dev-A", blob)
	assert.ErrorIs(t, err, ErrDecryptionFailed, "another PSK must not open the bundle")
}

func TestSealer_NilSSHKeysEncodeAsEmptyList(t *testing.T) {
	sealer := NewSealer(testPSK)
	blob, err := sealer.SealFor("dev-A", Bundle{SetupKey: "k"})
	require.NoError(t, err)

	key, _ := DeriveKey(testPSK, "dev-A")
	plaintext, err := Open(key, blob)
	require.NoError(t, err)
	assert.Contains(t, string(plaintext), `"ssh_keys":[]`)
}
