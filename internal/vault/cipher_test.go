package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyring_RoundTrip(t *testing.T) {
	k := newKeyring(t, 3, 'k')

	sealed, err := k.Encrypt([]byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, 3, ParseVersion(sealed))

	plain, err := k.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(plain))

	again, err := k.Encrypt([]byte("secret"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must be random")
}

func TestKeyring_Tamper(t *testing.T) {
	k := newKeyring(t, 1, 'k')
	sealed, err := k.Encrypt([]byte("secret"))
	require.NoError(t, err)

	b := []byte(sealed)
	last := len(b) - 5
	if b[last] == 'A' {
		b[last] = 'B'
	} else {
		b[last] = 'A'
	}
	_, err = k.Decrypt(string(b))
	assert.Error(t, err)

	_, err = k.Decrypt("plain text")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestKeyring_UnknownVersion(t *testing.T) {
	old := newKeyring(t, 1, 'a')
	sealed, err := old.Encrypt([]byte("x"))
	require.NoError(t, err)

	current := newKeyring(t, 2, 'b')
	_, err = current.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrUnknownKeyVersion)

	require.NoError(t, current.Add(1, testSecret('a')))
	plain, err := current.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "x", string(plain))
	assert.Equal(t, 2, current.Current())
}

func TestDeriveKey(t *testing.T) {
	raw, err := DeriveKey(testSecret('q'))
	require.NoError(t, err)
	assert.Equal(t, []byte("qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq"), raw)

	p1, err := DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	p2, err := DeriveKey("correct horse battery staple")
	require.NoError(t, err)
	assert.Len(t, p1, KeySize)
	assert.Equal(t, p1, p2)

	_, err = DeriveKey("")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, 12, ParseVersion("ENC[v12]:abcd"))
	assert.Equal(t, 0, ParseVersion("ENC[v0]:abcd"))
	assert.Equal(t, 0, ParseVersion("ENC[vx]:abcd"))
	assert.Equal(t, 0, ParseVersion("nothing"))
}
