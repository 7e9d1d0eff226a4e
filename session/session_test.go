package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	a, err := NewKey()
	require.NoError(t, err)
	b, err := NewKey()
	require.NoError(t, err)

	assert.NotEqual(t, a.Tag([]byte("x")), b.Tag([]byte("x")), "fresh keys must differ")
}

func TestKeyFromBytes(t *testing.T) {
	material := bytes.Repeat([]byte{0x42}, KeySize)
	a, err := KeyFromBytes(material)
	require.NoError(t, err)
	b, err := KeyFromBytes(material)
	require.NoError(t, err)

	assert.Equal(t, a.Tag([]byte("x")), b.Tag([]byte("x")), "same material must produce the same tags")

	_, err = KeyFromBytes(material[:KeySize-1])
	assert.Error(t, err)
}

func TestTagVerify(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	secret := []byte("credential secret")
	akPub := []byte("attestation key")

	tag := key.Tag(secret, akPub)
	assert.Len(t, tag, TagSize)
	assert.NoError(t, key.Verify(tag, secret, akPub))
}

func TestVerify_RejectsTamperedParts(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)

	tag := key.Tag([]byte("secret"), []byte("akpub"))

	assert.Error(t, key.Verify(tag, []byte("tampered"), []byte("akpub")))
	assert.Error(t, key.Verify(tag, []byte("secret"), []byte("other")))
	assert.Error(t, key.Verify(tag, []byte("secret")))

	tampered := append([]byte(nil), tag...)
	tampered[0] ^= 0xff
	assert.Error(t, key.Verify(tampered, []byte("secret"), []byte("akpub")))
}

func TestVerify_KeyRotation(t *testing.T) {
	before, err := NewKey()
	require.NoError(t, err)
	after, err := NewKey()
	require.NoError(t, err)

	tag := before.Tag([]byte("nonce"))
	assert.Error(t, after.Verify(tag, []byte("nonce")), "a tag must not survive key rotation")
}
