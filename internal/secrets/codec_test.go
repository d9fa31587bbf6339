package secrets

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func TestEncryptDecrypt(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	secret, err := codec.Encrypt("sk_live_123")
	require.NoError(t, err)

	parts := strings.Split(secret, ":")
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], ivSize*2)
	assert.Len(t, parts[1], tagSize*2)

	plain, err := codec.Decrypt(secret)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_123", plain)
}

func TestDecryptFailures(t *testing.T) {
	codec, err := NewCodec(testKey())
	require.NoError(t, err)

	good, err := codec.Encrypt("token")
	require.NoError(t, err)
	parts := strings.Split(good, ":")

	flipped := "0"
	if parts[2][0] == '0' {
		flipped = "1"
	}

	other, err := NewCodec(bytes.Repeat([]byte{0x01}, KeySize))
	require.NoError(t, err)

	tests := []struct {
		name   string
		codec  *Codec
		secret string
	}{
		{name: "two parts", codec: codec, secret: parts[0] + ":" + parts[2]},
		{name: "non-hex iv", codec: codec, secret: "zz:" + parts[1] + ":" + parts[2]},
		{name: "short tag", codec: codec, secret: parts[0] + ":abcd:" + parts[2]},
		{name: "tampered ciphertext", codec: codec, secret: parts[0] + ":" + parts[1] + ":" + flipped + parts[2][1:]},
		{name: "wrong key", codec: other, secret: good},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.codec.Decrypt(tt.secret)
			assert.Error(t, err)
		})
	}
}

func TestCodecWithoutKey(t *testing.T) {
	codec, err := NewCodecFromHex("")
	require.NoError(t, err)

	_, err = codec.Decrypt("a:b:c")
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestNewCodecRejectsShortKey(t *testing.T) {
	_, err := NewCodec([]byte("short"))
	assert.Error(t, err)

	_, err = NewCodecFromHex("abcd")
	assert.Error(t, err)
}
