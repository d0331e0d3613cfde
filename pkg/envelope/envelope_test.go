package envelope

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("remember to water the plants")

	ct, err := Encrypt(key, plaintext, AADMessageContent)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ct)

	pt, err := Decrypt(key, ct, AADMessageContent)
	require.NoError(t, err)
	assert.Equal(t, plaintext, pt)
}

func TestFreshNoncePerEncryption(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same input twice")

	ct1, err := Encrypt(key, plaintext, AADTodoTitle)
	require.NoError(t, err)
	ct2, err := Encrypt(key, plaintext, AADTodoTitle)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(ct1, ct2), "identical (key, aad, plaintext) must not repeat ciphertext")
}

func TestDecryptWrongAADFails(t *testing.T) {
	key := testKey(t)

	ct, err := Encrypt(key, []byte("secret"), AADAttachmentBytes("abc123"))
	require.NoError(t, err)

	_, err = Decrypt(key, ct, AADAttachmentBytes("def456"))
	assert.ErrorIs(t, err, ErrAuthFail)

	_, err = Decrypt(key, ct, AADMessageContent)
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key := testKey(t)
	other := testKey(t)

	ct, err := Encrypt(key, []byte("secret"), AADConversationTitle)
	require.NoError(t, err)

	_, err = Decrypt(other, ct, AADConversationTitle)
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key := testKey(t)

	ct, err := Encrypt(key, []byte("secret"), AADEventTitle)
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0x01

	_, err = Decrypt(key, ct, AADEventTitle)
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestDecryptTruncatedCiphertextFails(t *testing.T) {
	key := testKey(t)

	_, err := Decrypt(key, []byte{0x01, 0x02}, AADMessageContent)
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestBadKeyLength(t *testing.T) {
	_, err := Encrypt([]byte("short"), []byte("x"), AADMessageContent)
	assert.Error(t, err)
}

func TestAADBuilders(t *testing.T) {
	assert.Equal(t, "oplog.op_json:op-1", AADOplogOpJSON("op-1"))
	assert.Equal(t, "attachment.place:sha:en", AADAttachmentPlace("sha", "en"))
	assert.Equal(t, "sync.ops:dev-a:42", AADSyncOps("dev-a", 42))
	assert.Equal(t, "tag.name:system.tag.work", AADTagName("system.tag.work"))
}
