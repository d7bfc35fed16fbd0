package storage

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncryptedStorage(t *testing.T) *S3Storage {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	s := &S3Storage{BucketName: "test"}
	require.NoError(t, s.EnableEncryption(hex.EncodeToString(key)))
	return s
}

func TestEnableEncryption(t *testing.T) {
	s := &S3Storage{}

	err := s.EnableEncryption("")
	assert.Error(t, err, "empty key rejected")

	err = s.EnableEncryption("not-hex")
	assert.Error(t, err, "non-hex key rejected")

	err = s.EnableEncryption("abcd")
	assert.Error(t, err, "short key rejected")

	key := make([]byte, 32)
	err = s.EnableEncryption(hex.EncodeToString(key))
	require.NoError(t, err)
	assert.True(t, s.Encrypt)
	assert.Len(t, s.EncryptionKey, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	s := newEncryptedStorage(t)

	plaintext := []byte("From: alice@example.com\r\nSubject: test\r\n\r\nbody")
	ciphertext, err := s.encryptData(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := s.decryptData(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	s := newEncryptedStorage(t)

	plaintext := []byte("same input")
	first, err := s.encryptData(plaintext)
	require.NoError(t, err)
	second, err := s.encryptData(plaintext)
	require.NoError(t, err)

	// Random nonces mean identical plaintexts never encrypt identically
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsTamperedData(t *testing.T) {
	s := newEncryptedStorage(t)

	ciphertext, err := s.encryptData([]byte("payload"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = s.decryptData(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	s := newEncryptedStorage(t)

	_, err := s.decryptData([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestDecryptWrongKeyFails(t *testing.T) {
	s1 := newEncryptedStorage(t)
	s2 := newEncryptedStorage(t)

	ciphertext, err := s1.encryptData([]byte("secret"))
	require.NoError(t, err)

	_, err = s2.decryptData(ciphertext)
	assert.Error(t, err)
}
