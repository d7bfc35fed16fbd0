// Package storage provides S3-compatible object storage for raw message
// bodies. Objects are content-addressed under account-scoped keys of the
// form accountID/hash, where hash is the BLAKE3 digest of the raw
// message. Identical bodies imported twice by one account share a single
// object; accounts never share objects.
//
// When encryption is enabled, bodies are encrypted client-side with
// AES-256-GCM before upload. The key is a 32-byte hex string from
// config.toml.
package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

// ErrObjectNotFound indicates the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

type S3Storage struct {
	Client        *minio.Client
	BucketName    string
	Encrypt       bool
	EncryptionKey []byte
}

// New initializes an S3 client from configuration.
func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if cfg.Debug {
		client.TraceOn(os.Stdout)
	}

	s := &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
	}

	if cfg.Encrypt {
		if err := s.EnableEncryption(cfg.EncryptionKey); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// EnableEncryption enables client-side encryption for stored objects.
func (s *S3Storage) EnableEncryption(encryptionKey string) error {
	if encryptionKey == "" {
		return fmt.Errorf("encryption key is required when encryption is enabled")
	}

	masterKey, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(masterKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}

	s.Encrypt = true
	s.EncryptionKey = masterKey
	logger.Info("client-side storage encryption enabled")
	return nil
}

// Exists checks whether an object with the given key exists.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// Put uploads an object, encrypting it first when encryption is enabled.
func (s *S3Storage) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())
	}()

	if s.Encrypt {
		data, err := io.ReadAll(body)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("put", "failure").Inc()
			return fmt.Errorf("failed to read data for encryption: %w", err)
		}

		encrypted, err := s.encryptData(data)
		if err != nil {
			metrics.S3OperationsTotal.WithLabelValues("put", "failure").Inc()
			return fmt.Errorf("failed to encrypt data: %w", err)
		}

		body = bytes.NewReader(encrypted)
		size = int64(len(encrypted))
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("put", "failure").Inc()
		return fmt.Errorf("failed to store object %s: %w", key, err)
	}

	metrics.S3OperationsTotal.WithLabelValues("put", "success").Inc()
	return nil
}

// Get downloads an object and decrypts it when encryption is enabled.
func (s *S3Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	}()

	obj, err := s.Client.GetObject(ctx, s.BucketName, key, minio.GetObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("get", "failure").Inc()
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}

	if !s.Encrypt {
		// The GetObject call is lazy; a missing object surfaces on first
		// read. Stat now so callers get a clean not-found error.
		if _, err := obj.Stat(); err != nil {
			obj.Close()
			metrics.S3OperationsTotal.WithLabelValues("get", "failure").Inc()
			var minioErr minio.ErrorResponse
			if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
				return nil, ErrObjectNotFound
			}
			return nil, fmt.Errorf("failed to get object %s: %w", key, err)
		}
		metrics.S3OperationsTotal.WithLabelValues("get", "success").Inc()
		return obj, nil
	}

	defer obj.Close()
	ciphertext, err := io.ReadAll(obj)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("get", "failure").Inc()
		var minioErr minio.ErrorResponse
		if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}

	plaintext, err := s.decryptData(ciphertext)
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("get", "failure").Inc()
		return nil, fmt.Errorf("failed to decrypt object %s: %w", key, err)
	}

	metrics.S3OperationsTotal.WithLabelValues("get", "success").Inc()
	return io.NopCloser(bytes.NewReader(plaintext)), nil
}

// Delete removes an object. Deleting a missing object is not an error.
func (s *S3Storage) Delete(ctx context.Context, key string) error {
	start := time.Now()
	defer func() {
		metrics.S3OperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())
	}()

	err := s.Client.RemoveObject(ctx, s.BucketName, key, minio.RemoveObjectOptions{})
	if err != nil {
		metrics.S3OperationsTotal.WithLabelValues("delete", "failure").Inc()
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}

	metrics.S3OperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// encryptData encrypts data using AES-256-GCM. The nonce is prepended to
// the ciphertext.
func (s *S3Storage) encryptData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decryptData decrypts data produced by encryptData.
func (s *S3Storage) decryptData(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.EncryptionKey)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	return gcm.Open(nil, nonce, ciphertext, nil)
}
