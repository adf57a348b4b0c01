package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"

	"mcphub/internal/domain"
)

const nonceSize = 24

// DeriveStorageKey turns a passphrase into a secretbox key.
func DeriveStorageKey(passphrase string) [32]byte {
	return sha256.Sum256([]byte(passphrase))
}

// EncryptedStorage seals each serialized token blob with nacl/secretbox
// before it reaches disk. A blob that fails to open (wrong key, tampering,
// truncation) is treated as absent: Get logs the failure and returns
// (nil, nil) so the caller falls back to a fresh authorization flow.
type EncryptedStorage struct {
	kv     *boltKV
	key    [32]byte
	logger *zap.Logger
	now    func() time.Time
}

func NewEncryptedStorage(path string, key [32]byte, logger *zap.Logger) (*EncryptedStorage, error) {
	kv, err := openBoltKV(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EncryptedStorage{
		kv:     kv,
		key:    key,
		logger: logger.Named("tokenstore"),
		now:    time.Now,
	}, nil
}

func (s *EncryptedStorage) Get(resource string) (*domain.StoredToken, error) {
	sealed, err := s.kv.get(resource)
	if err != nil || sealed == nil {
		return nil, err
	}

	plaintext, err := s.open(sealed)
	if err != nil {
		s.logger.Error("stored token could not be decrypted, treating as absent",
			zap.String("resource", resource), zap.Error(err))
		return nil, nil
	}

	var token domain.StoredToken
	if err := json.Unmarshal(plaintext, &token); err != nil {
		s.logger.Error("stored token could not be decoded, treating as absent",
			zap.String("resource", resource), zap.Error(err))
		return nil, nil
	}
	return &token, nil
}

func (s *EncryptedStorage) Store(resource string, token *domain.StoredToken) error {
	plaintext, err := json.Marshal(stampToken(token, s.now()))
	if err != nil {
		return fmt.Errorf("encode stored token: %w", err)
	}
	sealed, err := s.seal(plaintext)
	if err != nil {
		return err
	}
	return s.kv.put(resource, sealed)
}

func (s *EncryptedStorage) Remove(resource string) error {
	return s.kv.delete(resource)
}

func (s *EncryptedStorage) Close() error {
	return s.kv.close()
}

func (s *EncryptedStorage) seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *EncryptedStorage) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, errors.New("sealed blob too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("secretbox open failed")
	}
	return plaintext, nil
}

var _ TokenStorage = (*EncryptedStorage)(nil)
