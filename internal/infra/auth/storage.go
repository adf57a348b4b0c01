package auth

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"mcphub/internal/domain"
)

// TokenStorage persists client-side token pairs keyed by normalized
// resource URL. Get returns (nil, nil) when nothing is stored.
type TokenStorage interface {
	Get(resource string) (*domain.StoredToken, error)
	Store(resource string, token *domain.StoredToken) error
	Remove(resource string) error
}

var tokenBucket = []byte("tokens")

// boltKV is the shared blob layer under both storage variants.
type boltKV struct {
	db *bbolt.DB
}

func openBoltKV(path string) (*boltKV, error) {
	const op = "auth.open_token_store"
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, domain.E(domain.CodeInternal, op, "", fmt.Errorf("open %s: %w", path, err))
	}
	return &boltKV{db: db}, nil
}

func (kv *boltKV) get(key string) ([]byte, error) {
	var out []byte
	err := kv.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tokenBucket)
		if bucket == nil {
			return nil
		}
		if val := bucket.Get([]byte(key)); val != nil {
			out = make([]byte, len(val))
			copy(out, val)
		}
		return nil
	})
	return out, err
}

func (kv *boltKV) put(key string, val []byte) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(tokenBucket)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), val)
	})
}

func (kv *boltKV) delete(key string) error {
	return kv.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(tokenBucket)
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (kv *boltKV) close() error {
	return kv.db.Close()
}

// stampToken fills in the bookkeeping fields the issuer response omits:
// IssuedAt defaults to now, ExpiresAt is derived from ExpiresIn when the
// exchange reported a lifetime but no absolute expiry.
func stampToken(token *domain.StoredToken, now time.Time) *domain.StoredToken {
	stamped := *token
	if stamped.IssuedAt.IsZero() {
		stamped.IssuedAt = now
	}
	if stamped.ExpiresAt.IsZero() && stamped.ExpiresIn > 0 {
		stamped.ExpiresAt = stamped.IssuedAt.Add(time.Duration(stamped.ExpiresIn) * time.Second)
	}
	return &stamped
}

// BoltStorage keeps tokens as plain JSON blobs in a local bbolt database.
type BoltStorage struct {
	kv  *boltKV
	now func() time.Time
}

func NewBoltStorage(path string) (*BoltStorage, error) {
	kv, err := openBoltKV(path)
	if err != nil {
		return nil, err
	}
	return &BoltStorage{kv: kv, now: time.Now}, nil
}

func (s *BoltStorage) Get(resource string) (*domain.StoredToken, error) {
	data, err := s.kv.get(resource)
	if err != nil || data == nil {
		return nil, err
	}
	var token domain.StoredToken
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("decode stored token: %w", err)
	}
	return &token, nil
}

func (s *BoltStorage) Store(resource string, token *domain.StoredToken) error {
	data, err := json.Marshal(stampToken(token, s.now()))
	if err != nil {
		return fmt.Errorf("encode stored token: %w", err)
	}
	return s.kv.put(resource, data)
}

func (s *BoltStorage) Remove(resource string) error {
	return s.kv.delete(resource)
}

func (s *BoltStorage) Close() error {
	return s.kv.close()
}

var _ TokenStorage = (*BoltStorage)(nil)

// MemoryStorage holds tokens in process memory only. Used by the ephemeral
// paths and in tests.
type MemoryStorage struct {
	mu     sync.Mutex
	tokens map[string]*domain.StoredToken
	now    func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tokens: make(map[string]*domain.StoredToken), now: time.Now}
}

func (s *MemoryStorage) Get(resource string) (*domain.StoredToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[resource]
	if !ok {
		return nil, nil
	}
	copied := *token
	return &copied, nil
}

func (s *MemoryStorage) Store(resource string, token *domain.StoredToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[resource] = stampToken(token, s.now())
	return nil
}

func (s *MemoryStorage) Remove(resource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, resource)
	return nil
}

var _ TokenStorage = (*MemoryStorage)(nil)
