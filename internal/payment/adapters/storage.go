package adapters

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"crosspay/internal/common/database"
)

// AsyncStorage is a string key-value store used to persist in-flight payments.
type AsyncStorage interface {
	// GetItem returns the value and whether the key exists.
	GetItem(ctx context.Context, key string) (string, bool, error)
	SetItem(ctx context.Context, key, value string) error
	// RemoveItem deletes key. Removing a missing key is not an error.
	RemoveItem(ctx context.Context, key string) error
}

// MemoryStorage keeps items in process memory.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (s *MemoryStorage) GetItem(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *MemoryStorage) SetItem(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *MemoryStorage) RemoveItem(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len returns the number of stored items.
func (s *MemoryStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// PostgresStorage stores items in the payment_snapshots table.
type PostgresStorage struct {
	db database.Querier
}

// NewPostgresStorage creates a Postgres backed storage.
func NewPostgresStorage(db database.Querier) *PostgresStorage {
	return &PostgresStorage{db: db}
}

func (s *PostgresStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(ctx, `SELECT value FROM payment_snapshots WHERE key = $1`, key).Scan(&value)
	if database.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting item %s: %w", key, err)
	}
	return value, true, nil
}

func (s *PostgresStorage) SetItem(ctx context.Context, key, value string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO payment_snapshots (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, key, value)
	if err != nil {
		return fmt.Errorf("setting item %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStorage) RemoveItem(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM payment_snapshots WHERE key = $1`, key); err != nil {
		return fmt.Errorf("removing item %s: %w", key, err)
	}
	return nil
}

// KVStorage stores items in a JetStream key-value bucket.
type KVStorage struct {
	kv jetstream.KeyValue
}

// KVConfig configures the JetStream bucket.
type KVConfig struct {
	Bucket string        `envconfig:"PAYMENTS_KV_BUCKET" default:"payments"`
	TTL    time.Duration `envconfig:"PAYMENTS_KV_TTL" default:"168h"`
}

// NewKVStorage opens the bucket, creating it if it does not exist.
func NewKVStorage(ctx context.Context, js jetstream.JetStream, cfg KVConfig) (*KVStorage, error) {
	kv, err := js.KeyValue(ctx, cfg.Bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "in-flight payment snapshots",
			TTL:         cfg.TTL,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("opening key-value bucket %s: %w", cfg.Bucket, err)
	}
	return &KVStorage{kv: kv}, nil
}

// kvKey maps a storage key onto the NATS key alphabet.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

func (s *KVStorage) GetItem(ctx context.Context, key string) (string, bool, error) {
	entry, err := s.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("getting item %s: %w", key, err)
	}
	return string(entry.Value()), true, nil
}

func (s *KVStorage) SetItem(ctx context.Context, key, value string) error {
	if _, err := s.kv.Put(ctx, kvKey(key), []byte(value)); err != nil {
		return fmt.Errorf("setting item %s: %w", key, err)
	}
	return nil
}

func (s *KVStorage) RemoveItem(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, kvKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("removing item %s: %w", key, err)
	}
	return nil
}
