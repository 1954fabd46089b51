package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// IdempotencyStore keeps replayable API responses in an AsyncStorage, so they
// live wherever payment snapshots do.
type IdempotencyStore struct {
	storage AsyncStorage
	now     func() time.Time
}

// NewIdempotencyStore creates a store over storage.
func NewIdempotencyStore(storage AsyncStorage) *IdempotencyStore {
	return &IdempotencyStore{storage: storage, now: time.Now}
}

type storedResponse struct {
	Response  []byte    `json:"response"`
	ExpiresAt time.Time `json:"expires_at"`
}

// idempotencyKey hashes key so any client-supplied value is a valid storage key.
func idempotencyKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "idempotency:" + hex.EncodeToString(sum[:])
}

// Get returns a stored response. Expired responses are removed and reported missing.
func (s *IdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	k := idempotencyKey(key)
	raw, ok, err := s.storage.GetItem(ctx, k)
	if err != nil || !ok {
		return nil, false, err
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, false, fmt.Errorf("decoding idempotent response: %w", err)
	}
	if !s.now().Before(stored.ExpiresAt) {
		return nil, false, s.storage.RemoveItem(ctx, k)
	}
	return stored.Response, true, nil
}

// Set stores response until ttl elapses.
func (s *IdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	data, err := json.Marshal(storedResponse{Response: response, ExpiresAt: s.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encoding idempotent response: %w", err)
	}
	return s.storage.SetItem(ctx, idempotencyKey(key), string(data))
}
