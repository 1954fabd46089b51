package machine

import (
	"context"
	"encoding/json"
	"fmt"

	"crosspay/internal/payment/adapters"
)

// KeyPrefix namespaces persisted payment attempts.
const KeyPrefix = "payment:"

// Key returns the storage key of a payment attempt.
func Key(id string) string {
	return KeyPrefix + id
}

// Persister saves and loads machine snapshots through an AsyncStorage.
type Persister struct {
	storage adapters.AsyncStorage
}

// NewPersister creates a persister.
func NewPersister(storage adapters.AsyncStorage) *Persister {
	return &Persister{storage: storage}
}

// Save writes the machine's snapshot under the attempt id.
func (p *Persister) Save(ctx context.Context, id string, m *Machine) error {
	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if err := p.storage.SetItem(ctx, Key(id), string(data)); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// Load reads a snapshot and reconstructs the machine with adapters injected. It
// returns false when nothing is stored for id.
func (p *Persister) Load(ctx context.Context, id string, adapters Adapters) (*Machine, bool, error) {
	data, ok, err := p.storage.GetItem(ctx, Key(id))
	if err != nil {
		return nil, false, fmt.Errorf("loading snapshot: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, false, fmt.Errorf("decoding snapshot: %w", err)
	}
	if !snap.State.Valid() {
		return nil, false, fmt.Errorf("decoding snapshot: unknown state %q", snap.State)
	}
	return FromSnapshot(snap, adapters), true, nil
}

// Delete removes the snapshot of an attempt.
func (p *Persister) Delete(ctx context.Context, id string) error {
	if err := p.storage.RemoveItem(ctx, Key(id)); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}
