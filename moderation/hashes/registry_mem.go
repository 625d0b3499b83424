package hashes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/puzpuzpuz/xsync/v3"
)

// MemRegistry is an in-process registry, optionally seeded from a JSON file
// mapping hash to note.
type MemRegistry struct {
	Hashes *xsync.MapOf[string, string]
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		Hashes: xsync.NewMapOf[string, string](),
	}
}

func (r *MemRegistry) IsKnownBad(ctx context.Context, hash string) (bool, error) {
	_, ok := r.Hashes.Load(hash)
	return ok, nil
}

func (r *MemRegistry) Add(ctx context.Context, hash, note string) error {
	h, err := NormalizeHash(hash)
	if err != nil {
		return err
	}
	r.Hashes.Store(h, note)
	return nil
}

func (r *MemRegistry) LoadFromFileJSON(p string) error {
	raw, err := os.ReadFile(p)
	if err != nil {
		return err
	}

	var entries map[string]string
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}

	for h, note := range entries {
		if err := r.Add(context.Background(), h, note); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemRegistry) SaveToFileJSON(p string) error {
	entries := make(map[string]string, r.Hashes.Size())
	r.Hashes.Range(func(h, note string) bool {
		entries[h] = note
		return true
	})
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, raw, 0644)
}
