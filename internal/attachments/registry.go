// Package attachments records which taps connect which guest to which network.
package attachments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when no attachment exists for a tap.
var ErrNotFound = errors.New("attachment not found")

const keyPrefix = "tap:"

// Attachment binds a tap interface to a guest and a network.
type Attachment struct {
	Tap       string    `json:"tap"`
	VM        string    `json:"vm"`
	Network   string    `json:"network"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry persists attachments in a Badger database.
type Registry struct {
	db *badger.DB
}

// Open opens or creates the registry at path.
func Open(path string) (*Registry, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open attachment registry %s: %w", path, err)
	}
	return &Registry{db: db}, nil
}

// Close releases the database.
func (r *Registry) Close() error {
	return r.db.Close()
}

func tapKey(tap string) []byte {
	return []byte(keyPrefix + tap)
}

// Put stores an attachment, replacing any previous record for the tap.
func (r *Registry) Put(_ context.Context, attachment Attachment) error {
	if attachment.Tap == "" {
		return errors.New("tap name is required")
	}
	if attachment.CreatedAt.IsZero() {
		attachment.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(attachment)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tapKey(attachment.Tap), data)
	})
}

// Get returns the attachment of a tap.
func (r *Registry) Get(_ context.Context, tap string) (Attachment, error) {
	var out Attachment
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tapKey(tap))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return Attachment{}, err
	}
	return out, nil
}

// Delete removes the attachment of a tap. A missing record is not an error.
func (r *Registry) Delete(_ context.Context, tap string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(tapKey(tap))
	})
}

// List returns every attachment sorted by tap name.
func (r *Registry) List(ctx context.Context) ([]Attachment, error) {
	return r.filter(ctx, func(Attachment) bool { return true })
}

// ByNetwork returns the attachments on a network.
func (r *Registry) ByNetwork(ctx context.Context, network string) ([]Attachment, error) {
	return r.filter(ctx, func(a Attachment) bool { return a.Network == network })
}

// ByVM returns the attachments of a guest.
func (r *Registry) ByVM(ctx context.Context, vm string) ([]Attachment, error) {
	return r.filter(ctx, func(a Attachment) bool { return a.VM == vm })
}

func (r *Registry) filter(_ context.Context, keep func(Attachment) bool) ([]Attachment, error) {
	var out []Attachment
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var attachment Attachment
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &attachment)
			}); err != nil {
				return err
			}
			if keep(attachment) {
				out = append(out, attachment)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan attachments: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tap < out[j].Tap })
	return out, nil
}
