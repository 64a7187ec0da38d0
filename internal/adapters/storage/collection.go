package storage

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/plexus/internal/domain"
	json "github.com/goccy/go-json"
)

const indexKeyPrefix = "idx:"

// Schema describes how a record type is keyed, versioned and indexed.
type Schema[T any] struct {
	Name    string
	ID      func(*T) string
	Status  func(*T) string
	Version func(*T) *int64
	Indexes map[string]func(*T) []string
}

// Collection is a typed table of JSON records stored in badger.
// Every write runs in its own transaction and is replayed on conflict.
type Collection[T any] struct {
	db      *badger.DB
	schema  Schema[T]
	retries int
	logger  *slog.Logger
}

func NewCollection[T any](db *badger.DB, schema Schema[T], retries int, logger *slog.Logger) *Collection[T] {
	if logger == nil {
		logger = slog.Default()
	}
	if retries <= 0 {
		retries = 16
	}
	return &Collection[T]{
		db:      db,
		schema:  schema,
		retries: retries,
		logger:  logger.With("component", "storage."+schema.Name),
	}
}

func (c *Collection[T]) Name() string {
	return c.schema.Name
}

func (c *Collection[T]) recordKey(id string) []byte {
	return []byte(c.schema.Name + ":" + id)
}

func (c *Collection[T]) recordPrefix() []byte {
	return []byte(c.schema.Name + ":")
}

func (c *Collection[T]) indexPrefix(index, value string) string {
	return indexKeyPrefix + c.schema.Name + ":" + index + ":" + value + ":"
}

func (c *Collection[T]) notFound(id string) error {
	return newStorageError(c.schema.Name+" record not found", domain.ErrNotFound,
		domain.WithOperation("get"), domain.WithDetail("id", id))
}

// Get returns the record stored under id.
func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out *T
	err := c.db.View(func(txn *badger.Txn) error {
		record, _, err := c.load(txn, id)
		if err != nil {
			return err
		}
		if record == nil {
			return c.notFound(id)
		}
		out = record
		return nil
	})
	return out, err
}

// GetRaw returns the stored bytes without decoding them.
func (c *Collection[T]) GetRaw(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.recordKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return c.notFound(id)
			}
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	return raw, err
}

func (c *Collection[T]) Exists(ctx context.Context, id string) (bool, error) {
	_, err := c.GetRaw(ctx, id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// FindByIDs loads every existing id in one read. A record that fails to decode fails the batch.
func (c *Collection[T]) FindByIDs(ctx context.Context, ids []string) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]*T, 0, len(ids))
	err := c.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			record, _, err := c.load(txn, id)
			if err != nil {
				return err
			}
			if record != nil {
				out = append(out, record)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Find scans the collection. Records that fail to decode are logged and skipped.
func (c *Collection[T]) Find(ctx context.Context, filter func(*T) bool) ([]*T, error) {
	var out []*T
	err := c.ScanRaw(ctx, func(id string, raw []byte) error {
		var record T
		if err := json.Unmarshal(raw, &record); err != nil {
			c.logger.Warn("skipping undecodable record", "id", id, "error", err)
			return nil
		}
		if filter == nil || filter(&record) {
			out = append(out, &record)
		}
		return nil
	})
	return out, err
}

// FindBy returns the records whose index entry equals value.
func (c *Collection[T]) FindBy(ctx context.Context, index, value string) ([]*T, error) {
	ids, err := c.IDsBy(ctx, index, value)
	if err != nil {
		return nil, err
	}
	var out []*T
	err = c.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			record, _, err := c.load(txn, id)
			if err != nil {
				c.logger.Warn("skipping undecodable record", "id", id, "index", index, "error", err)
				continue
			}
			if record != nil {
				out = append(out, record)
			}
		}
		return nil
	})
	return out, err
}

// IDsBy returns the ids stored under an index value, sorted.
func (c *Collection[T]) IDsBy(ctx context.Context, index, value string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := c.indexPrefix(index, value)
	var ids []string
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), prefix))
		}
		return nil
	})
	sort.Strings(ids)
	return ids, err
}

// ScanRaw visits every stored record in key order.
func (c *Collection[T]) ScanRaw(ctx context.Context, fn func(id string, raw []byte) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix := c.recordPrefix()
	return c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			id := strings.TrimPrefix(string(item.Key()), string(prefix))
			if err := fn(id, raw); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Collection[T]) Count(ctx context.Context) (int, error) {
	count := 0
	err := c.ScanRaw(ctx, func(string, []byte) error {
		count++
		return nil
	})
	return count, err
}

// Save writes record unconditionally, bumping its version.
func (c *Collection[T]) Save(ctx context.Context, record *T) error {
	return c.SaveAll(ctx, []*T{record})
}

// SaveAll writes every record in one transaction.
func (c *Collection[T]) SaveAll(ctx context.Context, records []*T) error {
	if len(records) == 0 {
		return nil
	}
	return c.update(ctx, func(txn *badger.Txn) error {
		for _, record := range records {
			_, old, err := c.load(txn, c.schema.ID(record))
			if err != nil && !isDecodeError(err) {
				return err
			}
			if err := c.write(txn, old, record); err != nil {
				return err
			}
		}
		return nil
	})
}

// Insert writes record only if no record with the same id exists.
func (c *Collection[T]) Insert(ctx context.Context, record *T) error {
	id := c.schema.ID(record)
	return c.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(c.recordKey(id))
		if err == nil {
			return newConflictError(c.schema.Name+" record already exists", domain.WithDetail("id", id))
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return c.write(txn, nil, record)
	})
}

// PutRaw stores bytes under id without decoding or indexing them.
func (c *Collection[T]) PutRaw(ctx context.Context, id string, raw []byte) error {
	return c.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(c.recordKey(id), raw)
	})
}

// UpdateIf applies mutate to the record when cond holds, atomically.
// It returns (nil, nil) when the record is missing or cond rejects it.
func (c *Collection[T]) UpdateIf(ctx context.Context, id string, cond func(*T) bool, mutate func(*T) error) (*T, error) {
	var out *T
	err := c.update(ctx, func(txn *badger.Txn) error {
		out = nil
		record, old, err := c.load(txn, id)
		if err != nil {
			return err
		}
		if record == nil || (cond != nil && !cond(record)) {
			return nil
		}
		if err := mutate(record); err != nil {
			return err
		}
		if err := c.write(txn, old, record); err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Upsert runs fn against the current record (nil when absent) and writes what it returns.
// Returning a nil record leaves the store untouched.
func (c *Collection[T]) Upsert(ctx context.Context, id string, fn func(current *T) (*T, error)) (*T, error) {
	var out *T
	err := c.update(ctx, func(txn *badger.Txn) error {
		out = nil
		current, old, err := c.load(txn, id)
		if err != nil {
			return err
		}
		next, err := fn(current)
		if err != nil || next == nil {
			return err
		}
		if err := c.write(txn, old, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BulkUpdate applies mutate to every record matching filter. Each record is
// updated in its own transaction with filter re-checked, so concurrent writers
// never see a half-applied record.
func (c *Collection[T]) BulkUpdate(ctx context.Context, filter func(*T) bool, mutate func(*T) error) ([]*T, error) {
	candidates, err := c.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	updated := make([]*T, 0, len(candidates))
	for _, candidate := range candidates {
		record, err := c.UpdateIf(ctx, c.schema.ID(candidate), filter, mutate)
		if err != nil {
			return updated, err
		}
		if record != nil {
			updated = append(updated, record)
		}
	}
	return updated, nil
}

// DeleteByIDs removes the given records and returns the ids that actually existed.
func (c *Collection[T]) DeleteByIDs(ctx context.Context, ids []string) ([]string, error) {
	var deleted []string
	err := c.update(ctx, func(txn *badger.Txn) error {
		deleted = deleted[:0]
		for _, id := range ids {
			item, err := txn.Get(c.recordKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var old T
			if json.Unmarshal(raw, &old) == nil {
				if err := c.remove(txn, id, &old); err != nil {
					return err
				}
			} else if err := c.remove(txn, id, nil); err != nil {
				return err
			}
			deleted = append(deleted, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// DeleteIf removes the record when cond holds, atomically, and returns the
// removed record. It returns (nil, nil) when the record is missing or cond
// rejects it.
func (c *Collection[T]) DeleteIf(ctx context.Context, id string, cond func(*T) bool) (*T, error) {
	var out *T
	err := c.update(ctx, func(txn *badger.Txn) error {
		out = nil
		record, _, err := c.load(txn, id)
		if err != nil {
			return err
		}
		if record == nil || (cond != nil && !cond(record)) {
			return nil
		}
		if err := c.remove(txn, id, record); err != nil {
			return err
		}
		out = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// remove deletes the record key and, when record is known, its index keys.
func (c *Collection[T]) remove(txn *badger.Txn, id string, record *T) error {
	if record != nil {
		for _, key := range c.indexKeys(record) {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
	}
	return txn.Delete(c.recordKey(id))
}

func (c *Collection[T]) load(txn *badger.Txn, id string) (*T, *T, error) {
	item, err := txn.Get(c.recordKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	var record, snapshot T
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, nil, &decodeError{collection: c.schema.Name, id: id, err: err}
	}
	_ = json.Unmarshal(raw, &snapshot)
	return &record, &snapshot, nil
}

func (c *Collection[T]) write(txn *badger.Txn, old, record *T) error {
	if c.schema.Version != nil {
		version := c.schema.Version(record)
		if old != nil {
			*version = *c.schema.Version(old) + 1
		} else {
			*version = 1
		}
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return newStorageError("failed to encode "+c.schema.Name+" record", err)
	}
	if err := txn.Set(c.recordKey(c.schema.ID(record)), payload); err != nil {
		return err
	}

	next := c.indexKeys(record)
	if old != nil {
		keep := make(map[string]struct{}, len(next))
		for _, key := range next {
			keep[key] = struct{}{}
		}
		for _, key := range c.indexKeys(old) {
			if _, ok := keep[key]; ok {
				continue
			}
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
	}
	for _, key := range next {
		if err := txn.Set([]byte(key), nil); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection[T]) indexKeys(record *T) []string {
	if len(c.schema.Indexes) == 0 {
		return nil
	}
	id := c.schema.ID(record)
	var keys []string
	for name, extract := range c.schema.Indexes {
		for _, value := range extract(record) {
			if value == "" {
				continue
			}
			keys = append(keys, c.indexPrefix(name, value)+id)
		}
	}
	return keys
}

func (c *Collection[T]) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
		c.logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
	}
	return newConflictError("transaction conflict retries exhausted on "+c.schema.Name, domain.WithDetail("cause", lastErr.Error()))
}

// UpdateIfStatusIn updates the record only while its status is one of expected.
func UpdateIfStatusIn[T any, S ~string](ctx context.Context, c *Collection[T], id string, expected []S, mutate func(*T) error) (*T, error) {
	return c.UpdateIf(ctx, id, func(record *T) bool {
		current := c.schema.Status(record)
		for _, status := range expected {
			if string(status) == current {
				return true
			}
		}
		return false
	}, mutate)
}
