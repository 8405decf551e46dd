package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB is the embedded single-node backend. Entries live under
// "s|{namespace}|{key}" so a namespace is one contiguous key range.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) the database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("store: opening leveldb at %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDBFrom wraps an already-open handle (shared with the checkpoint
// layer).
func NewLevelDBFrom(db *leveldb.DB) *LevelDB {
	return &LevelDB{db: db}
}

func storeKey(namespace, key string) []byte {
	return []byte("s|" + namespace + "|" + key)
}

// Put writes one entry.
func (l *LevelDB) Put(ctx context.Context, namespace, key string, value json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.db.Put(storeKey(namespace, key), value, nil); err != nil {
		return fmt.Errorf("store: leveldb put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Get reads one entry or returns ErrNotFound.
func (l *LevelDB) Get(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := l.db.Get(storeKey(namespace, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: leveldb get %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// List scans the namespace's key range; leveldb iterates in key order so
// results come back sorted.
func (l *LevelDB) List(ctx context.Context, namespace string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := "s|" + namespace + "|"
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var items []Item
	for iter.Next() {
		key := strings.TrimPrefix(string(iter.Key()), prefix)
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		items = append(items, Item{Key: key, Value: value})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: leveldb scan %s: %w", namespace, err)
	}
	return items, nil
}

// Search falls back to list+filter.
func (l *LevelDB) Search(ctx context.Context, namespace, query string) ([]Item, error) {
	return ListFilter(ctx, l, namespace, query)
}

// Close releases the database handle.
func (l *LevelDB) Close() error {
	return l.db.Close()
}
