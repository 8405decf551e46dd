package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
)

// LevelDB stores checkpoints under "cp|{thread}|{seq}" with a
// "cpl|{thread}" latest pointer, written together in one batch.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens (or creates) the database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening leveldb at %s: %w", path, err)
	}
	return &LevelDB{db: db}, nil
}

// NewLevelDBFrom wraps an already-open handle (shared with the store layer).
func NewLevelDBFrom(db *leveldb.DB) *LevelDB {
	return &LevelDB{db: db}
}

type latestPointer struct {
	Seq int64  `json:"seq"`
	ID  string `json:"id"`
}

func cpKey(threadID string, seq int64) []byte {
	key := []byte("cp|" + threadID + "|")
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(key, buf[:]...)
}

func latestKey(threadID string) []byte {
	return []byte("cpl|" + threadID)
}

// Put appends cp as the next sequence entry and advances the latest
// pointer atomically. Re-putting the latest checkpoint id is a no-op.
func (l *LevelDB) Put(ctx context.Context, threadID string, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ptr, err := l.readPointer(threadID)
	if err != nil {
		return err
	}
	if ptr != nil && ptr.ID == cp.ID {
		return nil
	}

	seq := int64(1)
	if ptr != nil {
		seq = ptr.Seq + 1
	}
	cpRaw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling %s: %w", cp.ID, err)
	}
	ptrRaw, err := json.Marshal(latestPointer{Seq: seq, ID: cp.ID})
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling pointer: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(cpKey(threadID, seq), cpRaw)
	batch.Put(latestKey(threadID), ptrRaw)
	if err := l.db.Write(batch, nil); err != nil {
		return fmt.Errorf("checkpoint: leveldb write %s: %w", threadID, err)
	}
	return nil
}

// GetTuple loads the thread's latest checkpoint.
func (l *LevelDB) GetTuple(ctx context.Context, threadID string) (*Tuple, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ptr, err := l.readPointer(threadID)
	if err != nil {
		return nil, err
	}
	if ptr == nil {
		return nil, ErrNotFound
	}
	raw, err := l.db.Get(cpKey(threadID, ptr.Seq), nil)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: leveldb get %s seq %d: %w", threadID, ptr.Seq, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshaling %s: %w", threadID, err)
	}
	return &Tuple{Checkpoint: &cp, Seq: ptr.Seq}, nil
}

func (l *LevelDB) readPointer(threadID string) (*latestPointer, error) {
	raw, err := l.db.Get(latestKey(threadID), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: leveldb pointer %s: %w", threadID, err)
	}
	var ptr latestPointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return nil, fmt.Errorf("checkpoint: decoding pointer %s: %w", threadID, err)
	}
	return &ptr, nil
}

// Close releases the database handle.
func (l *LevelDB) Close() error {
	return l.db.Close()
}
