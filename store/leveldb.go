package store

import (
	"context"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/qsafevault/qsafevault-server/observability"
)

// LevelDB is the on-disk backend for single-node deployments that need
// relay state to survive a restart.
//
// Read-modify-write sequences are serialized by a store-level mutex; the
// version field in each record provides the logical CAS the engines verify
// against, exactly as with the in-process backend.
type LevelDB struct {
	// Now is the clock used for expiry checks.
	Now func() time.Time
	// Observer receives lifecycle events; nil means no metrics.
	Observer observability.StoreObserver

	mu  sync.Mutex
	ldb *leveldb.DB
}

// OpenLevelDB opens (and if necessary recovers) the database at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	opts := &opt.Options{OpenFilesCacheCapacity: 64}
	ldb, err := leveldb.OpenFile(path, opts)
	if ldberrors.IsCorrupted(err) {
		ldb, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &LevelDB{Now: time.Now, ldb: ldb}, nil
}

func (d *LevelDB) observer() observability.StoreObserver {
	if d.Observer != nil {
		return d.Observer
	}
	return observability.NoopStoreObserver
}

func (d *LevelDB) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	value, err := d.ldb.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	meta := probeMeta(value)
	if expired(meta, d.Now().UnixMilli()) {
		_ = d.ldb.Delete([]byte(key), nil)
		d.observer().ExpiredOnRead()
		return nil, 0, ErrExpired
	}
	return value, meta.Version, nil
}

func (d *LevelDB) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ldb.Put([]byte(key), value, nil)
}

func (d *LevelDB) PutIfVersion(ctx context.Context, key string, value []byte, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	cur, err := d.ldb.Get([]byte(key), nil)
	live := false
	var version uint64
	switch err {
	case nil:
		meta := probeMeta(cur)
		if expired(meta, d.Now().UnixMilli()) {
			_ = d.ldb.Delete([]byte(key), nil)
		} else {
			live = true
			version = meta.Version
		}
	case leveldb.ErrNotFound:
	default:
		return err
	}
	switch {
	case !live && expected != 0:
		return ErrVersionMismatch
	case live && version != expected:
		return ErrVersionMismatch
	}
	return d.ldb.Put([]byte(key), value, nil)
}

func (d *LevelDB) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ldb.Delete([]byte(key), nil)
}

func (d *LevelDB) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	it := d.ldb.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (d *LevelDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ldb.Close()
}
