package store

import (
	"context"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"edgevideo.ai/edge-wallet/pkg/errors"
)

// LevelDB persists values in a leveldb directory so records survive restarts.
type LevelDB struct {
	db *leveldb.DB
}

func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	return &LevelDB{db: db}, nil
}

func (l *LevelDB) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "leveldb get %s", key)
	}
	return string(v), nil
}

func (l *LevelDB) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(l.db.Put([]byte(key), []byte(value), &opt.WriteOptions{Sync: true}), "leveldb put %s", key)
}

func (l *LevelDB) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Wrapf(l.db.Delete([]byte(key), &opt.WriteOptions{Sync: true}), "leveldb delete %s", key)
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
