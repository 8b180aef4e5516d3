package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v2"

	logx "chainwatch/pkg/logx"
)

type badgerStore struct {
	db *badger.DB
}

// badgerLogger routes badger's printf-style logs into logx.
type badgerLogger struct{ log logx.Logger }

func (l badgerLogger) Errorf(f string, a ...interface{}) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(f, a...)))
}
func (l badgerLogger) Warningf(f string, a ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(f, a...)))
}
func (l badgerLogger) Infof(f string, a ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(f, a...)))
}
func (l badgerLogger) Debugf(f string, a ...interface{}) {
	l.log.Trace(strings.TrimSpace(fmt.Sprintf(f, a...)))
}

func openBadger(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for badger driver")
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %s: %w", path, err)
	}
	return &badgerStore{db: db}, nil
}

func (b *badgerStore) Get(_ context.Context, key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			return ErrKeyNotFound
		case err != nil:
			return fmt.Errorf("get value from badger: %w", err)
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// update retries on transaction conflicts.
func (b *badgerStore) update(f func(txn *badger.Txn) error) error {
	for {
		err := b.db.Update(f)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
}

func (b *badgerStore) Put(_ context.Context, key string, val []byte) error {
	return b.update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
}

func (b *badgerStore) Del(_ context.Context, key string) error {
	return b.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStore) Scan(ctx context.Context, prefix string) ([]KV, error) {
	out := make([]KV, 0)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, KV{Key: string(item.KeyCopy(nil)), Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *badgerStore) Close() error {
	return b.db.Close()
}
