package storage

import (
	"context"
	"errors"
	"strings"
)

// Prefixed scopes every key of inner under prefix + "/". Close does not close inner.
type Prefixed struct {
	prefix string
	inner  Store
}

var _ Store = (*Prefixed)(nil)

func WithPrefix(prefix string, inner Store) (*Prefixed, error) {
	if prefix == "" {
		return nil, errors.New("empty prefix is not allowed")
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Prefixed{prefix: prefix, inner: inner}, nil
}

func (p *Prefixed) Prefix() string { return p.prefix }

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Put(ctx context.Context, key string, val []byte) error {
	return p.inner.Put(ctx, p.prefix+key, val)
}

func (p *Prefixed) Del(ctx context.Context, key string) error {
	return p.inner.Del(ctx, p.prefix+key)
}

func (p *Prefixed) Scan(ctx context.Context, prefix string) ([]KV, error) {
	kvs, err := p.inner.Scan(ctx, p.prefix+prefix)
	if err != nil {
		return nil, err
	}
	for i := range kvs {
		kvs[i].Key = strings.TrimPrefix(kvs[i].Key, p.prefix)
	}
	return kvs, nil
}

func (p *Prefixed) Close() error { return nil }
