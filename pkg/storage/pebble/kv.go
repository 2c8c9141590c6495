package pebble

import (
	"bytes"
	"context"
	"errors"

	"github.com/cockroachdb/pebble/v2"
	"github.com/otelfleet/opamp-agent/pkg/storage"
)

type KVBroker struct {
	db *pebble.DB
}

func NewKVBroker(db *pebble.DB) *KVBroker {
	return &KVBroker{
		db: db,
	}
}

func (k *KVBroker) KeyValue(prefix string) storage.KV {
	return k.newPrefixedKeyValue(prefix)
}

func (k *KVBroker) newPrefixedKeyValue(prefix string) *prefixedKV {
	return &prefixedKV{
		db:     k.db,
		prefix: []byte(prefix),
	}
}

type prefixedKV struct {
	prefix []byte
	db     *pebble.DB
}

func (k *prefixedKV) key(key string) []byte {
	fullKey := make([]byte, len(k.prefix)+len(key)+1)
	copy(fullKey, k.prefix)
	fullKey[len(k.prefix)] = '/'
	copy(fullKey[len(k.prefix)+1:], key)
	return fullKey
}

func (k *prefixedKV) Put(_ context.Context, key string, value []byte) error {
	return k.db.Set(k.key(key), value, pebble.Sync)
}

func (k *prefixedKV) Get(_ context.Context, key string) ([]byte, error) {
	data, closer, err := k.db.Get(k.key(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	// data is only valid until closer is closed
	return bytes.Clone(data), nil
}

// bounds returns the iterator bounds covering every key under the prefix.
func (k *prefixedKV) bounds() (lower, upper []byte) {
	lower = make([]byte, len(k.prefix)+1)
	copy(lower, k.prefix)
	lower[len(k.prefix)] = '/'
	upper = bytes.Clone(lower)
	upper[len(upper)-1]++
	return lower, upper
}

func (k *prefixedKV) Range(ctx context.Context, fn func(key string, value []byte) error) error {
	lower, upper := k.bounds()
	iter, err := k.db.NewIterWithContext(ctx, &pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(string(iter.Key()[len(lower):]), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (k *prefixedKV) ListKeys(ctx context.Context) ([]string, error) {
	keys := []string{}
	if err := k.Range(ctx, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return nil, err
	}
	return keys, nil
}

func (k *prefixedKV) Delete(_ context.Context, key string) error {
	return k.db.Delete(k.key(key), pebble.Sync)
}

var _ storage.KV = (*prefixedKV)(nil)
var _ storage.KVBroker = (*KVBroker)(nil)
