package storage

import (
	"context"
	"fmt"
	"log/slog"

	"google.golang.org/protobuf/proto"
)

var (
	marshalOpts   = proto.MarshalOptions{Deterministic: true}
	unmarshalOpts = proto.UnmarshalOptions{DiscardUnknown: true}
)

// ProtoKV stores protobuf messages of type T in a KV using the binary wire encoding.
// Fields unknown to this build are dropped on read so state written by a newer agent
// still loads.
type ProtoKV[T proto.Message] struct {
	logger *slog.Logger
	kv     KV
}

var _ KeyValue[proto.Message] = (*ProtoKV[proto.Message])(nil)

func NewProtoKV[T proto.Message](logger *slog.Logger, kv KV) *ProtoKV[T] {
	return &ProtoKV[T]{logger: logger, kv: kv}
}

func (p *ProtoKV[T]) Put(ctx context.Context, key string, obj T) error {
	data, err := marshalOpts.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return p.kv.Put(ctx, key, data)
}

func (p *ProtoKV[T]) Get(ctx context.Context, key string) (T, error) {
	raw, err := p.kv.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return p.decode(key, raw)
}

func (p *ProtoKV[T]) ListKeys(ctx context.Context) ([]string, error) {
	return p.kv.ListKeys(ctx)
}

// List returns every decodable value. Entries that fail to decode are logged and skipped.
func (p *ProtoKV[T]) List(ctx context.Context) ([]T, error) {
	var ret []T
	err := p.kv.Range(ctx, func(key string, value []byte) error {
		t, err := p.decode(key, value)
		if err != nil {
			p.logger.With("key", key, "err", err).Error("skipping undecodable stored value")
			return nil
		}
		ret = append(ret, t)
		return nil
	})
	return ret, err
}

func (p *ProtoKV[T]) Delete(ctx context.Context, key string) error {
	return p.kv.Delete(ctx, key)
}

func (p *ProtoKV[T]) decode(key string, raw []byte) (T, error) {
	t := NewMessage[T]()
	if err := unmarshalOpts.Unmarshal(raw, t); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %q: %w", key, err)
	}
	return t, nil
}

// NewMessage allocates an empty message of the concrete type behind T.
func NewMessage[T proto.Message]() T {
	var t T
	return t.ProtoReflect().New().Interface().(T)
}
