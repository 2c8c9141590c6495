package storage

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	prefixIdentity     = "identity"
	prefixRemoteConfig = "remote-config"
	prefixRemoteStatus = "remote-config-status"

	keyInstanceUID = "instance-uid"
	keyCurrent     = "current"
)

// AgentState is the agent's persisted view of its identity and remote configuration.
type AgentState struct {
	identity     KeyValue[*wrapperspb.BytesValue]
	remoteConfig KeyValue[*protobufs.AgentRemoteConfig]
	remoteStatus KeyValue[*protobufs.RemoteConfigStatus]
}

func NewAgentState(logger *slog.Logger, broker KVBroker) *AgentState {
	return &AgentState{
		identity: NewProtoKV[*wrapperspb.BytesValue](
			logger.With("store", prefixIdentity),
			broker.KeyValue(prefixIdentity),
		),
		remoteConfig: NewProtoKV[*protobufs.AgentRemoteConfig](
			logger.With("store", prefixRemoteConfig),
			broker.KeyValue(prefixRemoteConfig),
		),
		remoteStatus: NewProtoKV[*protobufs.RemoteConfigStatus](
			logger.With("store", prefixRemoteStatus),
			broker.KeyValue(prefixRemoteStatus),
		),
	}
}

// InstanceUID returns the persisted instance UID, creating and storing one with newUID on
// first use.
func (s *AgentState) InstanceUID(ctx context.Context, newUID func() (uuid.UUID, error)) (uuid.UUID, error) {
	stored, err := s.identity.Get(ctx, keyInstanceUID)
	if err == nil {
		return uuid.FromBytes(stored.GetValue())
	}
	if !errors.Is(err, ErrNotFound) {
		return uuid.Nil, err
	}
	uid, err := newUID()
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.identity.Put(ctx, keyInstanceUID, wrapperspb.Bytes(uid[:])); err != nil {
		return uuid.Nil, err
	}
	return uid, nil
}

// RemoteConfig returns the last applied remote configuration, or nil if none was received.
func (s *AgentState) RemoteConfig(ctx context.Context) (*protobufs.AgentRemoteConfig, error) {
	return orNil(s.remoteConfig.Get(ctx, keyCurrent))
}

func (s *AgentState) SetRemoteConfig(ctx context.Context, cfg *protobufs.AgentRemoteConfig) error {
	return s.remoteConfig.Put(ctx, keyCurrent, cfg)
}

// RemoteConfigStatus returns the last reported status, or nil if none was reported.
func (s *AgentState) RemoteConfigStatus(ctx context.Context) (*protobufs.RemoteConfigStatus, error) {
	return orNil(s.remoteStatus.Get(ctx, keyCurrent))
}

func (s *AgentState) SetRemoteConfigStatus(ctx context.Context, status *protobufs.RemoteConfigStatus) error {
	return s.remoteStatus.Put(ctx, keyCurrent, status)
}

func orNil[T any](v T, err error) (T, error) {
	if errors.Is(err, ErrNotFound) {
		var zero T
		return zero, nil
	}
	return v, err
}
