package pebble

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/grafana/dskit/services"
	"github.com/otelfleet/opamp-agent/pkg/storage"
)

// Service owns the pebble database for the lifetime of the agent. An empty path keeps the
// database in memory.
type Service struct {
	services.Service

	logger *slog.Logger
	path   string
	db     *pebble.DB
	broker *KVBroker
}

var _ services.Service = (*Service)(nil)
var _ storage.KVBroker = (*Service)(nil)

func NewService(logger *slog.Logger, path string) (*Service, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.With("err", err, "path", path).Error("failed to open KV store")
		return nil, err
	}
	s := &Service{
		logger: logger,
		path:   path,
		db:     db,
		broker: NewKVBroker(db),
	}
	s.Service = services.NewBasicService(nil, s.running, s.stopping)
	return s, nil
}

func (s *Service) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (s *Service) stopping(_ error) error {
	s.logger.Debug("closing KV store")
	return s.db.Close()
}

func (s *Service) KeyValue(prefix string) storage.KV {
	return s.broker.KeyValue(prefix)
}
