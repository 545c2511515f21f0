package store

import (
	"context"
	"log/slog"

	"github.com/vibehub/room-server/pkg/service"
	"go.uber.org/fx"
)

type newStore_Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *service.Config
	Logger    *slog.Logger
}

// newStore picks the persistence backend: badger when a directory is
// configured, in-memory otherwise.
func newStore(params newStore_Params) (Store, error) {
	var backend Store
	if dir := params.Config.BadgerDir; dir != "" {
		badgerStore, err := NewBadgerStore(dir)
		if err != nil {
			return nil, err
		}
		params.Logger.Info("using badger store", slog.String("dir", dir))
		backend = badgerStore
	} else {
		params.Logger.Info("using in-memory store")
		backend = NewMemoryStore()
	}

	params.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return backend.Close()
		},
	})
	return backend, nil
}

var Module = fx.Module("store", fx.Provide(newStore))
