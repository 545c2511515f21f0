package main

import (
	"github.com/vibehub/room-server/internal/chat"
	"github.com/vibehub/room-server/internal/coordinator"
	"github.com/vibehub/room-server/internal/invite"
	"github.com/vibehub/room-server/internal/media"
	"github.com/vibehub/room-server/internal/presence"
	"github.com/vibehub/room-server/internal/registry"
	"github.com/vibehub/room-server/internal/signaling"
	"github.com/vibehub/room-server/internal/store"
	"github.com/vibehub/room-server/pkg/protocol"
	"github.com/vibehub/room-server/pkg/service"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		fx.Provide(
			registry.NewRegistry,
			presence.NewTracker,
			invite.NewService,
			signaling.NewChannel,
			chat.NewChannel,
			media.NewDeviceProvider,
			media.NewTransportFactory,
			coordinator.NewCoordinator,

			protocol.AsHttpController(coordinator.NewRoomController),
		),

		service.LoggerModule,
		service.ConfigModule,
		service.PoolModule,
		service.WebrtcModule,
		store.Module,
		service.HttpModule,
	).Run()
}
