package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/vibehub/room-server/pkg/protocol"
	"go.uber.org/fx"
)

type httpServer_Params struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Config      *Config
	Controllers []protocol.HttpResolvable `group:"http.controller"`
	Logger      *slog.Logger
}

func httpStatusOf(err error) int {
	switch {
	case errors.Is(err, protocol.ErrRoomNotFound), errors.Is(err, protocol.ErrInvalidToken):
		return http.StatusNotFound
	case errors.Is(err, protocol.ErrRoomFull), errors.Is(err, protocol.ErrTokenExhausted):
		return http.StatusConflict
	case errors.Is(err, protocol.ErrInvalidSpec), errors.Is(err, protocol.ErrMessageTooLong):
		return http.StatusBadRequest
	default:
		return 0
	}
}

func httpErrorHandler(e *echo.Echo, logger *slog.Logger) func(err error, c echo.Context) {
	return func(err error, c echo.Context) {
		logger.Error(err.Error(), slog.String("request", fmt.Sprintf("%s %s", c.Request().Method, c.Request().URL.Path)))
		if status := httpStatusOf(err); status != 0 {
			err = echo.NewHTTPError(status, err.Error())
		}
		e.DefaultHTTPErrorHandler(err, c)
	}
}

func httpServer(params httpServer_Params) error {
	router := echo.New()
	router.HideBanner = true
	router.HTTPErrorHandler = httpErrorHandler(router, params.Logger)

	for _, controller := range params.Controllers {
		if err := controller.Resolve(router); err != nil {
			return err
		}
	}

	addr := fmt.Sprintf(":%s", params.Config.HttpPort)
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := router.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
					params.Logger.Error(err.Error())
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return router.Shutdown(ctx)
		},
	})
	return nil
}

var HttpModule = fx.Module("http", fx.Invoke(httpServer))
