package coordinator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	echo "github.com/labstack/echo/v4"
	"github.com/vibehub/room-server/internal/registry"
	"github.com/vibehub/room-server/pkg/protocol"
	"github.com/vibehub/room-server/pkg/wsutils"
	"go.uber.org/fx"
)

type websocketMessage struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

type roomController struct {
	coordinator *Coordinator
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

func (ctrl *roomController) wsError(w *wsutils.ThreadSafeWriter, err error) error {
	ctrl.logger.Error(fmt.Sprintf("%s | Err: %s", w.Conn.RemoteAddr(), err))
	w.WriteJSON(&websocketMessage{
		Event: "error",
		Data:  err.Error(),
	})
	return err
}

type roomCreateRequest struct {
	Title           string                `json:"title"`
	Category        protocol.RoomCategory `json:"category"`
	Type            protocol.RoomType     `json:"type"`
	MaxParticipants int                   `json:"maxParticipants"`
	IsPublic        bool                  `json:"isPublic"`
	Tags            []string              `json:"tags"`
	HostID          protocol.UserID       `json:"hostId"`
	HostName        string                `json:"hostName"`
}

func (ctrl *roomController) RoomCreate(ctx echo.Context) error {
	var request roomCreateRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err)
	}

	room, err := ctrl.coordinator.Create(registry.RoomSpec{
		Title:           request.Title,
		Category:        request.Category,
		Type:            request.Type,
		MaxParticipants: request.MaxParticipants,
		IsPublic:        request.IsPublic,
		Tags:            request.Tags,
		Host: protocol.Identity{
			UserID:      request.HostID,
			DisplayName: request.HostName,
		},
	})
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, room)
}

func (ctrl *roomController) RoomList(ctx echo.Context) error {
	var category *protocol.RoomCategory
	if raw := ctx.QueryParam("category"); raw != "" {
		value := protocol.RoomCategory(raw)
		category = &value
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"rooms": ctrl.coordinator.List(category),
	})
}

type inviteCreateRequest struct {
	IssuedBy   protocol.UserID `json:"issuedBy"`
	TTLSeconds int             `json:"ttlSeconds"`
	MaxUses    int             `json:"maxUses"`
}

func (ctrl *roomController) InviteCreate(ctx echo.Context) error {
	var request inviteCreateRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err)
	}

	token, err := ctrl.coordinator.Issue(
		ctx.Param("roomId"),
		request.IssuedBy,
		time.Duration(request.TTLSeconds)*time.Second,
		request.MaxUses,
	)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, token)
}

type inviteRedeemRequest struct {
	UserID      protocol.UserID `json:"userId"`
	DisplayName string          `json:"displayName"`
}

func (ctrl *roomController) InviteRedeem(ctx echo.Context) error {
	var request inviteRedeemRequest
	if err := json.NewDecoder(ctx.Request().Body).Decode(&request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err)
	}

	membership, err := ctrl.coordinator.Redeem(ctx.Param("token"), protocol.Identity{
		UserID:      request.UserID,
		DisplayName: request.DisplayName,
	})
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, membership)
}

// signalData carries no sequence number: the member's server-side
// session assigns it, keeping one authority per (from, to) pair.
type signalData struct {
	Kind    protocol.SignalKind `json:"kind"`
	To      protocol.UserID     `json:"to"`
	Payload json.RawMessage     `json:"payload"`
}

// RoomAttach upgrades to a websocket and pumps the member's live room
// feed: presence and chat go out, chat posts, signaling relay and
// control events come in. Closing the socket does NOT leave the room —
// the reconnect grace keeps the seat until the heartbeat chain expires
// or an explicit "leave" arrives.
func (ctrl *roomController) RoomAttach(ctx echo.Context) error {
	roomID := ctx.Param("roomId")
	identity := protocol.Identity{
		UserID:      ctx.QueryParam("userId"),
		DisplayName: ctx.QueryParam("displayName"),
	}
	if identity.UserID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId is required")
	}

	var membership *protocol.Membership
	var err error
	if token := ctx.QueryParam("invite"); token != "" {
		membership, err = ctrl.coordinator.Redeem(token, identity)
	} else {
		membership, err = ctrl.coordinator.Join(roomID, identity)
	}
	if err != nil {
		return err
	}

	conn, err := ctrl.upgrader.Upgrade(ctx.Response().Writer, ctx.Request(), nil)
	if err != nil {
		ctrl.logger.Error(fmt.Sprintf("Unable upgrade request %+v", ctx.Request()))
		return err
	}

	w := wsutils.NewThreadSafeWriter(conn)
	defer w.Close()

	joined, _ := json.Marshal(membership)
	if err := w.WriteJSON(&websocketMessage{Event: "joined", Data: string(joined)}); err != nil {
		return err
	}

	presenceSub := ctrl.coordinator.presence.Subscribe(roomID)
	defer presenceSub.Close()
	chatSub, err := ctrl.coordinator.chat.Subscribe(roomID, afterSeqParam(ctx))
	if err != nil {
		return ctrl.wsError(w, err)
	}
	defer chatSub.Close()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case event := <-presenceSub.Events():
				data, _ := json.Marshal(event)
				if err := w.WriteJSON(&websocketMessage{Event: "presence", Data: string(data)}); err != nil {
					return
				}
			case msg := <-chatSub.Events():
				data, _ := json.Marshal(msg)
				if err := w.WriteJSON(&websocketMessage{Event: "chat", Data: string(data)}); err != nil {
					return
				}
			case <-presenceSub.Done():
				return
			case <-chatSub.Done():
				return
			}
		}
	}()

	message := &websocketMessage{}
	for {
		if err := w.ReadJSON(message); err != nil {
			return nil
		}

		switch message.Event {
		case "heartbeat":
			ctrl.coordinator.Heartbeat(roomID, identity.UserID)

		case "chat":
			if _, err := ctrl.coordinator.Post(roomID, identity, message.Data); err != nil {
				ctrl.wsError(w, err)
			}

		case "signal":
			var data signalData
			if err := json.Unmarshal([]byte(message.Data), &data); err != nil {
				return ctrl.wsError(w, err)
			}
			if err := ctrl.coordinator.Relay(roomID, identity.UserID, data.To, data.Kind, data.Payload); err != nil {
				ctrl.wsError(w, err)
			}

		case "mute":
			if err := ctrl.coordinator.SetMuted(roomID, identity.UserID, message.Data == "true"); err != nil {
				ctrl.wsError(w, err)
			}

		case "video":
			var err error
			if message.Data == "true" {
				err = ctrl.coordinator.EnableVideo(roomID, identity.UserID)
			} else {
				err = ctrl.coordinator.DisableVideo(roomID, identity.UserID)
			}
			if err != nil {
				ctrl.wsError(w, err)
			}

		case "leave":
			if err := ctrl.coordinator.Leave(roomID, identity.UserID); err != nil {
				ctrl.logger.Warn("leave incomplete",
					slog.String("roomId", roomID),
					slog.String("userId", identity.UserID),
					slog.String("error", err.Error()))
			}
			return nil

		default:
			return ctrl.wsError(w, fmt.Errorf("wrong message event %q", message.Event))
		}
	}
}

func afterSeqParam(ctx echo.Context) uint64 {
	var after uint64
	fmt.Sscanf(ctx.QueryParam("after"), "%d", &after)
	return after
}

func (ctrl *roomController) Resolve(c *echo.Echo) error {
	c.POST("/rooms", ctrl.RoomCreate)
	c.GET("/rooms", ctrl.RoomList)
	c.POST("/rooms/:roomId/invites", ctrl.InviteCreate)
	c.POST("/invites/:token/redeem", ctrl.InviteRedeem)
	c.GET("/rooms/:roomId/ws", ctrl.RoomAttach)
	return nil
}

var _ protocol.HttpResolvable = (*roomController)(nil)

type newRoomController_Params struct {
	fx.In

	Coordinator *Coordinator
	Logger      *slog.Logger
}

func NewRoomController(params newRoomController_Params) *roomController {
	return &roomController{
		coordinator: params.Coordinator,
		logger:      params.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}
