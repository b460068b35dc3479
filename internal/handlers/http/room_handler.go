package http

import (
	"errors"
	"net/http"

	"teleconsult/internal/core/domain"
	"teleconsult/internal/core/ports"
	apperrors "teleconsult/pkg/errors"
	"teleconsult/pkg/validation"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	roomService ports.RoomService
	relays      ports.RelayLocator
}

var _ ports.RoomHTTPHandler = (*RoomHandler)(nil)

// NewRoomHandler serves the consultation room API. Each room response names
// the relay both participants must connect to for signaling.
func NewRoomHandler(roomService ports.RoomService, relays ports.RelayLocator) *RoomHandler {
	return &RoomHandler{
		roomService: roomService,
		relays:      relays,
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
	}
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	room, err := h.roomService.CreateRoom(c.Request.Context())
	if err != nil {
		c.Error(roomError(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room":      room,
		"signalUrl": h.relays.Locate(room.ID),
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	room, err := h.roomService.GetRoom(c.Request.Context(), domain.RoomID(id))
	if err != nil {
		c.Error(roomError(err).WithContext("room_id", id))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room":      room,
		"signalUrl": h.relays.Locate(room.ID),
	})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListRooms(c.Request.Context())
	if err != nil {
		c.Error(roomError(err))
		return
	}
	if rooms == nil {
		rooms = []*domain.RoomInfo{}
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func roomError(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return apperrors.NewNotFoundError("room")
	case errors.Is(err, domain.ErrRoomExists):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, "room already exists", http.StatusConflict)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "room store unavailable", http.StatusServiceUnavailable)
	}
}
