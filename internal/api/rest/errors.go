package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenDAC/internal/channels"
	"github.com/KevinKickass/OpenDAC/internal/output"
	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/gin-gonic/gin"
)

// respondError maps controller and manager errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	var cfgErr *output.ConfigError
	switch {
	case errors.Is(err, channels.ErrChannelNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("CHANNEL_404", "Channel not found", err.Error()))
	case errors.As(err, &cfgErr):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHANNEL_CONFIG", "Invalid channel configuration", gin.H{
			"field":  cfgErr.Field,
			"reason": cfgErr.Err.Error(),
		}))
	case errors.Is(err, output.ErrInvalidVoltage), errors.Is(err, output.ErrUnknownCommand):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHANNEL_400", "Invalid command", err.Error()))
	case errors.Is(err, channels.ErrDuplicateName):
		c.JSON(http.StatusConflict, types.NewErrorResponse("CHANNEL_DUPLICATE", "Channel name already in use", err.Error()))
	case errors.Is(err, output.ErrNotRunning):
		c.JSON(http.StatusConflict, types.NewErrorResponse("CHANNEL_NOT_RUNNING", "Channel not running", err.Error()))
	case errors.Is(err, output.ErrAlreadyRunning):
		c.JSON(http.StatusConflict, types.NewErrorResponse("CHANNEL_RUNNING", "Channel already running", err.Error()))
	case errors.Is(err, output.ErrDevice):
		c.JSON(http.StatusBadGateway, types.NewErrorResponse("DEVICE_ERROR", "Device operation failed", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("INTERNAL", "Internal error", err.Error()))
	}
}
