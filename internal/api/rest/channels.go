package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenDAC/internal/channels"
	"github.com/KevinKickass/OpenDAC/internal/output"
	"github.com/KevinKickass/OpenDAC/internal/storage"
	"github.com/KevinKickass/OpenDAC/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sourceAPI = "api"

// StateRequest is the body of POST /channels/:id/state.
type StateRequest struct {
	State   output.CommandKind `json:"state" binding:"required,oneof=on off"`
	Voltage *float64           `json:"voltage"`
}

// channel resolves the :id parameter, which may be an ID or a name.
func (s *Server) channel(c *gin.Context) (*channels.Channel, bool) {
	ch, err := s.lm.ChannelManager().Lookup(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	return ch, true
}

// GET /api/v1/channels
func (s *Server) listChannels(c *gin.Context) {
	infos := s.lm.ChannelManager().ListChannels()

	c.JSON(http.StatusOK, gin.H{
		"channels": infos,
		"count":    len(infos),
	})
}

// GET /api/v1/channels/:id
func (s *Server) getChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"channel":    ch.Info(),
		"definition": ch.Definition,
	})
}

// POST /api/v1/channels
func (s *Server) createChannel(c *gin.Context) {
	var def types.ChannelDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHANNEL_400", "Invalid request body", err.Error()))
		return
	}
	def.Normalize()

	if err := s.lm.DefinitionLoader().Validator().ValidateDefinition(&def); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHANNEL_SCHEMA", "Definition failed validation", err.Error()))
		return
	}

	ctx := c.Request.Context()
	ch, err := s.lm.ChannelManager().LoadChannel(ctx, uuid.Nil, def, sourceAPI)
	if ch == nil {
		respondError(c, err)
		return
	}

	// The definition is valid; a device that failed to start can be
	// initialized again later, so it is kept.
	persisted := false
	if store := s.lm.ChannelStore(); store != nil {
		if _, serr := store.SaveChannel(ctx, ch.ID, def); serr != nil {
			s.logger.Error("Failed to persist channel", zap.String("name", def.Name), zap.Error(serr))
		} else {
			persisted = true
		}
	}

	resp := gin.H{
		"channel":   ch.Info(),
		"persisted": persisted,
	}
	if err != nil {
		resp["warning"] = err.Error()
	}
	c.JSON(http.StatusCreated, resp)
}

// DELETE /api/v1/channels/:id
func (s *Server) deleteChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	if err := s.lm.ChannelManager().RemoveChannel(ctx, ch.ID); err != nil {
		respondError(c, err)
		return
	}

	if store := s.lm.ChannelStore(); store != nil {
		if err := store.DeleteChannel(ctx, ch.Definition.Name); err != nil && !errors.Is(err, storage.ErrChannelNotStored) {
			s.logger.Error("Failed to delete stored channel", zap.String("name", ch.Definition.Name), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Channel removed",
		"id":      ch.ID,
	})
}

// POST /api/v1/channels/:id/state
func (s *Server) setChannelState(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	var req StateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHANNEL_400", "Invalid request body", err.Error()))
		return
	}

	cmd := output.Off()
	if req.State == output.CommandOn {
		if req.Voltage == nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHANNEL_400", "Invalid request body", "voltage is required for state on"))
			return
		}
		cmd = output.On(*req.Voltage)
	}

	info, err := s.lm.ChannelManager().SetState(c.Request.Context(), ch.ID, cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GET /api/v1/channels/:id/state
func (s *Server) getChannelState(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	code, on, err := s.lm.ChannelManager().IsOn(ch.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"on":   on,
		"code": code,
	})
}

// POST /api/v1/channels/:id/initialize
func (s *Server) initializeChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	info, err := s.lm.ChannelManager().Initialize(c.Request.Context(), ch.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// POST /api/v1/channels/:id/stop
func (s *Server) stopChannel(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	info, err := s.lm.ChannelManager().Stop(c.Request.Context(), ch.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GET /api/v1/channels/:id/events?limit=50
func (s *Server) listChannelEvents(c *gin.Context) {
	ch, ok := s.channel(c)
	if !ok {
		return
	}

	store := s.lm.ChannelStore()
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("STORAGE_503", "Database disabled", nil))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("CHANNEL_400", "Invalid limit", c.Query("limit")))
		return
	}

	events, err := store.RecentOutputEvents(c.Request.Context(), ch.Definition.Name, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
