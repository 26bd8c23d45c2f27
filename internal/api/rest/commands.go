package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenLabCore/internal/commands"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/commands
func (s *Server) listCommands(c *gin.Context) {
	list := s.lm.Registry().Commands().List()
	c.JSON(http.StatusOK, gin.H{
		"commands": list,
		"count":    len(list),
	})
}

// POST /api/v1/commands/:id/execute
func (s *Server) executeCommand(c *gin.Context) {
	id := c.Param("id")

	err := s.lm.Registry().Commands().Execute(id)
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("COMMAND_404", "Unknown command", id))
		return
	case errors.Is(err, commands.ErrNotAvailable):
		c.JSON(http.StatusConflict, types.NewErrorResponse("COMMAND_409", "Command not available", err.Error()))
		return
	case err != nil:
		s.logger.Error("Command failed", zap.String("command", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("COMMAND_500", "Command failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{"command": id, "executed": true})
}

// GET /api/v1/settings
func (s *Server) listSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": s.lm.Settings().All()})
}

// PUT /api/v1/settings
// The body maps setting keys to new values. Keys are applied in no
// particular order; the first invalid one aborts the request.
func (s *Server) putSettings(c *gin.Context) {
	var req map[string]any
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("SETTINGS_400", "Invalid request body", err.Error()))
		return
	}

	for key, value := range req {
		if err := s.lm.Settings().Set(key, value); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("SETTINGS_400", "Invalid setting", err.Error()))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"settings": s.lm.Settings().All()})
}

// DELETE /api/v1/settings
func (s *Server) resetSettings(c *gin.Context) {
	if err := s.lm.Settings().Reset(); err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("SETTINGS_500", "Failed to reset settings", err.Error()))
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s.lm.Settings().All()})
}
