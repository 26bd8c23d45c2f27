package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenLabCore/internal/machine"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/run/config
func (s *Server) getRunConfig(c *gin.Context) {
	rc, err := s.lm.RunConfig().Get()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to read run configuration", err.Error()))
		return
	}
	c.JSON(http.StatusOK, rc)
}

// PUT /api/v1/run/config
// Keys missing from the body keep their current value.
func (s *Server) putRunConfig(c *gin.Context) {
	rc, err := s.lm.RunConfig().Get()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUN_500", "Failed to read run configuration", err.Error()))
		return
	}
	if err := c.ShouldBindJSON(&rc); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid request body", err.Error()))
		return
	}
	if err := s.lm.RunConfig().Put(rc); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Invalid run configuration", err.Error()))
		return
	}
	c.JSON(http.StatusOK, rc)
}

// POST /api/v1/run/start
func (s *Server) startRun(c *gin.Context) {
	status, err := s.lm.MachineController().StartRun(c.Request.Context())
	if err != nil {
		s.logger.Error("Run start failed", zap.Error(err))

		var devErr *types.DeviceError
		var persistErr *types.PersistenceError
		switch {
		case errors.Is(err, machine.ErrRunActive):
			c.JSON(http.StatusConflict, types.NewErrorResponse("RUN_409", "A run is already active", nil))
		case errors.As(err, &devErr), errors.As(err, &persistErr):
			c.JSON(http.StatusBadGateway, types.NewErrorResponse("RUN_502", "Run could not be started", err.Error()))
		default:
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUN_400", "Run could not be started", err.Error()))
		}
		return
	}

	c.JSON(http.StatusAccepted, status)
}

// POST /api/v1/run/stop
func (s *Server) stopRun(c *gin.Context) {
	if err := s.lm.MachineController().StopRun(c.Request.Context()); err != nil {
		// the run is over either way, only teardown reported problems
		s.logger.Warn("Run stopped with errors", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"status":   s.lm.MachineController().GetStatus(),
			"warnings": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.lm.MachineController().GetStatus()})
}

// GET /api/v1/run/status
func (s *Server) getRunStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().GetStatus())
}
