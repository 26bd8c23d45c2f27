package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenLabCore/internal/storage"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxRunsLimit = 500

// GET /api/v1/runs?limit=N
func (s *Server) listRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRunsLimit {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid limit", raw))
			return
		}
		limit = n
	}

	runs, err := s.lm.Catalog().ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUNS_500", "Failed to list runs", err.Error()))
		return
	}
	if runs == nil {
		runs = []*storage.Run{}
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"count": len(runs),
	})
}

// GET /api/v1/runs/:id
func (s *Server) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("RUNS_400", "Invalid run id", err.Error()))
		return
	}

	run, err := s.lm.Catalog().GetRun(c.Request.Context(), id)
	switch {
	case errors.Is(err, storage.ErrRunNotFound):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("RUNS_404", "Run not found", nil))
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("RUNS_500", "Failed to load run", err.Error()))
		return
	}
	c.JSON(http.StatusOK, run)
}
