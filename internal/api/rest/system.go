package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/gin-gonic/gin"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system":           s.lm.GetCurrentStatus(),
		"run":              s.lm.MachineController().GetStatus(),
		"feed_subscribers": s.wsHub.GetClientCount(),
	})
}

// GET /api/v1/ws/live?types=sample,run_state
// Without types every message kind is delivered.
func (s *Server) wsLive(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request, websocket.ParseTypes(c.Query("types"))...)
}

// GET /api/v1/ws/status
func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connected_clients": s.wsHub.GetClientCount()})
}
