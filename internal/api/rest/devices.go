package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenLabCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLabCore/internal/devices"
	"github.com/KevinKickass/OpenLabCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/plugins
func (s *Server) listPlugins(c *gin.Context) {
	plugins := s.lm.Registry().Plugins()
	c.JSON(http.StatusOK, gin.H{
		"plugins": plugins,
		"count":   len(plugins),
	})
}

// PATCH /api/v1/plugins/:name
// The flag is persisted and applies from the next start.
func (s *Server) updatePlugin(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("PLUGIN_400", "Invalid request body", err.Error()))
		return
	}

	name := c.Param("name")
	if err := s.lm.Registry().SetEnabled(name, *req.Enabled); err != nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("PLUGIN_404", "Failed to update plugin", err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"name":             name,
		"enabled":          *req.Enabled,
		"restart_required": true,
	})
}

// GET /api/v1/devices
func (s *Server) listDevices(c *gin.Context) {
	statuses := s.lm.DeviceManager().ListStatuses()

	response := make([]devices.StatusInfo, 0, len(statuses))
	for _, st := range statuses {
		response = append(response, st.Info())
	}

	c.JSON(http.StatusOK, gin.H{
		"devices":      response,
		"count":        len(response),
		"serial_ports": devices.ListPorts(),
	})
}

// GET /api/v1/devices/:name
func (s *Server) getDevice(c *gin.Context) {
	st, ok := s.lm.DeviceManager().GetStatus(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", nil))
		return
	}
	c.JSON(http.StatusOK, st.Info())
}

// PATCH /api/v1/devices/:name
func (s *Server) updateDevice(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
		return
	}

	st, ok := s.lm.DeviceManager().GetStatus(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", nil))
		return
	}
	if err := s.lm.DeviceManager().SetEnabled(st.Name, *req.Enabled); err != nil {
		c.JSON(http.StatusConflict, types.NewErrorResponse("DEVICE_409", "Device cannot be enabled", err.Error()))
		return
	}

	s.broadcastDevice(st)
	c.JSON(http.StatusOK, st.Info())
}

// POST /api/v1/devices/:name/connect
func (s *Server) connectDevice(c *gin.Context) {
	var params map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid request body", err.Error()))
			return
		}
	}

	st, ok := s.lm.DeviceManager().GetStatus(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", nil))
		return
	}

	if err := s.lm.DeviceManager().Connect(c.Request.Context(), st.Name, params); err != nil {
		s.logger.Error("Failed to connect device", zap.String("device", st.Name), zap.Error(err))

		var devErr *types.DeviceError
		if errors.As(err, &devErr) && devErr.Op == "configure" {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse("DEVICE_400", "Invalid connection parameters", err.Error()))
			return
		}
		c.JSON(http.StatusBadGateway, types.NewErrorResponse("DEVICE_502", "Failed to connect device", err.Error()))
		return
	}

	s.broadcastDevice(st)
	c.JSON(http.StatusOK, st.Info())
}

// POST /api/v1/devices/:name/disconnect
func (s *Server) disconnectDevice(c *gin.Context) {
	st, ok := s.lm.DeviceManager().GetStatus(c.Param("name"))
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("DEVICE_404", "Device not found", nil))
		return
	}

	if err := s.lm.DeviceManager().Disconnect(st.Name); err != nil {
		// the device is marked disconnected even when Close fails
		s.logger.Warn("Failed to close device", zap.String("device", st.Name), zap.Error(err))
	}

	s.broadcastDevice(st)
	c.JSON(http.StatusOK, st.Info())
}

func (s *Server) broadcastDevice(st *devices.Status) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(websocket.NewMessage(websocket.MessageTypeDevice, websocket.DeviceData{
		Name:      st.Name,
		Connected: st.Connected(),
		Enabled:   st.Enabled(),
	}))
}
