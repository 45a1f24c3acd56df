package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"devicegate/models"
	"devicegate/service"
)

// GetDevices returns every known device.
func GetDevices(c *gin.Context, dm *service.DeviceManager) {
	c.JSON(http.StatusOK, models.SuccessResponse(dm.All()))
}

// ScanDevices rescans adb and returns the refreshed registry.
func ScanDevices(c *gin.Context, dm *service.DeviceManager) {
	if err := dm.Scan(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(dm.All()))
}

// GetDevice returns one device by registry ID.
func GetDevice(c *gin.Context, dm *service.DeviceManager) {
	device, err := dm.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(device))
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

// ConnectDevice attaches a device over TCP (ip[:port]).
func ConnectDevice(c *gin.Context, dm *service.DeviceManager) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("address is required"))
		return
	}
	if err := dm.ConnectTCP(c.Request.Context(), req.Address); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(dm.All()))
}

// DisconnectDevice detaches a TCP device.
func DisconnectDevice(c *gin.Context, dm *service.DeviceManager) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("address is required"))
		return
	}
	if err := dm.DisconnectTCP(c.Request.Context(), req.Address); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("disconnected"))
}

// DispatchControl runs one input action on the device's serialized worker.
// Screenshots return the raw PNG; everything else returns the action record.
func DispatchControl(c *gin.Context, worker *service.ControlWorker) {
	deviceID := c.Param("id")
	actionType := c.Param("action")

	var params map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&params); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse("invalid action body"))
			return
		}
	}

	action, data, err := worker.Dispatch(c.Request.Context(), deviceID, actionType, params)
	if err != nil {
		c.JSON(controlStatus(err), models.ErrorResponse(err.Error()))
		return
	}

	if actionType == "screenshot" {
		c.Data(http.StatusOK, "image/png", data)
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(action))
}

func controlStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrDeviceNotConnected):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GetActionHistory lists recent actions for a device.
func GetActionHistory(c *gin.Context, history *service.HistoryStore) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	actions, err := history.ListActions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(actions))
}

type agentRunRequest struct {
	Instruction string `json:"instruction" binding:"required"`
}

// StartAgentRun launches the phone agent against a device.
func StartAgentRun(c *gin.Context, dm *service.DeviceManager, runner *service.AgentRunner) {
	deviceID := c.Param("id")
	serial, err := dm.ResolveSerial(deviceID)
	if err != nil {
		c.JSON(controlStatus(err), models.ErrorResponse(err.Error()))
		return
	}

	var req agentRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse("instruction is required"))
		return
	}

	run, err := runner.StartRun(deviceID, serial, req.Instruction)
	if err != nil {
		c.JSON(http.StatusConflict, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(run))
}

// CancelAgentRun stops the device's active agent run.
func CancelAgentRun(c *gin.Context, runner *service.AgentRunner) {
	if !runner.Cancel(c.Param("id")) {
		c.JSON(http.StatusNotFound, models.ErrorResponse("no agent running for device"))
		return
	}
	c.JSON(http.StatusOK, models.MessageResponse("cancelled"))
}

// GetAgentRuns lists recent agent runs for a device.
func GetAgentRuns(c *gin.Context, history *service.HistoryStore) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	runs, err := history.ListAgentRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse(err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.SuccessResponse(runs))
}

// GetSessions snapshots the active stream sessions.
func GetSessions(c *gin.Context, sup *service.SessionSupervisor) {
	c.JSON(http.StatusOK, models.SuccessResponse(sup.Sessions()))
}
