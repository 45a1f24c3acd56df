package api

import (
	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"

	"devicegate/adb"
	"devicegate/service"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	ADB        *adb.Client
	Devices    *service.DeviceManager
	Supervisor *service.SessionSupervisor
	Control    *service.ControlWorker
	History    *service.HistoryStore
	Agent      *service.AgentRunner
	Logs       *LogHub
	SocketIO   *socketio.Server

	ScreenIntervalMS int
}

func SetupRoutes(router *gin.Engine, d Deps) {
	router.Use(CORSMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", func(c *gin.Context) { GetDevices(c, d.Devices) })
			devices.POST("/scan", func(c *gin.Context) { ScanDevices(c, d.Devices) })
			devices.POST("/connect", func(c *gin.Context) { ConnectDevice(c, d.Devices) })
			devices.POST("/disconnect", func(c *gin.Context) { DisconnectDevice(c, d.Devices) })
			devices.GET("/:id", func(c *gin.Context) { GetDevice(c, d.Devices) })
		}

		api.POST("/control/:id/:action", func(c *gin.Context) { DispatchControl(c, d.Control) })
		api.GET("/history/:id", func(c *gin.Context) { GetActionHistory(c, d.History) })

		agent := api.Group("/agent")
		{
			agent.POST("/:id/run", func(c *gin.Context) { StartAgentRun(c, d.Devices, d.Agent) })
			agent.POST("/:id/cancel", func(c *gin.Context) { CancelAgentRun(c, d.Agent) })
			agent.GET("/:id/runs", func(c *gin.Context) { GetAgentRuns(c, d.History) })
		}

		api.GET("/sessions", func(c *gin.Context) { GetSessions(c, d.Supervisor) })
	}

	router.GET("/ws/h264/:id", func(c *gin.Context) { HandleH264WS(d.Supervisor, d.Devices, c) })
	router.GET("/ws/screen/:id", func(c *gin.Context) { HandleScreenWS(d.ADB, d.Devices, d.ScreenIntervalMS, c) })
	router.GET("/ws/ai-logs/:id", func(c *gin.Context) { HandleAILogsWS(d.Logs, c) })

	if d.SocketIO != nil {
		router.GET("/socket.io/*any", gin.WrapH(d.SocketIO))
		router.POST("/socket.io/*any", gin.WrapH(d.SocketIO))
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
