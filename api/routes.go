package api

import (
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, h *Handler, wsHub *WebSocketHub) {
	// Enable CORS
	router.Use(CORSMiddleware())

	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.GET("/status", h.Status)

		devices := api.Group("/devices")
		{
			devices.GET("", h.GetDevices)
			devices.POST("/scan", h.ScanDevices)
			devices.GET("/:serial", h.GetDevice)
			devices.DELETE("/:serial", h.DeleteDevice)
			devices.GET("/:serial/ip", h.GetDeviceIP)
			devices.POST("/:serial/rotate", h.RotateDevice)
		}

		jobs := api.Group("/jobs")
		{
			jobs.GET("", h.ListJobs)
			jobs.GET("/:id", h.GetJob)
		}

		connections := api.Group("/connections")
		{
			connections.GET("", h.ListConnections)
			connections.POST("", h.CreateConnection)
			connections.POST("/start-all", h.StartAll)
			connections.POST("/stop-all", h.StopAll)
			connections.POST("/check-ips", h.CheckAllIPs)
			connections.POST("/reconcile", h.Reconcile)

			connection := connections.Group("/:id")
			connection.Use(ConnectionIDMiddleware())
			connection.GET("", h.GetConnection)
			connection.POST("/start", h.StartConnection)
			connection.POST("/stop", h.StopConnection)
			connection.POST("/check-ip", h.CheckIP)
			connection.GET("/probe", h.ProbeConnection)
			connection.DELETE("", h.DeleteConnection)
		}
	}

	router.GET("/ws", func(c *gin.Context) {
		HandleWebSocket(wsHub, c)
	})
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
