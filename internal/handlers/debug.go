package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// RoomLister reports live room membership.
type RoomLister interface {
	Rooms() map[string]int
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, rooms RoomLister, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": rooms.Rooms(), "request_id": requestIDFromContext(c)})
	})
}
