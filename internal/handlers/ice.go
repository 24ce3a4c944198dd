package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ICEConfig returns the STUN/TURN servers peers should dial, including
// short-term credentials for the embedded TURN server.
func (h *Handlers) ICEConfig(c *gin.Context) {
	host := h.config.Domain
	if host == "" || host == "localhost" {
		host = c.Request.Host
	}
	c.JSON(http.StatusOK, gin.H{
		"ice_servers": h.turnServer.ICEServers(host),
	})
}
