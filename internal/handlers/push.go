package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type pushSubscribeKeys struct {
	P256DH string `json:"p256dh" binding:"required"`
	Auth   string `json:"auth" binding:"required"`
}

type pushSubscribeRequest struct {
	Endpoint string            `json:"endpoint" binding:"required"`
	Keys     pushSubscribeKeys `json:"keys" binding:"required"`
}

type pushUnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *Handlers) GetVAPIDPublicKey(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"publicKey": h.push.PublicKey(),
	})
}

func (h *Handlers) SubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req pushSubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub, err := h.push.Subscribe(userID, req.Endpoint, req.Keys.P256DH, req.Keys.Auth)
	if err != nil {
		h.logger.Error("push subscribe failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}

	h.logger.Info("push subscription stored", "user_id", userID, "subscription_id", sub.ID)
	c.JSON(http.StatusCreated, gin.H{"id": sub.ID})
}

func (h *Handlers) UnsubscribePush(c *gin.Context) {
	userID := currentUserID(c)

	var req pushUnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.push.Unsubscribe(userID, req.Endpoint); err != nil {
		h.logger.Error("push unsubscribe failed", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
