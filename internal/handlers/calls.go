package handlers

import (
	"errors"
	"net/http"

	"github.com/avolkov/peercall/internal/models"
	"github.com/avolkov/peercall/internal/signal"

	"github.com/gin-gonic/gin"
)

type createCallRequest struct {
	PeerID string                     `json:"peer_id" binding:"required"`
	Offer  *models.SessionDescription `json:"offer"`
}

type updateCallRequest struct {
	Offer  *models.SessionDescription `json:"offer"`
	Answer *models.SessionDescription `json:"answer"`
	Status *models.CallStatus         `json:"status"`
}

type addCandidateRequest struct {
	Candidate models.Candidate `json:"candidate" binding:"required"`
}

type deleteFieldsRequest struct {
	Fields []signal.Field `json:"fields" binding:"required,min=1"`
}

// CreateCall writes a fresh call record between the authenticated user and
// the requested peer. The record ID is derived from the pair, so retrying
// a call to the same peer hits the same record.
func (h *Handlers) CreateCall(c *gin.Context) {
	userID := currentUserID(c)

	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PeerID == userID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot call yourself"})
		return
	}

	callID := models.CallID(userID, req.PeerID)
	if callID != c.Param("call_id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id does not match participants"})
		return
	}

	rec := models.CallRecord{
		CallID:       callID,
		Participants: []string{userID, req.PeerID},
		CreatedBy:    userID,
		Offer:        req.Offer,
		Status:       models.CallStatusPending,
		CreatedAt:    h.nowFn(),
	}

	if err := h.store.Create(c.Request.Context(), rec); err != nil {
		h.writeSignalError(c, err)
		return
	}

	h.logger.Info("call created",
		"call_id", callID,
		"created_by", userID,
		"has_offer", req.Offer != nil)

	// Websocket subscribers learn about the call from the store; push covers
	// devices with no open connection.
	if !h.hub.IsUserOnline(req.PeerID) {
		go h.push.NotifyIncomingCall(req.PeerID, callID, userID)
	}

	c.JSON(http.StatusCreated, gin.H{"call_id": callID})
}

// UpdateCall merge-patches the record. Only fields present in the body are
// touched, so the caller and callee never clobber each other's writes.
func (h *Handlers) UpdateCall(c *gin.Context) {
	callID := c.Param("call_id")

	var req updateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != nil && *req.Status != models.CallStatusActive && *req.Status != models.CallStatusEnded {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be 'active' or 'ended'"})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), callID)
	if err != nil {
		h.writeSignalError(c, err)
		return
	}
	if !rec.HasParticipant(currentUserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	patch := signal.Patch{
		Offer:  req.Offer,
		Answer: req.Answer,
		Status: req.Status,
	}
	if req.Status != nil && *req.Status == models.CallStatusEnded {
		endedAt := h.nowFn()
		patch.EndedAt = &endedAt
	}

	if err := h.store.Update(c.Request.Context(), callID, patch); err != nil {
		h.writeSignalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID})
}

// AddCandidate appends one ICE candidate under the authenticated user's key.
func (h *Handlers) AddCandidate(c *gin.Context) {
	callID := c.Param("call_id")
	userID := currentUserID(c)

	var req addCandidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Candidate.Candidate == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "candidate required"})
		return
	}

	rec, err := h.store.Get(c.Request.Context(), callID)
	if err != nil {
		h.writeSignalError(c, err)
		return
	}
	if !rec.HasParticipant(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	if err := h.store.AddCandidate(c.Request.Context(), callID, userID, req.Candidate); err != nil {
		h.writeSignalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID})
}

// DeleteFields removes negotiation payload from the record. Used during
// teardown so an ended record holds no stale SDP or candidates.
func (h *Handlers) DeleteFields(c *gin.Context) {
	callID := c.Param("call_id")

	var req deleteFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, f := range req.Fields {
		switch f {
		case signal.FieldOffer, signal.FieldAnswer, signal.FieldCandidates:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown field: " + string(f)})
			return
		}
	}

	rec, err := h.store.Get(c.Request.Context(), callID)
	if err != nil {
		h.writeSignalError(c, err)
		return
	}
	if !rec.HasParticipant(currentUserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}

	if err := h.store.DeleteFields(c.Request.Context(), callID, req.Fields...); err != nil {
		h.writeSignalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID})
}

// GetCall returns the current record snapshot.
func (h *Handlers) GetCall(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		h.writeSignalError(c, err)
		return
	}
	if !rec.HasParticipant(currentUserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handlers) writeSignalError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, signal.ErrCallNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, signal.ErrCallExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, signal.ErrCallEnded):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	default:
		h.logger.Error("signal store error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
