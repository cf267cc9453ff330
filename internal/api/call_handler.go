package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pccr10001/rtcall/internal/auth"
	"github.com/pccr10001/rtcall/internal/calling"
	"github.com/pccr10001/rtcall/internal/media"
	"github.com/pccr10001/rtcall/internal/media/device"
	"github.com/pccr10001/rtcall/internal/model"
	"github.com/pccr10001/rtcall/internal/repository"
	"github.com/pccr10001/rtcall/internal/signaling"
)

// CallController is the call session as the API drives it.
type CallController interface {
	Current() (calling.CallSession, bool)
	StartCall(ctx context.Context, conversationID string, to calling.Participant, mode media.Mode) (calling.CallSession, error)
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleAudio(ctx context.Context, enabled bool) error
	ToggleVideo(ctx context.Context, enabled bool) error
}

// CallHistory lists finished calls.
type CallHistory interface {
	ListCalls(f repository.CallFilter) ([]model.CallRecord, int64, error)
}

type CallHandler struct {
	calls    CallController
	history  CallHistory
	identity auth.Identity
}

func NewCallHandler(calls CallController, history CallHistory, identity auth.Identity) *CallHandler {
	return &CallHandler{calls: calls, history: history, identity: identity}
}

// writeCallError maps session errors to HTTP statuses.
func writeCallError(c *gin.Context, err error) {
	var access *media.AccessError
	status := http.StatusInternalServerError
	switch {
	case calling.IsInvalidPhaseError(err), calling.IsCallInProgressError(err),
		errors.Is(err, calling.ErrMediaNotReady):
		status = http.StatusConflict
	case errors.Is(err, calling.ErrNoCall):
		status = http.StatusNotFound
	case errors.As(err, &access):
		status = http.StatusFailedDependency
	case errors.Is(err, signaling.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "message": calling.UserMessage(err)})
}

func (h *CallHandler) GetCall(c *gin.Context) {
	session, ok := h.calls.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"call": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": session})
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req struct {
		ParticipantID  string `json:"participant_id" binding:"required"`
		DisplayName    string `json:"display_name"`
		AvatarURL      string `json:"avatar_url"`
		ConversationID string `json:"conversation_id"`
		Mode           string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := media.ModeAudio
	if req.Mode != "" {
		mode = media.Mode(req.Mode)
	}
	if !mode.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be audio or video"})
		return
	}
	if req.ParticipantID == h.identity.UserID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot call yourself"})
		return
	}

	session, err := h.calls.StartCall(c.Request.Context(), req.ConversationID, calling.Participant{
		ID:          req.ParticipantID,
		DisplayName: req.DisplayName,
		AvatarURL:   req.AvatarURL,
	}, mode)
	if err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "call": session})
}

func (h *CallHandler) Accept(c *gin.Context) {
	h.run(c, h.calls.AcceptCall)
}

func (h *CallHandler) Reject(c *gin.Context) {
	h.run(c, h.calls.RejectCall)
}

func (h *CallHandler) End(c *gin.Context) {
	h.run(c, h.calls.EndCall)
}

func (h *CallHandler) Audio(c *gin.Context) {
	h.toggle(c, h.calls.ToggleAudio)
}

func (h *CallHandler) Video(c *gin.Context) {
	h.toggle(c, h.calls.ToggleVideo)
}

func (h *CallHandler) run(c *gin.Context, op func(context.Context) error) {
	if err := op(c.Request.Context()); err != nil {
		writeCallError(c, err)
		return
	}
	h.GetCall(c)
}

func (h *CallHandler) toggle(c *gin.Context, op func(context.Context, bool) error) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := op(c.Request.Context(), *req.Enabled); err != nil {
		writeCallError(c, err)
		return
	}
	h.GetCall(c)
}

func (h *CallHandler) ListCalls(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}

	list, total, err := h.history.ListCalls(repository.CallFilter{
		PeerID:     c.Query("peer_id"),
		MissedOnly: c.Query("missed") == "true",
		Page:       page,
		Limit:      limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":  list,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (h *CallHandler) Identity(c *gin.Context) {
	c.JSON(http.StatusOK, h.identity)
}

// Devices lists attached USB audio and video devices.
func (h *CallHandler) Devices(c *gin.Context) {
	devices, err := device.ListUSBMediaDevices()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "USB enumeration failed: " + err.Error()})
		return
	}
	if devices == nil {
		devices = []device.USBDeviceInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"usb_devices": devices})
}
