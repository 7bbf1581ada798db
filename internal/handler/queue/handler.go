package queue

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/internal/service/queue"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
	"github.com/jwalitptl/opd-queue/pkg/httputil"
)

type MarkAbsentRequest struct {
	AppointmentID string `json:"appointmentId" binding:"required,uuid"`
}

type Handler struct {
	service *queue.Service
}

func NewHandler(service *queue.Service) *Handler {
	return &Handler{service: service}
}

// Advance calls the next patient. An empty queue answers 200 with
// success=false and error code NO_CANDIDATE.
func (h *Handler) Advance(c *gin.Context) {
	doctorID, ok := pathID(c, "doctorId", "doctor")
	if !ok {
		return
	}

	result, err := h.service.Advance(c.Request.Context(), doctorID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, result)
}

func (h *Handler) MarkAbsent(c *gin.Context) {
	doctorID, ok := pathID(c, "doctorId", "doctor")
	if !ok {
		return
	}

	var req MarkAbsentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithValidationError(c, err)
		return
	}
	appointmentID, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid appointment ID", err))
		return
	}

	result, err := h.service.MarkAbsent(c.Request.Context(), doctorID, appointmentID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, result)
}

func (h *Handler) Reset(c *gin.Context) {
	doctorID, ok := pathID(c, "doctorId", "doctor")
	if !ok {
		return
	}

	if err := h.service.Reset(c.Request.Context(), doctorID); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{})
}

func (h *Handler) StartSession(c *gin.Context) {
	doctorID, ok := pathID(c, "doctorId", "doctor")
	if !ok {
		return
	}

	if err := h.service.StartSession(c.Request.Context(), doctorID); err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{})
}

func (h *Handler) CompleteVisit(c *gin.Context) {
	h.closeVisit(c, h.service.CompleteVisit)
}

func (h *Handler) CancelVisit(c *gin.Context) {
	h.closeVisit(c, h.service.CancelVisit)
}

type visitFunc func(ctx context.Context, doctorID, appointmentID uuid.UUID) (*queue.VisitResult, error)

func (h *Handler) closeVisit(c *gin.Context, fn visitFunc) {
	doctorID, ok := pathID(c, "doctorId", "doctor")
	if !ok {
		return
	}
	appointmentID, ok := pathID(c, "appointmentId", "appointment")
	if !ok {
		return
	}

	result, err := fn(c.Request.Context(), doctorID, appointmentID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, result)
}

// Status is the public snapshot of a doctor's queue.
func (h *Handler) Status(c *gin.Context) {
	doctorID, ok := pathID(c, "doctorId", "doctor")
	if !ok {
		return
	}

	snapshot, err := h.service.Status(c.Request.Context(), doctorID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, snapshot)
}

// LiveView is the patient-facing view of one appointment, derived on the
// server for clients that do not run the reconciliation themselves.
func (h *Handler) LiveView(c *gin.Context) {
	appointmentID, ok := pathID(c, "appointmentId", "appointment")
	if !ok {
		return
	}

	view, err := h.service.LiveView(c.Request.Context(), appointmentID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, view)
}

func pathID(c *gin.Context, param, resource string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid "+resource+" ID", err))
		return uuid.Nil, false
	}
	return id, true
}
