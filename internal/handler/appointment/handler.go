package appointment

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/service/appointment"
	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
	"github.com/jwalitptl/opd-queue/pkg/httputil"
)

type Handler struct {
	service *appointment.Service
}

func NewHandler(service *appointment.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) CreateDoctor(c *gin.Context) {
	var req model.CreateDoctorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithValidationError(c, err)
		return
	}

	doctor, err := h.service.CreateDoctor(c.Request.Context(), &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.Response{Success: true, Data: doctor})
}

func (h *Handler) ListDoctors(c *gin.Context) {
	doctors, err := h.service.ListDoctors(c.Request.Context())
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, doctors)
}

func (h *Handler) GetDoctor(c *gin.Context) {
	doctorID, err := uuid.Parse(c.Param("doctorId"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid doctor ID", err))
		return
	}

	doctor, err := h.service.GetDoctor(c.Request.Context(), doctorID)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, doctor)
}

func (h *Handler) CreateAppointment(c *gin.Context) {
	doctorID, err := uuid.Parse(c.Param("doctorId"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid doctor ID", err))
		return
	}

	var req model.CreateAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httputil.RespondWithValidationError(c, err)
		return
	}

	appt, err := h.service.Book(c.Request.Context(), doctorID, &req)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, httputil.Response{Success: true, Data: appt})
}

// ListAppointments takes optional date (YYYY-MM-DD, default today) and status
// query parameters.
func (h *Handler) ListAppointments(c *gin.Context) {
	doctorID, err := uuid.Parse(c.Param("doctorId"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid doctor ID", err))
		return
	}

	appointments, err := h.service.ListAppointments(c.Request.Context(), doctorID, c.Query("date"), c.Query("status"))
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, appointments)
}

func (h *Handler) GetAppointment(c *gin.Context) {
	id, err := uuid.Parse(c.Param("appointmentId"))
	if err != nil {
		httputil.RespondWithError(c, apperrors.BadRequest("invalid appointment ID", err))
		return
	}

	appt, err := h.service.GetAppointment(c.Request.Context(), id)
	if err != nil {
		httputil.RespondWithError(c, err)
		return
	}
	httputil.RespondWithSuccess(c, appt)
}
