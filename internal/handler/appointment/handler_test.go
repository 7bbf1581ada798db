package appointment

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/internal/repository/memory"
	"github.com/jwalitptl/opd-queue/internal/service/appointment"
	"github.com/jwalitptl/opd-queue/pkg/httputil"
	"github.com/jwalitptl/opd-queue/pkg/validator"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	validator.RegisterGin()

	store := memory.NewStore(15)
	h := NewHandler(appointment.NewService(store.Doctors(), store.Appointments(), time.UTC, zerolog.Nop()))

	r := gin.New()
	api := r.Group("/api/v1")
	api.POST("/doctors", h.CreateDoctor)
	api.GET("/doctors", h.ListDoctors)
	api.GET("/doctors/:doctorId", h.GetDoctor)
	api.POST("/doctors/:doctorId/appointments", h.CreateAppointment)
	api.GET("/doctors/:doctorId/appointments", h.ListAppointments)
	api.GET("/appointments/:appointmentId", h.GetAppointment)
	return r
}

func send(t *testing.T, r http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, httputil.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var resp httputil.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

func TestDoctorAndBookingFlow(t *testing.T) {
	r := newRouter()

	w, resp := send(t, r, http.MethodPost, "/api/v1/doctors", model.CreateDoctorRequest{Name: "Dr. Sen"})
	require.Equal(t, http.StatusCreated, w.Code)
	doctor := resp.Data.(map[string]interface{})
	doctorID := doctor["id"].(string)

	tomorrow := time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
	w, resp = send(t, r, http.MethodPost, "/api/v1/doctors/"+doctorID+"/appointments", model.CreateAppointmentRequest{
		PatientID:   "6f1c1a5e-6a0b-4f43-9d7e-1c2a9f1e2b3c",
		PatientName: "Ravi",
		Date:        tomorrow,
		SlotTime:    "10:00am",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	appt := resp.Data.(map[string]interface{})
	assert.Equal(t, "10:00 AM", appt["slotTime"])
	assert.Equal(t, "pending", appt["status"])

	w, resp = send(t, r, http.MethodGet, "/api/v1/doctors/"+doctorID+"/appointments?date="+tomorrow, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, resp.Data.([]interface{}), 1)

	w, _ = send(t, r, http.MethodGet, "/api/v1/appointments/"+appt["id"].(string), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateAppointment_ValidationErrors(t *testing.T) {
	r := newRouter()
	_, resp := send(t, r, http.MethodPost, "/api/v1/doctors", model.CreateDoctorRequest{Name: "Dr. Sen"})
	doctorID := resp.Data.(map[string]interface{})["id"].(string)

	w, resp := send(t, r, http.MethodPost, "/api/v1/doctors/"+doctorID+"/appointments", map[string]string{
		"patientId":   "6f1c1a5e-6a0b-4f43-9d7e-1c2a9f1e2b3c",
		"patientName": "Ravi",
		"date":        "2030-01-01",
		"slotTime":    "25:00 XM",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, resp.Error.Message, "slotTime")

	w, _ = send(t, r, http.MethodPost, "/api/v1/doctors", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = send(t, r, http.MethodGet, "/api/v1/doctors/nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
