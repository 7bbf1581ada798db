package model

import (
	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	"github.com/jwalitptl/opd-queue/pkg/slottime"
)

type AppointmentStatus string

const (
	AppointmentStatusPending   AppointmentStatus = "pending"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
	AppointmentStatusAbsent    AppointmentStatus = "absent"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case AppointmentStatusPending, AppointmentStatusCompleted, AppointmentStatusCancelled, AppointmentStatusAbsent:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s AppointmentStatus) Terminal() bool {
	return s == AppointmentStatusCompleted || s == AppointmentStatusCancelled || s == AppointmentStatusAbsent
}

// CanTransition allows Pending to move anywhere and any status to stay put.
func (s AppointmentStatus) CanTransition(to AppointmentStatus) bool {
	if s == to {
		return true
	}
	return s == AppointmentStatusPending && to.Valid()
}

type Appointment struct {
	Base
	DoctorID     uuid.UUID         `db:"doctor_id" json:"doctorId"`
	PatientID    uuid.UUID         `db:"patient_id" json:"patientId"`
	PatientName  string            `db:"patient_name" json:"patientName"`
	PatientEmail string            `db:"patient_email" json:"patientEmail,omitempty"`
	Date         clinicday.Day     `db:"appointment_date" json:"date"`
	SlotTime     string            `db:"slot_time" json:"slotTime"`
	Status       AppointmentStatus `db:"status" json:"status"`
}

// SlotMinutes is the slot label as minutes since midnight, 0 when malformed.
func (a *Appointment) SlotMinutes() int {
	return slottime.Parse(a.SlotTime)
}

type AppointmentFilters struct {
	DoctorID uuid.UUID
	Date     clinicday.Day
	Statuses []AppointmentStatus
}

type CreateAppointmentRequest struct {
	PatientID    string `json:"patientId" binding:"required,uuid"`
	PatientName  string `json:"patientName" binding:"required,max=200"`
	PatientEmail string `json:"patientEmail" binding:"omitempty,email"`
	Date         string `json:"date" binding:"required"`
	SlotTime     string `json:"slotTime" binding:"required,slot_label"`
}
