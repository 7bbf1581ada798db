package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/pkg/clinicday"
)

// DurationHistory is the ordered list of accepted visit durations in minutes,
// oldest first. It is stored as a JSON array.
type DurationHistory []int

func (h DurationHistory) Value() (driver.Value, error) {
	if h == nil {
		h = DurationHistory{}
	}
	b, err := json.Marshal([]int(h))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (h *DurationHistory) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = DurationHistory{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into DurationHistory", src)
	}
	var out []int
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode duration history: %w", err)
	}
	*h = out
	return nil
}

// DoctorQueueState is the authoritative per-doctor queue record.
type DoctorQueueState struct {
	DoctorID        uuid.UUID       `db:"doctor_id" json:"doctorId"`
	CurrentSlotTime string          `db:"current_slot_time" json:"currentSlotTime"`
	QueueDate       clinicday.Day   `db:"queue_date" json:"queueDate"`
	LastCallTime    *time.Time      `db:"last_call_time" json:"lastCallTime"`
	DurationHistory DurationHistory `db:"duration_history" json:"durationHistory"`
	AvgDuration     float64         `db:"avg_duration" json:"avgDuration"`
	// ResumeAfter holds the slot that was being served when it was marked absent
	// and nobody was left to call. Advance continues strictly after it.
	ResumeAfter string        `db:"resume_after" json:"resumeAfter,omitempty"`
	SessionDate clinicday.Day `db:"session_date" json:"sessionDate"`
	Version     int64         `db:"version" json:"version"`
	UpdatedAt   time.Time     `db:"updated_at" json:"updatedAt"`
}

// NewDoctorQueueState returns the lazily created default state.
func NewDoctorQueueState(doctorID uuid.UUID, defaultAvg float64) *DoctorQueueState {
	return &DoctorQueueState{
		DoctorID:        doctorID,
		DurationHistory: DurationHistory{},
		AvgDuration:     defaultAvg,
	}
}

// Clone returns a deep copy.
func (s *DoctorQueueState) Clone() *DoctorQueueState {
	c := *s
	if s.LastCallTime != nil {
		t := *s.LastCallTime
		c.LastCallTime = &t
	}
	c.DurationHistory = append(DurationHistory{}, s.DurationHistory...)
	return &c
}

// ActiveOn reports whether the stored slot applies to day. A state left over
// from an earlier day is treated as not started.
func (s *DoctorQueueState) ActiveOn(day clinicday.Day) bool {
	return s.QueueDate.Equal(day)
}

// QueueSnapshot is the read-only status view of a doctor's queue.
type QueueSnapshot struct {
	DoctorID        uuid.UUID     `json:"doctorId"`
	CurrentSlotTime string        `json:"currentSlotTime"`
	QueueDate       clinicday.Day `json:"queueDate"`
	AvgDuration     float64       `json:"avgDuration"`
	LastCallTime    *time.Time    `json:"lastCallTime"`
	ElapsedMinutes  int           `json:"elapsedMinutes"`
	DurationHistory []int         `json:"durationHistory"`
	SessionStarted  bool          `json:"sessionStarted"`
	AsOf            time.Time     `json:"asOf"`
}
