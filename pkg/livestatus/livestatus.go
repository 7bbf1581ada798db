// Package livestatus derives the patient-facing queue state from an
// appointment, the last known queue snapshot and the wall clock. Derive holds
// no state, so a client that missed events only needs a fresh snapshot.
package livestatus

import (
	"time"

	"github.com/jwalitptl/opd-queue/pkg/clinicday"
	"github.com/jwalitptl/opd-queue/pkg/slottime"
)

type State string

const (
	StateCancelled             State = "cancelled"
	StateAbsent                State = "absent"
	StateCompleted             State = "completed"
	StateSessionStartedFarWait State = "session_started_far_wait"
	StateNotStarted            State = "not_started"
	StateYourTurnPending       State = "your_turn_pending"
	StateYourTurnNow           State = "your_turn_now"
	StateWaiting               State = "waiting"
)

// Terminal states never change again.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateAbsent || s == StateCompleted
}

// Appointment statuses as stored by the appointment service.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusAbsent    = "absent"
)

const (
	DefaultFarWait     = 60 * time.Minute
	DefaultTurnWindow  = 15 * time.Minute
	DefaultSlotSpacing = 15
	DefaultAvgDuration = 15.0

	maxRecheck = time.Minute
)

type Input struct {
	AppointmentStatus string
	AppointmentDate   clinicday.Day
	SlotTime          string

	// Snapshot fields. CurrentSlotTime must already be empty when the snapshot
	// belongs to an earlier day.
	QueueDate       clinicday.Day
	CurrentSlotTime string
	SessionStarted  bool
	AvgDuration     float64

	Now      time.Time
	Location *time.Location
}

type Options struct {
	FarWait    time.Duration
	TurnWindow time.Duration
	// SlotSpacing is the nominal gap between slots in minutes, used to turn a
	// minute distance into a queue position.
	SlotSpacing int
}

func DefaultOptions() Options {
	return Options{FarWait: DefaultFarWait, TurnWindow: DefaultTurnWindow, SlotSpacing: DefaultSlotSpacing}
}

type View struct {
	State                State         `json:"state"`
	Position             int           `json:"position,omitempty"`
	EstimatedWaitMinutes float64       `json:"estimatedWaitMinutes,omitempty"`
	CurrentSlotTime      string        `json:"currentSlotTime,omitempty"`
	RecheckAfter         time.Duration `json:"recheckAfter"`
}

// Derive applies DefaultOptions.
func Derive(in Input) View {
	return DeriveWith(in, DefaultOptions())
}

// DeriveWith evaluates the rules in priority order: appointment status first,
// then session start, then the served slot and the clock.
func DeriveWith(in Input, opts Options) View {
	switch in.AppointmentStatus {
	case StatusCancelled:
		return View{State: StateCancelled}
	case StatusAbsent:
		return View{State: StateAbsent}
	case StatusCompleted:
		return View{State: StateCompleted}
	}

	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}
	today := clinicday.Of(in.Now, loc)
	patientMinutes := slottime.Parse(in.SlotTime)
	slotAt := in.AppointmentDate.At(patientMinutes, loc)

	view := View{RecheckAfter: recheck(in.Now, slotAt, opts)}

	// The live queue only describes today.
	if !in.AppointmentDate.Equal(today) {
		view.State = StateNotStarted
		return view
	}

	if in.SessionStarted && slotAt.Sub(in.Now) > opts.FarWait {
		view.State = StateSessionStartedFarWait
		return view
	}

	if in.CurrentSlotTime == "" || !in.QueueDate.Equal(today) {
		view.State = StateNotStarted
		return view
	}
	view.CurrentSlotTime = in.CurrentSlotTime

	currentMinutes := slottime.Parse(in.CurrentSlotTime)
	diff := patientMinutes - currentMinutes
	turnAt := slotAt.Add(-opts.TurnWindow)
	windowMinutes := int(opts.TurnWindow / time.Minute)

	if diff > 0 && diff <= windowMinutes && in.Now.Before(turnAt) {
		view.State = StateYourTurnPending
		return view
	}

	// A served slot at or past the patient's own means they are due now.
	if diff <= 0 || !in.Now.Before(turnAt) {
		view.State = StateYourTurnNow
		return view
	}

	spacing := opts.SlotSpacing
	if spacing <= 0 {
		spacing = DefaultSlotSpacing
	}
	position := floorDiv(diff, spacing)
	if position < 1 {
		position = 1
	}
	avg := in.AvgDuration
	if avg <= 0 {
		avg = DefaultAvgDuration
	}

	view.State = StateWaiting
	view.Position = position
	view.EstimatedWaitMinutes = float64(position) * avg
	return view
}

// recheck is at most a minute and lands on the next clock threshold if that
// comes sooner.
func recheck(now, slotAt time.Time, opts Options) time.Duration {
	next := maxRecheck
	for _, threshold := range []time.Time{slotAt.Add(-opts.FarWait), slotAt.Add(-opts.TurnWindow)} {
		if d := threshold.Sub(now); d > 0 && d < next {
			next = d
		}
	}
	return next
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
