package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/opd-queue/internal/model"
	"github.com/jwalitptl/opd-queue/pkg/clinicday"
)

// Publisher fans queue events out to everyone watching a doctor. Events of one
// call are delivered in order. Publishing is best effort and must not block.
type Publisher interface {
	Publish(ctx context.Context, doctorID uuid.UUID, events ...model.QueueEvent)
}

// UpcomingNotifier is told about every slot that gets called so it can warn
// the patients coming up next.
type UpcomingNotifier interface {
	NotifyUpcoming(ctx context.Context, doctorID uuid.UUID, day clinicday.Day, calledSlot string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, uuid.UUID, ...model.QueueEvent) {}
