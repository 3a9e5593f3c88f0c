package queue

import (
	"context"

	"github.com/Kingdread/Eltrur/pkg/models"
)

// Publisher announces stored jobs to whoever listens (chat bots, dashboards).
type Publisher interface {
	// PublishJobStored sends the event for a job that was just committed.
	// Callers treat errors as non-fatal; the job is already stored.
	PublishJobStored(ctx context.Context, event models.JobStoredEvent) error

	// Close releases any resources held by the publisher (e.g., connections).
	Close() error
}

// Noop is the Publisher used when no broker is configured.
type Noop struct{}

var _ Publisher = Noop{}

func (Noop) PublishJobStored(context.Context, models.JobStoredEvent) error { return nil }

func (Noop) Close() error { return nil }
