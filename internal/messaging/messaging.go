package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisQueue   = "analysis_queue"
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

// AnalysisTaskPayload is the queue message for one geolocation run. The task
// row in the database carries everything else; the message is just the id.
type AnalysisTaskPayload struct {
	TaskId uuid.UUID
}

type Publisher interface {
	PublishAnalysisTask(ctx context.Context, payload AnalysisTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
