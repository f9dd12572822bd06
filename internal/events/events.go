package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MimeLyc/video-pipeline/pkg/log"
)

type Type string

const (
	ProjectReady    Type = "project.ready"
	ProjectError    Type = "project.error"
	RenderCompleted Type = "render.completed"
	RenderFailed    Type = "render.failed"
)

// Event announces the terminal outcome of a job. The type doubles as the
// routing key.
type Event struct {
	Type       Type            `json:"type"`
	EntityID   string          `json:"entity_id"`
	ProjectID  string          `json:"project_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Error      string          `json:"error,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

func (e Event) Encode() ([]byte, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// LogPublisher writes events to the log. It is used when no broker is
// configured.
type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: log.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	body, err := ev.Encode()
	if err != nil {
		return err
	}
	p.logger.Info("%s %s", ev.Type, body)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
