package history

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/itharness/internal/report"
)

// EventType defines the kind of history event.
type EventType string

const (
	EventScenario EventType = "scenario" // one per executed scenario
	EventRun      EventType = "run"      // one per run, written last
)

// Event is one row exported to an analytics/statistics system.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	RunID      string    `json:"run_id"`  // the test_id handed to scenarios
	RunKey     string    `json:"run_key"` // globally unique key of the run
	Name       string    `json:"name"`    // scenario name, or the run outcome for run events
	Pass       bool      `json:"pass"`
	Kind       string    `json:"kind"`
	ExitCode   int       `json:"exit_code"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// EventsFromReport flattens a finished report into scenario events followed
// by one run event. All events share a freshly generated run key.
func EventsFromReport(r *report.Report) []Event {
	key := uuid.NewString()
	now := time.Now().UTC()
	events := make([]Event, 0, len(r.Results)+1)
	for _, res := range r.Results {
		events = append(events, Event{
			Type:       EventScenario,
			OccurredAt: res.StartedAt.UTC(),
			RunID:      r.RunID,
			RunKey:     key,
			Name:       res.Name,
			Pass:       res.Pass,
			Kind:       string(res.Kind),
			ExitCode:   res.ExitCode,
			Attempts:   res.Attempts,
			DurationMs: res.Duration.Milliseconds(),
		})
	}
	events = append(events, Event{
		Type:       EventRun,
		OccurredAt: now,
		RunID:      r.RunID,
		RunKey:     key,
		Name:       string(r.Outcome),
		Pass:       r.ExitCode == 0,
		Kind:       r.Policy,
		ExitCode:   r.ExitCode,
		Attempts:   r.Total,
		DurationMs: r.Duration().Milliseconds(),
	})
	return events
}

// Publish sends events to every sink concurrently; each sink receives the
// events in order. The first error cancels the remaining sends.
func Publish(ctx context.Context, sinks []Sink, events []Event) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range sinks {
		g.Go(func() error {
			for _, e := range events {
				if err := s.Send(ctx, e); err != nil {
					return fmt.Errorf("history sink %d: %w", i, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Close closes every sink that implements io.Closer.
func Close(sinks []Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
