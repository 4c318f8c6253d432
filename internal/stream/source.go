package stream

import (
	"context"
	"fmt"

	"stagewatch/internal/services/evalapi"
)

// Source is one open event connection.
type Source interface {
	// Next blocks for the next event. It returns an error once the
	// connection ends, io.EOF when the server closed it.
	Next() (evalapi.Event, error)
	Close() error
}

// Opener opens the event connection for a job.
type Opener interface {
	Open(ctx context.Context, jobID string) (Source, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, jobID string) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, jobID string) (Source, error) {
	return f(ctx, jobID)
}

// ClientOpener opens streams through the evaluation service client.
func ClientOpener(client *evalapi.Client) Opener {
	return OpenerFunc(func(ctx context.Context, jobID string) (Source, error) {
		s, err := client.OpenStream(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Error is a connection failure for a job's stream. It is recovered by
// retrying and is never returned to callers of the tracker.
type Error struct {
	JobID   string
	Attempt int
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("stream %s (attempt %d): %v", e.JobID, e.Attempt, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
