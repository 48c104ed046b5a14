package inbox

import (
	"context"
	"errors"
	"log/slog"

	"inbox-memory/internal/domain"
	"inbox-memory/internal/memory"
)

// Processor runs memory extraction for a thread. *memory.Pipeline implements it.
type Processor interface {
	Process(ctx context.Context, thread domain.EmailThread) (memory.CommitResult, error)
}

// Reviewer applies review responses and feeds the reviewed conversation into
// memory processing.
type Reviewer struct {
	memory Processor
	user   string
	logger *slog.Logger
}

func NewReviewer(p Processor, user string, logger *slog.Logger) (*Reviewer, error) {
	if p == nil {
		return nil, errors.New("inbox: memory processor must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{memory: p, user: user, logger: logger}, nil
}

// Review resolves resp against the action pending at the end of
// thread.Turns. When the outcome is worth remembering, the thread including
// the reply turn is processed and its CommitResult returned.
func (r *Reviewer) Review(ctx context.Context, action Action, email Details, thread domain.EmailThread, resp Response) (Outcome, memory.CommitResult, error) {
	ir := Prepare(action, email, thread.Turns)
	out, err := Resolve(action, ir, resp, r.user)
	if err != nil {
		return Outcome{}, memory.CommitResult{}, err
	}
	r.logger.InfoContext(ctx, "review resolved",
		"thread_id", thread.ThreadID,
		"action", string(action),
		"response", string(resp.Type),
		"remember", out.Remember,
	)
	if !out.Remember {
		return out, memory.CommitResult{ThreadID: thread.ThreadID, Skipped: true}, nil
	}

	turns := make([]domain.Turn, 0, len(thread.Turns)+1)
	turns = append(turns, thread.Turns...)
	if out.Reply != nil {
		turns = append(turns, *out.Reply)
	}
	thread.Turns = turns
	res, err := r.memory.Process(ctx, thread)
	return out, res, err
}
