package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"inbox-memory/internal/domain"
	"inbox-memory/internal/inbox"
	"inbox-memory/internal/memory"
	"inbox-memory/internal/normalize"
	"inbox-memory/internal/observability"
)

// MemoryProcessor runs the memory pipeline for one thread.
type MemoryProcessor interface {
	Process(ctx context.Context, thread domain.EmailThread) (memory.CommitResult, error)
}

// Reviewer applies a human review before memory processing.
type Reviewer interface {
	Review(ctx context.Context, action inbox.Action, email inbox.Details, thread domain.EmailThread, resp inbox.Response) (inbox.Outcome, memory.CommitResult, error)
}

// threadEvent is the SQS message body. Turns stay raw and are normalized here.
type threadEvent struct {
	ThreadID     string            `json:"thread_id"`
	Subject      string            `json:"subject"`
	Participants []string          `json:"participants"`
	UserID       string            `json:"user_id"`
	Turns        []json.RawMessage `json:"turns"`
	Review       *reviewEvent      `json:"review,omitempty"`
}

type reviewEvent struct {
	Action   inbox.Action   `json:"action"`
	Email    inbox.Details  `json:"email"`
	Response inbox.Response `json:"response"`
}

type Handler struct {
	memory     MemoryProcessor
	reviewer   Reviewer
	normalizer normalize.Normalizer
	metrics    *observability.Metrics
	logger     *slog.Logger
}

type Option func(*Handler)

func WithReviewer(r Reviewer) Option {
	return func(h *Handler) { h.reviewer = r }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(p MemoryProcessor, opts ...Option) (*Handler, error) {
	if p == nil {
		return nil, errors.New("handler: memory processor must not be nil")
	}
	h := &Handler{memory: p, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.normalizer = normalize.Normalizer{Logger: h.logger}
	return h, nil
}

// Handle processes each record in order. Records whose failure is retryable
// are reported back so SQS redelivers only those; malformed records are
// logged and dropped.
func (h *Handler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	start := time.Now()
	defer func() { h.metrics.ObserveBatch(time.Since(start)) }()

	var resp events.SQSEventResponse
	for i, rec := range ev.Records {
		if ctx.Err() != nil {
			for _, rest := range ev.Records[i:] {
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rest.MessageId})
			}
			h.logger.WarnContext(ctx, "batch interrupted", "remaining", len(ev.Records)-i, "err", ctx.Err())
			break
		}
		if h.handleRecord(ctx, rec) {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

// handleRecord reports whether rec should be redelivered.
func (h *Handler) handleRecord(ctx context.Context, rec events.SQSMessage) (retry bool) {
	correlationID := strings.TrimSpace(rec.MessageId)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	ev, err := decodeEvent(rec.Body)
	if err != nil {
		logger.ErrorContext(ctx, "dropping malformed thread event", "err", err)
		return false
	}

	thread := domain.EmailThread{
		ThreadID:     ev.ThreadID,
		Subject:      ev.Subject,
		Participants: ev.Participants,
		UserID:       ev.UserID,
		Turns:        h.normalizer.Turns(ctx, rawTurns(ev.Turns)),
	}

	var res memory.CommitResult
	if ev.Review != nil {
		if h.reviewer == nil {
			logger.ErrorContext(ctx, "dropping review event: no reviewer configured", "thread_id", ev.ThreadID)
			return false
		}
		_, res, err = h.reviewer.Review(ctx, ev.Review.Action, ev.Review.Email, thread, ev.Review.Response)
	} else {
		res, err = h.memory.Process(ctx, thread)
	}

	if err != nil {
		var me *memory.Error
		retry = memory.IsRetryable(err) || (errors.As(err, &me) && me.Code == memory.ErrorCancelled)
		logger.ErrorContext(ctx, "thread processing failed",
			"thread_id", ev.ThreadID,
			"retry", retry,
			"written", len(res.Written),
			"err", err,
		)
		return retry
	}

	logger.InfoContext(ctx, "thread processed",
		"thread_id", res.ThreadID,
		"written", len(res.Written),
		"unchanged", res.Unchanged,
		"dropped", res.Dropped,
		"extraction_unavailable", res.ExtractionUnavailable,
		"skipped", res.Skipped,
	)
	return false
}

func decodeEvent(body string) (threadEvent, error) {
	var out threadEvent
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return threadEvent{}, fmt.Errorf("handler: decode thread event: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return threadEvent{}, errors.New("handler: decode thread event: multiple JSON values")
		}
		return threadEvent{}, fmt.Errorf("handler: decode thread event trailing data: %w", err)
	}
	return out, nil
}

func rawTurns(turns []json.RawMessage) []any {
	out := make([]any, len(turns))
	for i, t := range turns {
		out[i] = t
	}
	return out
}
