package memory

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"inbox-memory/internal/domain"
	"inbox-memory/internal/normalize"
)

// Extractor derives candidate facts from an extraction context. It is
// typically LLM-backed, non-deterministic and may return no facts.
type Extractor interface {
	Extract(ctx context.Context, ec ExtractionContext) ([]domain.CandidateFact, error)
}

// Store is the key-value memory backend. Get returns (nil, nil) when no record
// exists; Upsert must be idempotent per (namespace, key).
type Store interface {
	Get(ctx context.Context, namespace, key string) (*domain.MemoryRecord, error)
	Upsert(ctx context.Context, rec domain.MemoryRecord) error
	List(ctx context.Context, namespace string) ([]domain.MemoryRecord, error)
}

// Locker serializes merge+commit per (namespace, key) when the store cannot
// guarantee single-writer access. unlock must be safe to call exactly once.
type Locker interface {
	Lock(ctx context.Context, namespace, key string) (unlock func(), err error)
}

// Recorder receives pipeline outcomes. *observability.Metrics implements it.
type Recorder interface {
	ExtractionUnavailable()
	MergeOutcome(outcome string)
	CommitFailure()
	Run(outcome string)
}

type Options struct {
	// Threshold is the minimum confidence a differing candidate needs to
	// replace a stored value.
	Threshold      float64
	Namespaces     Namespacer
	ExtractTimeout time.Duration
	CommitTimeout  time.Duration
	Disabled       bool
	Locker         Locker
	Metrics        Recorder
	Logger         *slog.Logger
}

// CommitResult summarizes one pipeline run.
type CommitResult struct {
	ThreadID              string
	Written               []domain.MemoryRecord
	Unchanged             int
	Dropped               int
	ExtractionUnavailable bool
	Skipped               bool
}

type Pipeline struct {
	extractor  Extractor
	store      Store
	opts       Options
	normalizer normalize.Normalizer
	logger     *slog.Logger
}

func NewPipeline(ex Extractor, store Store, opts Options) (*Pipeline, error) {
	if ex == nil {
		return nil, errors.New("memory: extractor must not be nil")
	}
	if store == nil {
		return nil, errors.New("memory: store must not be nil")
	}
	if !unitInterval(opts.Threshold) {
		return nil, errors.New("memory: threshold must be within [0, 1]")
	}
	if err := opts.Namespaces.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		extractor:  ex,
		store:      store,
		opts:       opts,
		normalizer: normalize.Normalizer{Logger: logger},
		logger:     logger,
	}, nil
}

// Run normalizes raw turns for email and processes the resulting thread.
func (p *Pipeline) Run(ctx context.Context, email domain.Email, raws []any) (CommitResult, error) {
	return p.Process(ctx, domain.EmailThread{
		ThreadID:     email.ThreadID,
		Subject:      email.Subject,
		Participants: email.Participants,
		UserID:       email.UserID,
		Turns:        p.normalizer.Turns(ctx, raws),
	})
}

type target struct {
	namespace string
	candidate domain.CandidateFact
}

// Process runs extract, merge and commit for one thread. Only store and lock
// failures are returned, as retryable *Error values; extraction failures
// degrade to an empty run. A cancelled ctx never leads to a partial commit.
func (p *Pipeline) Process(ctx context.Context, thread domain.EmailThread) (res CommitResult, err error) {
	res.ThreadID = thread.ThreadID
	defer func() { p.recordRun(err, res) }()

	if p.opts.Disabled {
		res.Skipped = true
		return res, nil
	}
	if strings.TrimSpace(thread.ThreadID) == "" {
		return res, newError(ErrorInvalidInput, "missing_thread_id", nil)
	}

	ec := BuildContext(thread)
	candidates, ok := p.Extract(ctx, ec)
	res.ExtractionUnavailable = !ok
	if err := ctx.Err(); err != nil {
		return res, newError(ErrorCancelled, "cancelled_during_extraction", err)
	}

	targets := p.targets(thread, candidates)
	if len(targets) == 0 {
		return res, nil
	}

	unlock, err := p.lockAll(ctx, targets)
	if err != nil {
		return res, err
	}
	defer unlock()

	pending, err := p.resolve(ctx, thread.ThreadID, targets, &res)
	if err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, newError(ErrorCancelled, "cancelled_before_commit", err)
	}

	committed, err := p.Commit(ctx, pending)
	res.Written = committed.Written
	return res, err
}

// Extract calls the extractor under the configured timeout. ok is false when
// the extractor failed; the returned slice is then empty.
func (p *Pipeline) Extract(ctx context.Context, ec ExtractionContext) (facts []domain.CandidateFact, ok bool) {
	ectx, cancel := withTimeout(ctx, p.opts.ExtractTimeout)
	defer cancel()

	facts, err := p.extractor.Extract(ectx, ec)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.WarnContext(ctx, "memory extraction unavailable",
				"thread_id", ec.ThreadID,
				"err", err,
			)
			if p.opts.Metrics != nil {
				p.opts.Metrics.ExtractionUnavailable()
			}
		}
		return nil, false
	}
	return facts, true
}

// Commit upserts records in order. On failure the records written so far are
// returned together with a retryable STORE_COMMIT_FAILURE.
func (p *Pipeline) Commit(ctx context.Context, records []domain.MemoryRecord) (CommitResult, error) {
	var res CommitResult
	for _, rec := range records {
		cctx, cancel := withTimeout(ctx, p.opts.CommitTimeout)
		err := p.store.Upsert(cctx, rec)
		cancel()
		if err != nil {
			if p.opts.Metrics != nil {
				p.opts.Metrics.CommitFailure()
			}
			p.logger.ErrorContext(ctx, "memory commit failed",
				"namespace", rec.Namespace,
				"key", rec.Key,
				"committed", len(res.Written),
				"err", err,
			)
			return res, newError(ErrorStoreCommitFailure, "upsert_failed", err)
		}
		res.Written = append(res.Written, rec)
	}
	return res, nil
}

// targets validates candidates, derives their namespaces and collapses
// duplicates to the most confident one. The result is sorted so locks are
// always taken in the same order.
func (p *Pipeline) targets(thread domain.EmailThread, candidates []domain.CandidateFact) []target {
	byAddr := make(map[string]target, len(candidates))
	for _, c := range candidates {
		c.Key = normalizeKey(c.Key)
		if c.Key == "" || !unitInterval(c.Confidence) {
			p.logger.Debug("discarding invalid candidate", "key", c.Key, "confidence", c.Confidence)
			continue
		}
		c.Category = domain.ParseCategory(string(c.Category))
		ns := p.opts.Namespaces.For(thread, c.Category)
		addr := ns + "\x00" + c.Key
		if prev, dup := byAddr[addr]; dup && prev.candidate.Confidence >= c.Confidence {
			continue
		}
		byAddr[addr] = target{namespace: ns, candidate: c}
	}

	out := make([]target, 0, len(byAddr))
	for _, t := range byAddr {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].namespace != out[j].namespace {
			return out[i].namespace < out[j].namespace
		}
		return out[i].candidate.Key < out[j].candidate.Key
	})
	return out
}

func (p *Pipeline) lockAll(ctx context.Context, targets []target) (func(), error) {
	if p.opts.Locker == nil {
		return func() {}, nil
	}
	unlocks := make([]func(), 0, len(targets))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, t := range targets {
		unlock, err := p.opts.Locker.Lock(ctx, t.namespace, t.candidate.Key)
		if err != nil {
			release()
			return nil, newError(ErrorLockFailure, "lock_"+t.candidate.Key, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (p *Pipeline) resolve(ctx context.Context, threadID string, targets []target, res *CommitResult) ([]domain.MemoryRecord, error) {
	pending := make([]domain.MemoryRecord, 0, len(targets))
	for _, t := range targets {
		existing, err := p.store.Get(ctx, t.namespace, t.candidate.Key)
		if err != nil {
			return nil, newError(ErrorStoreReadFailure, "get_"+t.candidate.Key, err)
		}
		rec, outcome := Merge(existing, t.namespace, t.candidate, threadID, p.opts.Threshold)
		if p.opts.Metrics != nil {
			p.opts.Metrics.MergeOutcome(string(outcome))
		}
		switch outcome {
		case MergeDropped:
			res.Dropped++
			p.logger.InfoContext(ctx, "low-confidence candidate dropped",
				"namespace", t.namespace,
				"key", t.candidate.Key,
				"confidence", t.candidate.Confidence,
				"threshold", p.opts.Threshold,
			)
		case MergeUnchanged:
			res.Unchanged++
		}
		if outcome.Writes() {
			pending = append(pending, rec)
		}
	}
	return pending, nil
}

func (p *Pipeline) recordRun(err error, res CommitResult) {
	if p.opts.Metrics == nil {
		return
	}
	outcome := "ok"
	var e *Error
	switch {
	case res.Skipped:
		outcome = "skipped"
	case errors.As(err, &e):
		outcome = strings.ToLower(string(e.Code))
	case err != nil:
		outcome = "error"
	case res.ExtractionUnavailable:
		outcome = "extraction_unavailable"
	}
	p.opts.Metrics.Run(outcome)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
