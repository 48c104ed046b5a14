package memory

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"inbox-memory/internal/domain"
)

type fakeExtractor struct {
	facts    []domain.CandidateFact
	err      error
	block    bool
	captured ExtractionContext
	calls    int
}

func (f *fakeExtractor) Extract(ctx context.Context, ec ExtractionContext) ([]domain.CandidateFact, error) {
	f.calls++
	f.captured = ec
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.facts, f.err
}

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]domain.MemoryRecord
	getErr    error
	listErr   error
	failAfter int // upserts allowed before upsertErr is returned; <0 disables
	upsertErr error
	upserts   int
	onGet     func()
}

func newFakeStore(recs ...domain.MemoryRecord) *fakeStore {
	s := &fakeStore{records: map[string]domain.MemoryRecord{}, failAfter: -1}
	for _, r := range recs {
		s.records[r.Namespace+"|"+r.Key] = r
	}
	return s
}

func (s *fakeStore) Get(_ context.Context, namespace, key string) (*domain.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onGet != nil {
		s.onGet()
	}
	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.records[namespace+"|"+key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *fakeStore) Upsert(_ context.Context, rec domain.MemoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && s.upserts >= s.failAfter {
		return s.upsertErr
	}
	s.upserts++
	s.records[rec.Namespace+"|"+rec.Key] = rec
	return nil
}

func (s *fakeStore) List(_ context.Context, namespace string) ([]domain.MemoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []domain.MemoryRecord
	for _, r := range s.records {
		if r.Namespace == namespace {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

type fakeLocker struct {
	locked   []string
	unlocked []string
	failOn   string
}

func (l *fakeLocker) Lock(_ context.Context, namespace, key string) (func(), error) {
	if key == l.failOn {
		return nil, errors.New("lock busy")
	}
	id := namespace + "|" + key
	l.locked = append(l.locked, id)
	return func() { l.unlocked = append(l.unlocked, id) }, nil
}

type fakeRecorder struct {
	extractionUnavailable int
	commitFailures        int
	merges                map[string]int
	runs                  []string
}

func (r *fakeRecorder) ExtractionUnavailable() { r.extractionUnavailable++ }
func (r *fakeRecorder) CommitFailure()         { r.commitFailures++ }
func (r *fakeRecorder) Run(outcome string)     { r.runs = append(r.runs, outcome) }
func (r *fakeRecorder) MergeOutcome(outcome string) {
	if r.merges == nil {
		r.merges = map[string]int{}
	}
	r.merges[outcome]++
}

const testNamespace = "eaia/preferences/owner@example.com"

func testThread() domain.EmailThread {
	return domain.EmailThread{
		ThreadID:     "thread-1",
		Subject:      "Scheduling",
		Participants: []string{"jane@acme.com"},
		UserID:       "owner@example.com",
		Turns: []domain.Turn{
			{Role: domain.RoleUser, Content: "Please keep meetings to 30 minutes", ToolCalls: []domain.ToolCall{}},
		},
	}
}

func newTestPipeline(t *testing.T, ex Extractor, store Store, mutate ...func(*Options)) *Pipeline {
	t.Helper()
	opts := Options{
		Threshold:  testThreshold,
		Namespaces: Namespacer{AssistantID: "eaia", Scope: ScopeUser},
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := NewPipeline(ex, store, opts)
	require.NoError(t, err)
	return p
}

func TestNewPipeline_Validates(t *testing.T) {
	_, err := NewPipeline(nil, newFakeStore(), Options{})
	require.Error(t, err)
	_, err = NewPipeline(&fakeExtractor{}, nil, Options{})
	require.Error(t, err)
	_, err = NewPipeline(&fakeExtractor{}, newFakeStore(), Options{Threshold: 1.5})
	require.Error(t, err)
	_, err = NewPipeline(&fakeExtractor{}, newFakeStore(), Options{Threshold: math.NaN()})
	require.Error(t, err)
	_, err = NewPipeline(&fakeExtractor{}, newFakeStore(), Options{Namespaces: Namespacer{Scope: "galaxy"}})
	require.Error(t, err)
}

func TestProcess_NoCandidatesIsNoOp(t *testing.T) {
	prior := domain.MemoryRecord{Namespace: testNamespace, Key: "tone", Value: domain.TextValue("formal"), LastUpdatedFrom: "thread-0"}
	store := newFakeStore(prior)
	p := newTestPipeline(t, &fakeExtractor{}, store)

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Empty(t, res.Written)
	require.Equal(t, 0, store.upserts)
	require.Equal(t, prior, store.records[testNamespace+"|tone"])
}

func TestProcess_CreatesRecords(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{facts: []domain.CandidateFact{candidate("30 minutes", 0.4)}}
	rec := &fakeRecorder{}
	p := newTestPipeline(t, ex, store, func(o *Options) { o.Metrics = rec })

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Len(t, res.Written, 1)
	require.Equal(t, "thread-1", res.ThreadID)

	got := store.records[testNamespace+"|meeting_length"]
	require.Equal(t, "30 minutes", got.Value.Text)
	require.Equal(t, "thread-1", got.LastUpdatedFrom)
	require.Equal(t, "Scheduling", ex.captured.Subject)
	require.Equal(t, 1, rec.merges["created"])
	require.Equal(t, []string{"ok"}, rec.runs)
}

func TestProcess_RepeatedRunWritesNothing(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{facts: []domain.CandidateFact{candidate("30 minutes", 0.9)}}
	p := newTestPipeline(t, ex, store)

	_, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	first := store.records[testNamespace+"|meeting_length"]

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Empty(t, res.Written)
	require.Equal(t, 1, res.Unchanged)
	require.Equal(t, 1, store.upserts)
	require.Equal(t, first, store.records[testNamespace+"|meeting_length"])
}

func TestProcess_LowConfidenceDropped(t *testing.T) {
	existing := *storedRecord("A")
	existing.Namespace = testNamespace
	store := newFakeStore(existing)
	p := newTestPipeline(t, &fakeExtractor{facts: []domain.CandidateFact{candidate("B", 0.3)}}, store)

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Equal(t, 1, res.Dropped)
	require.Empty(t, res.Written)
	require.Equal(t, "A", store.records[testNamespace+"|meeting_length"].Value.Text)
}

func TestProcess_NaNConfidenceDiscarded(t *testing.T) {
	existing := *storedRecord("A")
	existing.Namespace = testNamespace
	store := newFakeStore(existing)
	p := newTestPipeline(t, &fakeExtractor{facts: []domain.CandidateFact{candidate("B", math.NaN())}}, store)

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Empty(t, res.Written)
	require.Equal(t, "A", store.records[testNamespace+"|meeting_length"].Value.Text)
}

func TestProcess_CategoryCaseFolded(t *testing.T) {
	fact := candidate("30 minutes", 0.9)
	fact.Category = " Preference "
	store := newFakeStore()
	p := newTestPipeline(t, &fakeExtractor{facts: []domain.CandidateFact{fact}}, store)

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Len(t, res.Written, 1)
	got := store.records[testNamespace+"|meeting_length"]
	require.Equal(t, domain.CategoryPreference, got.Category)
	require.Equal(t, testNamespace, got.Namespace)
}

func TestProcess_HighConfidenceReplaces(t *testing.T) {
	existing := *storedRecord("A")
	existing.Namespace = testNamespace
	store := newFakeStore(existing)
	p := newTestPipeline(t, &fakeExtractor{facts: []domain.CandidateFact{candidate("B", 0.8)}}, store)

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Len(t, res.Written, 1)
	require.Equal(t, "B", store.records[testNamespace+"|meeting_length"].Value.Text)
}

func TestProcess_ExtractionFailureDegrades(t *testing.T) {
	store := newFakeStore()
	rec := &fakeRecorder{}
	p := newTestPipeline(t, &fakeExtractor{err: errors.New("malformed response")}, store, func(o *Options) { o.Metrics = rec })

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.True(t, res.ExtractionUnavailable)
	require.Empty(t, res.Written)
	require.Equal(t, 1, rec.extractionUnavailable)
	require.Equal(t, []string{"extraction_unavailable"}, rec.runs)
}

func TestProcess_ExtractionTimeoutDegrades(t *testing.T) {
	p := newTestPipeline(t, &fakeExtractor{block: true}, newFakeStore(), func(o *Options) {
		o.ExtractTimeout = 10 * time.Millisecond
	})

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.True(t, res.ExtractionUnavailable)
}

func TestProcess_CancelledDuringExtraction(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	store := newFakeStore()
	p := newTestPipeline(t, &fakeExtractor{block: true}, store)

	_, err := p.Process(ctx, testThread())
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, ErrorCancelled, merr.Code)
	require.False(t, IsRetryable(err))
	require.Equal(t, 0, store.upserts)
}

func TestProcess_CancelledBeforeCommitWritesNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newFakeStore()
	store.onGet = cancel
	ex := &fakeExtractor{facts: []domain.CandidateFact{candidate("30 minutes", 0.9)}}
	p := newTestPipeline(t, ex, store)

	_, err := p.Process(ctx, testThread())
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, ErrorCancelled, merr.Code)
	require.Equal(t, 0, store.upserts)
	require.Empty(t, store.records)
}

func TestProcess_CommitFailureIsRetryable(t *testing.T) {
	store := newFakeStore()
	store.failAfter = 1
	store.upsertErr = errors.New("ProvisionedThroughputExceededException")
	rec := &fakeRecorder{}
	ex := &fakeExtractor{facts: []domain.CandidateFact{
		{Key: "a", Category: domain.CategoryFact, Value: domain.TextValue("1"), Confidence: 0.9},
		{Key: "b", Category: domain.CategoryFact, Value: domain.TextValue("2"), Confidence: 0.9},
	}}
	p := newTestPipeline(t, ex, store, func(o *Options) { o.Metrics = rec })

	res, err := p.Process(context.Background(), testThread())
	require.Error(t, err)
	require.True(t, IsRetryable(err))
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, ErrorStoreCommitFailure, merr.Code)
	require.Len(t, res.Written, 1)
	require.Equal(t, "a", res.Written[0].Key)
	require.Equal(t, 1, rec.commitFailures)
	require.Equal(t, []string{"store_commit_failure"}, rec.runs)

	// retry after the store recovers: the already committed record is a no-op
	store.failAfter = -1
	res, err = p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Len(t, res.Written, 1)
	require.Equal(t, "b", res.Written[0].Key)
	require.Equal(t, 1, res.Unchanged)
}

func TestProcess_StoreReadFailureIsRetryable(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("timeout")
	p := newTestPipeline(t, &fakeExtractor{facts: []domain.CandidateFact{candidate("x", 1)}}, store)

	_, err := p.Process(context.Background(), testThread())
	require.True(t, IsRetryable(err))
}

func TestProcess_LocksSortedAndAlwaysReleased(t *testing.T) {
	store := newFakeStore()
	store.failAfter = 0
	store.upsertErr = errors.New("down")
	locker := &fakeLocker{}
	ex := &fakeExtractor{facts: []domain.CandidateFact{
		{Key: "zeta", Category: domain.CategoryFact, Value: domain.TextValue("z"), Confidence: 1},
		{Key: "alpha", Category: domain.CategoryFact, Value: domain.TextValue("a"), Confidence: 1},
		{Key: "jane", Category: domain.CategoryContact, Value: domain.TextValue("jane@acme.com"), Confidence: 1},
	}}
	p := newTestPipeline(t, ex, store, func(o *Options) { o.Locker = locker })

	_, err := p.Process(context.Background(), testThread())
	require.Error(t, err)
	require.Equal(t, []string{
		"eaia/contacts/owner@example.com|jane",
		"eaia/memories/owner@example.com|alpha",
		"eaia/memories/owner@example.com|zeta",
	}, locker.locked)
	require.ElementsMatch(t, locker.locked, locker.unlocked)
}

func TestProcess_LockFailureReleasesAcquired(t *testing.T) {
	locker := &fakeLocker{failOn: "zeta"}
	ex := &fakeExtractor{facts: []domain.CandidateFact{
		{Key: "alpha", Value: domain.TextValue("a"), Confidence: 1},
		{Key: "zeta", Value: domain.TextValue("z"), Confidence: 1},
	}}
	store := newFakeStore()
	p := newTestPipeline(t, ex, store, func(o *Options) { o.Locker = locker })

	_, err := p.Process(context.Background(), testThread())
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, ErrorLockFailure, merr.Code)
	require.True(t, merr.Retryable())
	require.Equal(t, locker.locked, locker.unlocked)
	require.Equal(t, 0, store.upserts)
}

func TestProcess_CandidateHygiene(t *testing.T) {
	store := newFakeStore()
	ex := &fakeExtractor{facts: []domain.CandidateFact{
		{Key: "Meeting Length", Category: domain.CategoryPreference, Value: domain.TextValue("45 minutes"), Confidence: 0.5},
		{Key: "meeting_length", Category: domain.CategoryPreference, Value: domain.TextValue("30 minutes"), Confidence: 0.9},
		{Key: "  ", Value: domain.TextValue("nameless"), Confidence: 0.9},
		{Key: "overconfident", Value: domain.TextValue("x"), Confidence: 3},
	}}
	p := newTestPipeline(t, ex, store)

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.Len(t, res.Written, 1)
	require.Equal(t, "meeting_length", res.Written[0].Key)
	require.Equal(t, "30 minutes", res.Written[0].Value.Text)
}

func TestProcess_DisabledSkips(t *testing.T) {
	ex := &fakeExtractor{facts: []domain.CandidateFact{candidate("x", 1)}}
	p := newTestPipeline(t, ex, newFakeStore(), func(o *Options) { o.Disabled = true })

	res, err := p.Process(context.Background(), testThread())
	require.NoError(t, err)
	require.True(t, res.Skipped)
	require.Equal(t, 0, ex.calls)
}

func TestProcess_MissingThreadID(t *testing.T) {
	p := newTestPipeline(t, &fakeExtractor{}, newFakeStore())
	_, err := p.Process(context.Background(), domain.EmailThread{})
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, ErrorInvalidInput, merr.Code)
	require.False(t, IsRetryable(err))
}

func TestRun_NormalizesRawTurns(t *testing.T) {
	ex := &fakeExtractor{}
	p := newTestPipeline(t, ex, newFakeStore())

	_, err := p.Run(context.Background(), domain.Email{ThreadID: "t-2", Subject: "Hi"}, []any{
		map[string]any{"role": "user", "content": "Move my 3pm to 4pm"},
		struct{ Role, Content string }{"assistant", "Done"},
		nil,
	})
	require.NoError(t, err)
	require.Len(t, ex.captured.Turns, 3)
	require.Equal(t, domain.RoleUser, ex.captured.Turns[0].Role)
	require.Equal(t, "Done", ex.captured.Turns[1].Content)
	require.NotNil(t, ex.captured.Turns[2].ToolCalls)
}

func TestRecall_FormatsStoredMemories(t *testing.T) {
	store := newFakeStore(
		domain.MemoryRecord{Namespace: testNamespace, Key: "tone", Category: domain.CategoryPreference, Value: domain.TextValue("formal")},
		domain.MemoryRecord{Namespace: "eaia/contacts/owner@example.com", Key: "jane", Category: domain.CategoryContact, Value: domain.TextValue("jane@acme.com")},
		domain.MemoryRecord{Namespace: "eaia/contacts/someone-else", Key: "bob", Category: domain.CategoryContact, Value: domain.TextValue("bob@acme.com")},
	)
	p := newTestPipeline(t, &fakeExtractor{}, store)

	recs, err := p.Recall(context.Background(), testThread())
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t,
		"## Relevant Memories\n\n- Contact: jane: jane@acme.com\n- Preference: tone: formal\n",
		FormatForContext(recs),
	)
	require.Equal(t, "", FormatForContext(nil))

	store.listErr = errors.New("boom")
	_, err = p.Recall(context.Background(), testThread(), domain.CategoryPreference)
	require.True(t, IsRetryable(err))
}
