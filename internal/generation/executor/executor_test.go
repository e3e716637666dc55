package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/readlevel/readlevel-backend/internal/generation/analysis"
	"github.com/readlevel/readlevel-backend/internal/generation/pipeline"
	"github.com/readlevel/readlevel-backend/internal/generation/provider"
	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/services/deletion"
	"github.com/readlevel/readlevel-backend/internal/types"
)

// ---- fakes ----

type terminalRecord struct {
	ID      uuid.UUID
	Version int
}

type failedRecord struct {
	ID      uuid.UUID
	Version int
	Message string
	Context datatypes.JSON
}

type fakeTaskRepo struct {
	mu          sync.Mutex
	checkpoints []datatypes.JSON
	succeeded   []terminalRecord
	failed      []failedRecord
	keepAlives  int
}

func (f *fakeTaskRepo) Create(ctx context.Context, tx *gorm.DB, tasks []*types.GenerationTask) ([]*types.GenerationTask, error) {
	return tasks, nil
}

func (f *fakeTaskRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationTask, error) {
	return nil, nil
}

func (f *fakeTaskRepo) ClaimNextRunnable(ctx context.Context, tx *gorm.DB, lease time.Duration) (*types.GenerationTask, error) {
	return nil, nil
}

func (f *fakeTaskRepo) KeepAlive(ctx context.Context, tx *gorm.DB, id uuid.UUID, extension time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives++
	return nil
}

func (f *fakeTaskRepo) SaveCheckpoint(ctx context.Context, tx *gorm.DB, id uuid.UUID, checkpoint datatypes.JSON) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints = append(f.checkpoints, checkpoint)
	return nil
}

func (f *fakeTaskRepo) MarkSucceeded(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, terminalRecord{ID: id, Version: version})
	return nil
}

func (f *fakeTaskRepo) MarkFailed(ctx context.Context, tx *gorm.DB, id uuid.UUID, version int, errorMessage string, errorContext datatypes.JSON) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, failedRecord{ID: id, Version: version, Message: errorMessage, Context: errorContext})
	return nil
}

func (f *fakeTaskRepo) keepAliveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepAlives
}

func (f *fakeTaskRepo) lastCheckpoint(t *testing.T) pipeline.Checkpoint {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.checkpoints) == 0 {
		t.Fatalf("no checkpoints saved")
	}
	var cp pipeline.Checkpoint
	if err := json.Unmarshal(f.checkpoints[len(f.checkpoints)-1], &cp); err != nil {
		t.Fatalf("decode checkpoint: %v", err)
	}
	return cp
}

type fakeArticleRepo struct {
	mu         sync.Mutex
	articles   map[uuid.UUID]*types.Article
	levels     map[uuid.UUID][]*types.ArticleLevel
	vocab      map[uuid.UUID][]*types.ArticleVocabulary
	usedWords  []string
	titles     []string
	sourceURLs []string
}

func newFakeArticleRepo() *fakeArticleRepo {
	return &fakeArticleRepo{
		articles: map[uuid.UUID]*types.Article{},
		levels:   map[uuid.UUID][]*types.ArticleLevel{},
		vocab:    map[uuid.UUID][]*types.ArticleVocabulary{},
	}
}

func (f *fakeArticleRepo) Create(ctx context.Context, tx *gorm.DB, article *types.Article) (*types.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if article.ID == uuid.Nil {
		article.ID = uuid.New()
	}
	f.articles[article.ID] = article
	return article, nil
}

func (f *fakeArticleRepo) CreateLevels(ctx context.Context, tx *gorm.DB, levels []*types.ArticleLevel) ([]*types.ArticleLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range levels {
		f.levels[l.ArticleID] = append(f.levels[l.ArticleID], l)
	}
	return levels, nil
}

func (f *fakeArticleRepo) CreateVocabulary(ctx context.Context, tx *gorm.DB, words []*types.ArticleVocabulary) ([]*types.ArticleVocabulary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range words {
		f.vocab[w.ArticleID] = append(f.vocab[w.ArticleID], w)
	}
	return words, nil
}

func (f *fakeArticleRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.articles[id], nil
}

func (f *fakeArticleRepo) FindByTaskOutput(ctx context.Context, tx *gorm.DB, taskID uuid.UUID, prov, model, variant string) (*types.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.articles {
		if a.TaskID == taskID && a.Provider == prov && a.Model == model && a.Variant == variant {
			return a, nil
		}
	}
	return nil, nil
}

func (f *fakeArticleRepo) ListLevels(ctx context.Context, tx *gorm.DB, articleID uuid.UUID) ([]*types.ArticleLevel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[articleID], nil
}

func (f *fakeArticleRepo) RecentTitles(ctx context.Context, tx *gorm.DB, limit int) ([]string, error) {
	return f.titles, nil
}

func (f *fakeArticleRepo) WordsUsedOnDate(ctx context.Context, tx *gorm.DB, taskDate string) ([]string, error) {
	return f.usedWords, nil
}

func (f *fakeArticleRepo) SourceURLsOnDate(ctx context.Context, tx *gorm.DB, taskDate string) ([]string, error) {
	return f.sourceURLs, nil
}

func (f *fakeArticleRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.articles)
}

type fakeDeletionService struct {
	articles *fakeArticleRepo
	deleted  []uuid.UUID
}

func (f *fakeDeletionService) DeleteArticleWithCascade(ctx context.Context, articleID uuid.UUID) error {
	f.articles.mu.Lock()
	defer f.articles.mu.Unlock()
	delete(f.articles.articles, articleID)
	delete(f.articles.levels, articleID)
	delete(f.articles.vocab, articleID)
	f.deleted = append(f.deleted, articleID)
	return nil
}

func (f *fakeDeletionService) DeleteTaskWithCascade(ctx context.Context, taskID uuid.UUID) error {
	return nil
}

var _ deletion.Service = (*fakeDeletionService)(nil)

type fakeProfileRepo struct {
	profiles map[uuid.UUID]*types.GenerationProfile
}

func (f *fakeProfileRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.GenerationProfile, error) {
	return f.profiles[id], nil
}

func (f *fakeProfileRepo) ListActive(ctx context.Context, tx *gorm.DB) ([]*types.GenerationProfile, error) {
	var out []*types.GenerationProfile
	for _, p := range f.profiles {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeProfileRepo) UpsertByName(ctx context.Context, tx *gorm.DB, profile *types.GenerationProfile) (*types.GenerationProfile, error) {
	return profile, nil
}

type fakeWordRepo struct {
	refs []*types.DailyWordReference
}

func (f *fakeWordRepo) ListByDate(ctx context.Context, tx *gorm.DB, refDate string) ([]*types.DailyWordReference, error) {
	return f.refs, nil
}

func (f *fakeWordRepo) Create(ctx context.Context, tx *gorm.DB, refs []*types.DailyWordReference) ([]*types.DailyWordReference, error) {
	return refs, nil
}

type fakeTx struct{}

func (fakeTx) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

type fakeProvider struct {
	mu              sync.Mutex
	searchCalls     int
	draftCalls      int
	convCalls       int
	tagCalls        int
	failDraft       bool
	draftDelay      time.Duration
	lastSearchInput provider.SearchSelectionInput
}

func (f *fakeProvider) RunSearchSelection(ctx context.Context, in provider.SearchSelectionInput) (provider.SearchSelectionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	f.lastSearchInput = in
	selected := in.CandidateWords
	if len(selected) > 3 {
		selected = selected[:3]
	}
	return provider.SearchSelectionResult{
		SelectedWords: selected,
		NewsSummary:   "summary of the day",
		SourceURLs:    []string{"https://news.example.com/1"},
		Usage:         types.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeProvider) RunDraft(ctx context.Context, in provider.DraftInput) (provider.DraftResult, error) {
	f.mu.Lock()
	f.draftCalls++
	fail := f.failDraft
	delay := f.draftDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return provider.DraftResult{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return provider.DraftResult{}, context.DeadlineExceeded
	}
	return provider.DraftResult{DraftText: "A long draft about the selected words."}, nil
}

func (f *fakeProvider) RunJSONConversion(ctx context.Context, draft string) (provider.ConversionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.convCalls++
	return provider.ConversionResult{
		Title:     "Markets Move",
		PullQuote: "a quote",
		Summary:   "a summary",
		Articles: []types.ArticleInput{
			{Level: 1, LevelName: "beginner", Content: "Stocks went up fast this morning everywhere."},
			{Level: 2, LevelName: "intermediate", Content: "Stock prices rose quickly during morning trading today."},
			{Level: 3, LevelName: "advanced", Content: "Equities appreciated rapidly during the morning session today."},
		},
	}, nil
}

func (f *fakeProvider) TagSentences(ctx context.Context, sentences []string) ([]analysis.RoleSpan, types.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tagCalls++
	spans := make([]analysis.RoleSpan, 0, len(sentences))
	for i, s := range sentences {
		fields := strings.Fields(s)
		if len(fields) > 0 {
			spans = append(spans, analysis.RoleSpan{SentenceIndex: i, Role: "subject", Text: fields[0]})
		}
	}
	return spans, types.Usage{InputTokens: 2, OutputTokens: 2}, nil
}

func (f *fakeProvider) Name() string  { return "openai" }
func (f *fakeProvider) Model() string { return "gpt-test" }

// ---- harness ----

type harness struct {
	exec     *Executor
	tasks    *fakeTaskRepo
	articles *fakeArticleRepo
	prov     *fakeProvider
	profile  *types.GenerationProfile
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tasks := &fakeTaskRepo{}
	articles := newFakeArticleRepo()
	prov := &fakeProvider{}
	profile := &types.GenerationProfile{
		ID:             uuid.New(),
		Name:           "world-news",
		TimeoutSeconds: 60,
		Active:         true,
	}
	words := &fakeWordRepo{refs: []*types.DailyWordReference{
		{RefDate: "2026-08-26", Word: "ephemeral", WordType: types.WordTypeNew},
		{RefDate: "2026-08-26", Word: "ubiquitous", WordType: types.WordTypeNew},
		{RefDate: "2026-08-26", Word: "salient", WordType: types.WordTypeReview},
	}}
	exec := New(Deps{
		Log:      logger.NewNop(),
		DB:       fakeTx{},
		Tasks:    tasks,
		Articles: articles,
		Profiles: &fakeProfileRepo{profiles: map[uuid.UUID]*types.GenerationProfile{profile.ID: profile}},
		Words:    words,
		Deletion: &fakeDeletionService{articles: articles},
		NewProvider: func(log *logger.Logger, modelOverride string) (provider.Provider, error) {
			return prov, nil
		},
	})
	return &harness{exec: exec, tasks: tasks, articles: articles, prov: prov, profile: profile}
}

func (h *harness) newTask() *types.GenerationTask {
	profileID := h.profile.ID
	return &types.GenerationTask{
		ID:        uuid.New(),
		TaskDate:  "2026-08-26",
		Mode:      types.TaskModeRSS,
		ProfileID: &profileID,
		Status:    types.TaskStatusRunning,
		Version:   1,
	}
}

// ---- tests ----

func TestExecute_CommitsArticleAndSucceeds(t *testing.T) {
	h := newHarness(t)
	task := h.newTask()

	if err := h.exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(h.tasks.succeeded) != 1 || h.tasks.succeeded[0].ID != task.ID {
		t.Fatalf("task not marked succeeded: %#v", h.tasks.succeeded)
	}
	if h.tasks.succeeded[0].Version != task.Version {
		t.Fatalf("terminal write must carry the claim-time version: %#v", h.tasks.succeeded[0])
	}
	if len(h.tasks.failed) != 0 {
		t.Fatalf("unexpected failure records: %#v", h.tasks.failed)
	}
	if h.articles.count() != 1 {
		t.Fatalf("expected 1 article, got %d", h.articles.count())
	}
	for _, a := range h.articles.articles {
		if a.Title != "Markets Move" || a.Provider != "openai" || a.Model != "gpt-test" || a.Variant != defaultVariant {
			t.Fatalf("unexpected article: %#v", a)
		}
		if len(h.articles.levels[a.ID]) != 3 {
			t.Fatalf("expected 3 levels, got %#v", h.articles.levels[a.ID])
		}
		if len(h.articles.vocab[a.ID]) != 3 {
			t.Fatalf("expected 3 vocabulary rows, got %#v", h.articles.vocab[a.ID])
		}
	}
	cp := h.tasks.lastCheckpoint(t)
	if cp.Stage != pipeline.StageGrammarAnalysis || len(cp.CompletedLevels) != 3 {
		t.Fatalf("unexpected final checkpoint: %#v", cp)
	}
}

func TestExecute_RetryDeletesEarlierArticle(t *testing.T) {
	h := newHarness(t)
	task := h.newTask()

	// A prior attempt committed an article for the same task before the
	// process died without flipping the task status.
	stale := &types.Article{
		ID:       uuid.New(),
		TaskID:   task.ID,
		Provider: "openai",
		Model:    "gpt-test",
		Variant:  defaultVariant,
		Title:    "Stale Title",
		TaskDate: task.TaskDate,
	}
	h.articles.articles[stale.ID] = stale

	if err := h.exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.articles.count() != 1 {
		t.Fatalf("expected exactly 1 article after retry, got %d", h.articles.count())
	}
	for _, a := range h.articles.articles {
		if a.ID == stale.ID || a.Title == "Stale Title" {
			t.Fatalf("stale article survived retry: %#v", a)
		}
	}
}

func TestExecute_PipelineErrorRecordsStage(t *testing.T) {
	h := newHarness(t)
	h.prov.failDraft = true
	task := h.newTask()

	if err := h.exec.Execute(context.Background(), task); err == nil {
		t.Fatalf("expected error")
	}
	if len(h.tasks.failed) != 1 {
		t.Fatalf("expected 1 failure record, got %#v", h.tasks.failed)
	}
	var errCtx map[string]string
	if err := json.Unmarshal(h.tasks.failed[0].Context, &errCtx); err != nil {
		t.Fatalf("decode error context: %v", err)
	}
	if errCtx["stage"] != pipeline.StageDraft {
		t.Fatalf("expected stage %q, got %#v", pipeline.StageDraft, errCtx)
	}
	// The stage-1 checkpoint must survive for the next attempt.
	cp := h.tasks.lastCheckpoint(t)
	if cp.Stage != pipeline.StageSearchSelection {
		t.Fatalf("expected surviving checkpoint at search_selection, got %#v", cp)
	}
	if h.articles.count() != 0 {
		t.Fatalf("no article should be committed on failure")
	}
}

func TestExecute_MissingProfileFailsBeforeProviderCalls(t *testing.T) {
	h := newHarness(t)
	task := h.newTask()
	unknown := uuid.New()
	task.ProfileID = &unknown

	if err := h.exec.Execute(context.Background(), task); err == nil {
		t.Fatalf("expected error")
	}
	if h.prov.searchCalls != 0 {
		t.Fatalf("provider should not be called on configuration failure")
	}
	var errCtx map[string]string
	if err := json.Unmarshal(h.tasks.failed[0].Context, &errCtx); err != nil {
		t.Fatalf("decode error context: %v", err)
	}
	if errCtx["stage"] != StageConfiguration {
		t.Fatalf("expected configuration stage, got %#v", errCtx)
	}
}

func TestExecute_FiltersWordsUsedToday(t *testing.T) {
	h := newHarness(t)
	h.articles.usedWords = []string{"ephemeral", "salient"}
	task := h.newTask()

	if err := h.exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := h.prov.lastSearchInput.CandidateWords
	if len(got) != 1 || got[0].Word != "ubiquitous" {
		t.Fatalf("expected used words filtered out, got %#v", got)
	}
}

func TestExecute_ImpressionModeAllowsRepetition(t *testing.T) {
	h := newHarness(t)
	h.articles.usedWords = []string{"ephemeral", "ubiquitous", "salient"}
	task := h.newTask()
	task.Mode = types.TaskModeImpression
	task.ProfileID = nil

	if err := h.exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.prov.lastSearchInput.CandidateWords) != 3 {
		t.Fatalf("impression mode must not filter used words, got %#v", h.prov.lastSearchInput.CandidateWords)
	}
}

func TestExecute_MalformedCheckpointStartsFresh(t *testing.T) {
	h := newHarness(t)
	task := h.newTask()
	task.ContextJSON = datatypes.JSON(`{"stage":"not-a-stage"}`)

	if err := h.exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.prov.searchCalls != 1 || h.prov.draftCalls != 1 {
		t.Fatalf("expected fresh run, got search=%d draft=%d", h.prov.searchCalls, h.prov.draftCalls)
	}
}

func TestExecute_HeartbeatRenewsLeaseWhileRunning(t *testing.T) {
	h := newHarness(t)
	h.exec.heartbeatEvery = 5 * time.Millisecond
	h.prov.draftDelay = 60 * time.Millisecond
	task := h.newTask()

	if err := h.exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.tasks.keepAliveCount() == 0 {
		t.Fatalf("lease never renewed during a long stage")
	}
}

func TestExecute_HeartbeatStopsAfterReturn(t *testing.T) {
	h := newHarness(t)
	h.exec.heartbeatEvery = 5 * time.Millisecond
	h.prov.failDraft = true
	task := h.newTask()

	if err := h.exec.Execute(context.Background(), task); err == nil {
		t.Fatalf("expected error")
	}
	before := h.tasks.keepAliveCount()
	time.Sleep(40 * time.Millisecond)
	if got := h.tasks.keepAliveCount(); got != before {
		t.Fatalf("heartbeat still renewing after return: %d then %d", before, got)
	}
}

func TestExecute_ResumesFromStoredCheckpoint(t *testing.T) {
	h := newHarness(t)
	task := h.newTask()
	cp := pipeline.Checkpoint{
		Stage:         pipeline.StageDraft,
		SelectedWords: []types.CandidateWord{{Word: "ephemeral", Type: types.WordTypeNew}},
		DraftText:     "stored draft",
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("encode checkpoint: %v", err)
	}
	task.ContextJSON = datatypes.JSON(raw)

	if err := h.exec.Execute(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.prov.searchCalls != 0 || h.prov.draftCalls != 0 {
		t.Fatalf("resumed run must skip stages 1-2, got search=%d draft=%d", h.prov.searchCalls, h.prov.draftCalls)
	}
	if h.prov.convCalls != 1 {
		t.Fatalf("conversion must run on resume, got %d", h.prov.convCalls)
	}
	if len(h.tasks.succeeded) != 1 {
		t.Fatalf("task not marked succeeded")
	}
}
