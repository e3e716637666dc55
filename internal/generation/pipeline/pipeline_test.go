package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/readlevel/readlevel-backend/internal/generation/analysis"
	"github.com/readlevel/readlevel-backend/internal/generation/provider"
	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

type fakeProvider struct {
	searchCalls int
	draftCalls  int
	convCalls   int
	tagCalls    int

	failSearch bool
	failDraft  bool
	failConv   bool
	failTag    bool
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "fake-model" }

func (f *fakeProvider) RunSearchSelection(ctx context.Context, in provider.SearchSelectionInput) (provider.SearchSelectionResult, error) {
	_ = ctx
	f.searchCalls++
	if f.failSearch {
		return provider.SearchSelectionResult{}, errors.New("search boom")
	}
	return provider.SearchSelectionResult{
		SelectedWords: in.CandidateWords,
		NewsSummary:   "markets moved today",
		SourceURLs:    []string{"https://example.com/news"},
		Usage:         types.Usage{InputTokens: 100, OutputTokens: 20},
	}, nil
}

func (f *fakeProvider) RunDraft(ctx context.Context, in provider.DraftInput) (provider.DraftResult, error) {
	_ = ctx
	_ = in
	f.draftCalls++
	if f.failDraft {
		return provider.DraftResult{}, errors.New("draft boom")
	}
	return provider.DraftResult{
		DraftText: "Stocks rose quickly this morning. Traders cheered loudly all day.",
		Usage:     types.Usage{InputTokens: 50, OutputTokens: 200},
	}, nil
}

func (f *fakeProvider) RunJSONConversion(ctx context.Context, draft string) (provider.ConversionResult, error) {
	_ = ctx
	_ = draft
	f.convCalls++
	if f.failConv {
		return provider.ConversionResult{}, errors.New("conversion boom")
	}
	return provider.ConversionResult{
		Title:     "Markets Rise",
		PullQuote: "Traders cheered loudly",
		Summary:   "Stocks went up.",
		Articles: []types.ArticleInput{
			{Level: 3, LevelName: "advanced", Content: "Equities appreciated rapidly during the morning session today."},
			{Level: 1, LevelName: "beginner", Content: "Stocks went up fast this morning everywhere."},
			{Level: 2, LevelName: "intermediate", Content: "Stock prices rose quickly during the morning trading hours."},
		},
		Usage: types.Usage{InputTokens: 80, OutputTokens: 150},
	}, nil
}

func (f *fakeProvider) TagSentences(ctx context.Context, sentences []string) ([]analysis.RoleSpan, types.Usage, error) {
	_ = ctx
	f.tagCalls++
	if f.failTag {
		return nil, types.Usage{}, errors.New("tag boom")
	}
	var spans []analysis.RoleSpan
	for i, s := range sentences {
		word := strings.Fields(s)[0]
		spans = append(spans, analysis.RoleSpan{SentenceIndex: i, Role: "subject", Text: word})
	}
	return spans, types.Usage{InputTokens: 10, OutputTokens: 4}, nil
}

type memorySaver struct {
	saved []Checkpoint
	fail  bool
}

func (m *memorySaver) Save(ctx context.Context, cp Checkpoint) error {
	_ = ctx
	if m.fail {
		return errors.New("save boom")
	}
	// Deep-ish copy: completed levels slice is mutated by the pipeline.
	cp.CompletedLevels = append([]types.ArticleWithAnalysis(nil), cp.CompletedLevels...)
	m.saved = append(m.saved, cp)
	return nil
}

func newDeps(p provider.Provider) Deps {
	log := logger.NewNop()
	return Deps{
		Log:      log,
		Provider: p,
		Analyzer: analysis.NewAnalyzer(log, p),
	}
}

func baseArgs(saver CheckpointSaver) Args {
	return Args{
		Mode:     types.TaskModeRSS,
		TaskDate: "2026-08-27",
		CandidateWords: []types.CandidateWord{
			{Word: "rise", Type: "new"},
			{Word: "trade", Type: "review"},
		},
		Saver: saver,
	}
}

func TestRun_FreshRunCheckpointsEveryStage(t *testing.T) {
	p := &fakeProvider{}
	saver := &memorySaver{}
	res, err := Run(context.Background(), newDeps(p), baseArgs(saver))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.searchCalls != 1 || p.draftCalls != 1 || p.convCalls != 1 {
		t.Fatalf("unexpected call counts: search=%d draft=%d conv=%d", p.searchCalls, p.draftCalls, p.convCalls)
	}
	if len(res.Articles) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(res.Articles))
	}
	for i, a := range res.Articles {
		if a.Level != i+1 {
			t.Fatalf("levels not sorted ascending: %#v", res.Articles)
		}
	}

	var stages []string
	for _, cp := range saver.saved {
		stages = append(stages, cp.Stage)
	}
	// search_selection, draft, then one grammar_analysis save per level.
	want := []string{StageSearchSelection, StageDraft, StageGrammarAnalysis, StageGrammarAnalysis, StageGrammarAnalysis}
	if len(stages) != len(want) {
		t.Fatalf("unexpected checkpoint stages: %#v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("checkpoint %d: got %q want %q", i, stages[i], want[i])
		}
	}
	// completed_levels only grows.
	for i := 2; i < 5; i++ {
		if len(saver.saved[i].CompletedLevels) != i-1 {
			t.Fatalf("save %d: expected %d completed levels, got %d", i, i-1, len(saver.saved[i].CompletedLevels))
		}
	}
	if res.Usage[StageSearchSelection].InputTokens == 0 || res.Usage[StageGrammarAnalysis].InputTokens == 0 {
		t.Fatalf("expected per-stage usage, got %#v", res.Usage)
	}
}

func TestRun_ResumeFromDraftSkipsEarlierStages(t *testing.T) {
	p := &fakeProvider{}
	saver := &memorySaver{}
	args := baseArgs(saver)
	args.Checkpoint = &Checkpoint{
		Stage:         StageDraft,
		SelectedWords: []types.CandidateWord{{Word: "rise", Type: "new"}},
		NewsSummary:   "old summary",
		DraftText:     "A draft carried over from the previous attempt, long enough to convert.",
	}
	res, err := Run(context.Background(), newDeps(p), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.searchCalls != 0 {
		t.Fatalf("stage 1 must not re-run, got %d calls", p.searchCalls)
	}
	if p.draftCalls != 0 {
		t.Fatalf("stage 2 must not re-run, got %d calls", p.draftCalls)
	}
	if p.convCalls != 1 {
		t.Fatalf("stage 3 should run once, got %d", p.convCalls)
	}
	if res.NewsSummary != "old summary" {
		t.Fatalf("checkpoint state lost: %q", res.NewsSummary)
	}
}

func TestRun_ResumeFromSearchSelectionSkipsOnlyStageOne(t *testing.T) {
	p := &fakeProvider{}
	saver := &memorySaver{}
	args := baseArgs(saver)
	args.Checkpoint = &Checkpoint{
		Stage:         StageSearchSelection,
		SelectedWords: []types.CandidateWord{{Word: "rise", Type: "new"}},
	}
	if _, err := Run(context.Background(), newDeps(p), args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.searchCalls != 0 || p.draftCalls != 1 {
		t.Fatalf("unexpected calls: search=%d draft=%d", p.searchCalls, p.draftCalls)
	}
}

func TestRun_ResumeMidGrammarAnalysisOnlyMissingLevel(t *testing.T) {
	p := &fakeProvider{}
	saver := &memorySaver{}

	// First, produce two completed levels via a fresh run's checkpoint shape.
	conv, _ := (&fakeProvider{}).RunJSONConversion(context.Background(), "x")
	completed := []types.ArticleWithAnalysis{
		{ArticleInput: conv.Articles[1], Sentences: []types.SentenceData{}, Structure: []types.AnalysisAnnotation{}}, // level 1
		{ArticleInput: conv.Articles[2], Sentences: []types.SentenceData{}, Structure: []types.AnalysisAnnotation{}}, // level 2
	}

	args := baseArgs(saver)
	args.Checkpoint = &Checkpoint{
		Stage:           StageGrammarAnalysis,
		SelectedWords:   []types.CandidateWord{{Word: "rise", Type: "new"}},
		DraftText:       "Draft preserved from previous attempt, still long enough.",
		CompletedLevels: completed,
	}
	res, err := Run(context.Background(), newDeps(p), args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.searchCalls != 0 || p.draftCalls != 0 {
		t.Fatalf("stages 1-2 must not re-run: search=%d draft=%d", p.searchCalls, p.draftCalls)
	}
	// Conversion is not checkpoint-gated: it re-runs to recover level content.
	if p.convCalls != 1 {
		t.Fatalf("expected conversion to re-run, got %d", p.convCalls)
	}
	if p.tagCalls != 1 {
		t.Fatalf("expected analysis calls for level 3 only, got %d", p.tagCalls)
	}
	if len(res.Articles) != 3 {
		t.Fatalf("expected all 3 levels in result, got %d", len(res.Articles))
	}
	for i, a := range res.Articles {
		if a.Level != i+1 {
			t.Fatalf("result not sorted by level: %#v", res.Articles)
		}
	}
}

func TestRun_StageErrorCarriesStageName(t *testing.T) {
	p := &fakeProvider{failDraft: true}
	saver := &memorySaver{}
	_, err := Run(context.Background(), newDeps(p), baseArgs(saver))
	if err == nil {
		t.Fatal("expected error")
	}
	var se *StageError
	if !errors.As(err, &se) || se.Stage != StageDraft {
		t.Fatalf("expected draft stage error, got %v", err)
	}
	// Stage 1's checkpoint survived the stage 2 failure.
	if len(saver.saved) != 1 || saver.saved[0].Stage != StageSearchSelection {
		t.Fatalf("unexpected checkpoints: %#v", saver.saved)
	}
}

type failingNews struct{}

func (failingNews) FetchAggregate(ctx context.Context, feeds []string, date string, exclude []string) ([]types.NewsItem, error) {
	_, _, _, _ = ctx, feeds, date, exclude
	return nil, errors.New("feed unreachable")
}

func TestRun_NewsFetchFailureIsNonFatal(t *testing.T) {
	p := &fakeProvider{}
	deps := newDeps(p)
	deps.News = failingNews{}
	args := baseArgs(&memorySaver{})
	args.TopicFeeds = []string{"https://feeds.example.com/tech"}
	if _, err := Run(context.Background(), deps, args); err != nil {
		t.Fatalf("news failure should be swallowed, got: %v", err)
	}
}

func TestParseCheckpoint(t *testing.T) {
	if cp, err := ParseCheckpoint(nil); cp != nil || err != nil {
		t.Fatalf("empty checkpoint: got %#v, %v", cp, err)
	}
	if _, err := ParseCheckpoint([]byte(`{"stage": "warp_drive"}`)); err == nil {
		t.Fatal("expected error for unknown stage")
	}
	if _, err := ParseCheckpoint([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
	cp, err := ParseCheckpoint([]byte(`{"stage": "draft", "draft_text": "hello"}`))
	if err != nil || cp == nil || cp.DraftText != "hello" {
		t.Fatalf("unexpected: %#v, %v", cp, err)
	}
}
