package pipeline

import (
	"context"
	"fmt"

	"github.com/readlevel/readlevel-backend/internal/generation/analysis"
	"github.com/readlevel/readlevel-backend/internal/generation/provider"
	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

// NewsFetcher supplies fresh news candidates for stage 1. Failures are
// best-effort: selection proceeds on provider-internal knowledge.
type NewsFetcher interface {
	FetchAggregate(ctx context.Context, topicFeeds []string, date string, excludeLinks []string) ([]types.NewsItem, error)
}

type Deps struct {
	Log      *logger.Logger
	Provider provider.Provider
	Analyzer *analysis.Analyzer
	News     NewsFetcher // optional
}

type Args struct {
	Mode           string
	TaskDate       string
	CandidateWords []types.CandidateWord
	Topics         []string
	TopicFeeds     []string
	RecentTitles   []string
	ExcludeLinks   []string

	// Checkpoint recovered from the task row, already validated by the
	// caller; nil means start fresh.
	Checkpoint *Checkpoint
	// Saver is invoked after every stage transition (and after every
	// completed level inside stage 4).
	Saver CheckpointSaver
}

type Result struct {
	Title         string
	PullQuote     string
	Summary       string
	Articles      []types.ArticleWithAnalysis
	SelectedWords []types.CandidateWord
	NewsSummary   string
	SourceURLs    []string
	Usage         map[string]types.Usage
}

// Run executes the four generation stages in strict order, persisting a
// checkpoint after each. All state flows through Args.Checkpoint and the
// Saver callback; Run itself is stateless and safe to call repeatedly for
// the same task.
func Run(ctx context.Context, deps Deps, args Args) (*Result, error) {
	if deps.Log == nil || deps.Provider == nil || deps.Analyzer == nil {
		return nil, fmt.Errorf("pipeline: missing deps")
	}
	if args.Saver == nil {
		return nil, fmt.Errorf("pipeline: checkpoint saver required")
	}
	log := deps.Log.With("component", "Pipeline")

	cp := Checkpoint{Usage: map[string]types.Usage{}}
	resumeRank := 0
	if args.Checkpoint != nil {
		cp = *args.Checkpoint
		if cp.Usage == nil {
			cp.Usage = map[string]types.Usage{}
		}
		resumeRank = stageRank[cp.Stage]
		log.Info("Resuming from checkpoint", "stage", cp.Stage, "completed_levels", len(cp.CompletedLevels))
	}

	// ---- Stage 1: search_selection ----
	if resumeRank < stageRank[StageSearchSelection] {
		if err := runSearchSelection(ctx, deps, args, &cp); err != nil {
			return nil, &StageError{Stage: StageSearchSelection, Err: err}
		}
		cp.Stage = StageSearchSelection
		if err := args.Saver.Save(ctx, cp); err != nil {
			return nil, &StageError{Stage: StageSearchSelection, Err: err}
		}
	}

	// ---- Stage 2: draft ----
	if resumeRank < stageRank[StageDraft] {
		draft, err := deps.Provider.RunDraft(ctx, provider.DraftInput{
			SelectedWords: cp.SelectedWords,
			Topics:        args.Topics,
			NewsSummary:   cp.NewsSummary,
		})
		addUsage(cp.Usage, StageDraft, draft.Usage)
		if err != nil {
			return nil, &StageError{Stage: StageDraft, Err: err}
		}
		cp.DraftText = draft.DraftText
		cp.Stage = StageDraft
		if err := args.Saver.Save(ctx, cp); err != nil {
			return nil, &StageError{Stage: StageDraft, Err: err}
		}
	}

	// ---- Stage 3: conversion ----
	// Not checkpoint-gated on entry: the checkpoint carries no converted
	// output, so conversion re-runs on every attempt that reaches it.
	conv, err := deps.Provider.RunJSONConversion(ctx, cp.DraftText)
	addUsage(cp.Usage, StageConversion, conv.Usage)
	if err != nil {
		return nil, &StageError{Stage: StageConversion, Err: err}
	}

	// ---- Stage 4: grammar_analysis ----
	// Levels already in the checkpoint are skipped; after each freshly
	// analyzed level the checkpoint is rewritten with every level finished
	// so far, making a mid-stage crash resumable at level granularity.
	analyzed, usage, err := deps.Analyzer.Analyze(ctx, conv.Articles, cp.CompletedLevels, func(lvl types.ArticleWithAnalysis) error {
		cp.CompletedLevels = append(cp.CompletedLevels, lvl)
		cp.Stage = StageGrammarAnalysis
		return args.Saver.Save(ctx, cp)
	})
	addUsage(cp.Usage, StageGrammarAnalysis, usage)
	if err != nil {
		return nil, &StageError{Stage: StageGrammarAnalysis, Err: err}
	}

	return &Result{
		Title:         conv.Title,
		PullQuote:     conv.PullQuote,
		Summary:       conv.Summary,
		Articles:      analyzed,
		SelectedWords: cp.SelectedWords,
		NewsSummary:   cp.NewsSummary,
		SourceURLs:    cp.SourceURLs,
		Usage:         cp.Usage,
	}, nil
}

func runSearchSelection(ctx context.Context, deps Deps, args Args, cp *Checkpoint) error {
	log := deps.Log.With("component", "Pipeline")
	var news []types.NewsItem
	if deps.News != nil && len(args.TopicFeeds) > 0 {
		fetched, err := deps.News.FetchAggregate(ctx, args.TopicFeeds, args.TaskDate, args.ExcludeLinks)
		if err != nil {
			// Best-effort: selection falls back to provider-internal knowledge.
			log.Warn("News fetch failed, continuing without candidates", "error", err)
		} else {
			news = fetched
		}
	}

	sel, err := deps.Provider.RunSearchSelection(ctx, provider.SearchSelectionInput{
		CandidateWords: args.CandidateWords,
		Topics:         args.Topics,
		NewsCandidates: news,
		Mode:           args.Mode,
		RecentTitles:   args.RecentTitles,
	})
	addUsage(cp.Usage, StageSearchSelection, sel.Usage)
	if err != nil {
		return err
	}
	cp.SelectedWords = sel.SelectedWords
	cp.NewsSummary = sel.NewsSummary
	cp.SourceURLs = sel.SourceURLs
	return nil
}

func addUsage(m map[string]types.Usage, stage string, u types.Usage) {
	cur := m[stage]
	cur.Add(u)
	m[stage] = cur
}
