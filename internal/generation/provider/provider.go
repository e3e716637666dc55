package provider

import (
	"context"

	"github.com/readlevel/readlevel-backend/internal/generation/analysis"
	"github.com/readlevel/readlevel-backend/internal/types"
)

// Provider drives the external text-generation model, one method per
// pipeline stage plus the sentence tagger consumed by the analyzer. All
// methods report token usage for per-stage aggregation.
type Provider interface {
	RunSearchSelection(ctx context.Context, in SearchSelectionInput) (SearchSelectionResult, error)
	RunDraft(ctx context.Context, in DraftInput) (DraftResult, error)
	RunJSONConversion(ctx context.Context, draft string) (ConversionResult, error)

	analysis.SentenceTagger

	Name() string
	Model() string
}

type SearchSelectionInput struct {
	CandidateWords []types.CandidateWord
	Topics         []string
	NewsCandidates []types.NewsItem
	Mode           string
	RecentTitles   []string
}

type SearchSelectionResult struct {
	SelectedWords []types.CandidateWord
	NewsSummary   string
	SourceURLs    []string
	SelectedItem  *types.NewsItem
	Usage         types.Usage
}

type DraftInput struct {
	SelectedWords []types.CandidateWord
	Topics        []string
	NewsSummary   string
}

type DraftResult struct {
	DraftText string
	Usage     types.Usage
}

type ConversionResult struct {
	Title     string
	PullQuote string
	Summary   string
	Articles  []types.ArticleInput
	Usage     types.Usage
}
