package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/readlevel/readlevel-backend/internal/generation/analysis"
	"github.com/readlevel/readlevel-backend/internal/generation/textutil"
	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/platform/openai"
	"github.com/readlevel/readlevel-backend/internal/types"
)

type openaiProvider struct {
	log *logger.Logger
	ai  openai.Client
}

// NewOpenAI wraps the platform client with the stage-level prompting this
// pipeline needs.
func NewOpenAI(log *logger.Logger, ai openai.Client) Provider {
	return &openaiProvider{
		log: log.With("service", "OpenAIProvider"),
		ai:  ai,
	}
}

func (p *openaiProvider) Name() string  { return "openai" }
func (p *openaiProvider) Model() string { return p.ai.Model() }

func (p *openaiProvider) RunSearchSelection(ctx context.Context, in SearchSelectionInput) (SearchSelectionResult, error) {
	out := SearchSelectionResult{}
	if len(in.CandidateWords) == 0 {
		return out, fmt.Errorf("provider: search_selection requires candidate words")
	}

	obj, usage, err := p.ai.GenerateJSON(ctx, searchSelectionSystem, searchSelectionUser(in), "search_selection", searchSelectionSchema())
	out.Usage = usage
	if err != nil {
		return out, fmt.Errorf("provider: search_selection: %w", err)
	}

	out.SelectedWords = candidateWordsFromAny(obj["selected_words"])
	if len(out.SelectedWords) == 0 {
		return out, fmt.Errorf("provider: search_selection returned no words")
	}
	out.NewsSummary = stringFromAny(obj["news_summary"])

	// The model lists urls explicitly, but summaries occasionally embed
	// extra sources; harvest the whole object so none are lost.
	out.SourceURLs = textutil.HarvestURLs(obj)

	if idx, ok := intFromAny(obj["selected_news_index"]); ok && idx >= 0 && idx < len(in.NewsCandidates) {
		item := in.NewsCandidates[idx]
		out.SelectedItem = &item
	}
	return out, nil
}

func (p *openaiProvider) RunDraft(ctx context.Context, in DraftInput) (DraftResult, error) {
	out := DraftResult{}
	if len(in.SelectedWords) == 0 {
		return out, fmt.Errorf("provider: draft requires selected words")
	}
	text, usage, err := p.ai.GenerateText(ctx, draftSystem, draftUser(in))
	out.Usage = usage
	if err != nil {
		return out, fmt.Errorf("provider: draft: %w", err)
	}
	out.DraftText = strings.TrimSpace(text)
	if out.DraftText == "" {
		return out, fmt.Errorf("provider: draft returned empty text")
	}
	return out, nil
}

func (p *openaiProvider) RunJSONConversion(ctx context.Context, draft string) (ConversionResult, error) {
	out := ConversionResult{}
	if strings.TrimSpace(draft) == "" {
		return out, fmt.Errorf("provider: conversion requires a draft")
	}
	obj, usage, err := p.ai.GenerateJSON(ctx, conversionSystem, "Draft:\n\n"+draft, "level_conversion", conversionSchema())
	out.Usage = usage
	if err != nil {
		return out, fmt.Errorf("provider: conversion: %w", err)
	}

	out.Title = stringFromAny(obj["title"])
	out.PullQuote = stringFromAny(obj["pull_quote"])
	out.Summary = stringFromAny(obj["summary"])

	raw, _ := json.Marshal(obj["articles"])
	if err := json.Unmarshal(raw, &out.Articles); err != nil {
		return out, fmt.Errorf("provider: conversion articles malformed: %w", err)
	}
	if len(out.Articles) != 3 {
		return out, fmt.Errorf("provider: conversion returned %d levels, want 3", len(out.Articles))
	}
	seen := map[int]bool{}
	for _, a := range out.Articles {
		if a.Level < 1 || a.Level > 3 || seen[a.Level] {
			return out, fmt.Errorf("provider: conversion levels invalid: %#v", out.Articles)
		}
		if strings.TrimSpace(a.Content) == "" {
			return out, fmt.Errorf("provider: conversion level %d has empty content", a.Level)
		}
		seen[a.Level] = true
	}
	if out.Title == "" {
		return out, fmt.Errorf("provider: conversion returned empty title")
	}
	return out, nil
}

// TagSentences prompts the model to re-emit each sentence with inline role
// tags, then recovers spans with the tag parser. The parser's integrity check
// is the contract here: a model that rewrites a sentence instead of
// annotating it fails the batch.
func (p *openaiProvider) TagSentences(ctx context.Context, sentences []string) ([]analysis.RoleSpan, types.Usage, error) {
	var usage types.Usage
	if len(sentences) == 0 {
		return nil, usage, nil
	}

	text, u, err := p.ai.GenerateText(ctx, tagSystem, tagUser(sentences))
	usage.Add(u)
	if err != nil {
		return nil, usage, fmt.Errorf("provider: tag_sentences: %w", err)
	}

	jsonText, err := textutil.ExtractJSON(text)
	if err != nil {
		return nil, usage, fmt.Errorf("provider: tag_sentences output: %w", err)
	}
	var items []struct {
		SentenceIndex int    `json:"sentence_index"`
		TaggedText    string `json:"tagged_text"`
	}
	if err := json.Unmarshal([]byte(jsonText), &items); err != nil {
		return nil, usage, fmt.Errorf("provider: tag_sentences decode: %w", err)
	}

	var spans []analysis.RoleSpan
	for _, item := range items {
		if item.SentenceIndex < 0 || item.SentenceIndex >= len(sentences) {
			continue
		}
		res, err := textutil.ParseInlineTags(item.TaggedText, sentences[item.SentenceIndex], nil)
		if err != nil {
			return nil, usage, fmt.Errorf("provider: tag_sentences sentence %d: %w", item.SentenceIndex, err)
		}
		if !res.Valid {
			return nil, usage, fmt.Errorf("provider: tag_sentences sentence %d: model altered text (mismatch at %d)", item.SentenceIndex, res.MismatchIndex)
		}
		for _, sp := range res.Spans {
			spans = append(spans, analysis.RoleSpan{
				SentenceIndex: item.SentenceIndex,
				Role:          sp.Role,
				Text:          sp.Text,
			})
		}
	}
	return spans, usage, nil
}

// -------------------- loose-typed JSON helpers --------------------

func stringFromAny(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func intFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

func candidateWordsFromAny(v any) []types.CandidateWord {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var words []types.CandidateWord
	if err := json.Unmarshal(raw, &words); err != nil {
		return nil
	}
	out := words[:0]
	for _, w := range words {
		w.Word = strings.TrimSpace(w.Word)
		if w.Word == "" {
			continue
		}
		if w.Type != types.WordTypeNew && w.Type != types.WordTypeReview {
			w.Type = types.WordTypeNew
		}
		out = append(out, w)
	}
	return out
}
