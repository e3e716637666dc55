package provider

import (
	"fmt"
	"strings"

	"github.com/readlevel/readlevel-backend/internal/types"
)

const searchSelectionSystem = `
You select vocabulary and source material for a graded news article.
Pick a coherent working subset of the candidate words (6-12 words) that can
appear naturally in one article. When news candidates are given, choose the
single most suitable item, summarize it factually, and list its source URLs.
Do not invent news. Return JSON only.`

const draftSystem = `
You are a professional writer for graded readers. Write a single engaging
article in plain prose at an upper-intermediate difficulty. No headings, no
lists, no markdown. Use every selected word at least once, naturally.`

const conversionSystem = `
You convert a draft article into a three-level graded edition.
Level 1 is beginner (short sentences, common words), level 2 intermediate,
level 3 keeps the draft's full complexity. Preserve the draft's facts and
paragraph breaks (blank line between paragraphs). Return JSON only.`

const tagSystem = `
You annotate sentences with grammatical roles. Re-emit each sentence exactly
as given, wrapping spans in the tags <subject> <verb> <object> <complement>
<modifier> <conjunction>. Never change, add, or drop a single character of
the sentence text outside the tags. Return JSON only.`

func wordsBlock(words []types.CandidateWord) string {
	var b strings.Builder
	for _, w := range words {
		fmt.Fprintf(&b, "- %s (%s)\n", w.Word, w.Type)
	}
	return b.String()
}

func searchSelectionUser(in SearchSelectionInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n\nCandidate words:\n%s\n", in.Mode, wordsBlock(in.CandidateWords))
	if len(in.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(in.Topics, ", "))
	}
	if len(in.RecentTitles) > 0 {
		fmt.Fprintf(&b, "Recent article titles (avoid repeating these angles):\n- %s\n", strings.Join(in.RecentTitles, "\n- "))
	}
	if len(in.NewsCandidates) > 0 {
		b.WriteString("\nNews candidates:\n")
		for i, item := range in.NewsCandidates {
			fmt.Fprintf(&b, "[%d] %s\n%s\n%s\n\n", i, item.Title, item.Link, item.Description)
		}
	} else {
		b.WriteString("\nNo fresh news candidates are available; rely on general knowledge for context.\n")
	}
	return b.String()
}

func draftUser(in DraftInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Selected words:\n%s\n", wordsBlock(in.SelectedWords))
	if len(in.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(in.Topics, ", "))
	}
	if strings.TrimSpace(in.NewsSummary) != "" {
		fmt.Fprintf(&b, "\nNews context:\n%s\n", in.NewsSummary)
	}
	b.WriteString("\nWrite the article now.")
	return b.String()
}

func tagUser(sentences []string) string {
	var b strings.Builder
	b.WriteString("Sentences:\n")
	for i, s := range sentences {
		fmt.Fprintf(&b, "[%d] %s\n", i, s)
	}
	b.WriteString(`
Output a JSON array, one element per sentence:
[{"sentence_index": 0, "tagged_text": "<subject>...</subject> <verb>...</verb> ..."}]`)
	return b.String()
}

// -------------------- JSON schemas (strict mode) --------------------

func searchSelectionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selected_words": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"word": map[string]any{"type": "string"},
						"type": map[string]any{"type": "string", "enum": []string{"new", "review"}},
					},
					"required":             []string{"word", "type"},
					"additionalProperties": false,
				},
			},
			"news_summary":        map[string]any{"type": "string"},
			"source_urls":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"selected_news_index": map[string]any{"type": "integer"},
		},
		"required":             []string{"selected_words", "news_summary", "source_urls", "selected_news_index"},
		"additionalProperties": false,
	}
}

func conversionSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":      map[string]any{"type": "string"},
			"pull_quote": map[string]any{"type": "string"},
			"summary":    map[string]any{"type": "string"},
			"articles": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"level":      map[string]any{"type": "integer"},
						"level_name": map[string]any{"type": "string"},
						"content":    map[string]any{"type": "string"},
					},
					"required":             []string{"level", "level_name", "content"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"title", "pull_quote", "summary", "articles"},
		"additionalProperties": false,
	}
}
