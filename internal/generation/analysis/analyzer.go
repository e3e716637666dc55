package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
)

// RoleSpan is one grammatical-role span returned by the tagging provider.
// SentenceIndex is local to the batch that was sent; Text is the literal
// span text with no position information.
type RoleSpan struct {
	SentenceIndex int    `json:"sentence_index"`
	Role          string `json:"role"`
	Text          string `json:"text"`
}

// SentenceTagger is the provider capability the analyzer depends on. The
// concrete implementation prompts a model with a paragraph's sentences and
// returns role spans per sentence index.
type SentenceTagger interface {
	TagSentences(ctx context.Context, sentences []string) ([]RoleSpan, types.Usage, error)
}

// MinParagraphWords is the batching threshold: paragraphs below it (titles,
// fragments) are skipped entirely to save provider calls.
const MinParagraphWords = 5

type Analyzer struct {
	log    *logger.Logger
	tagger SentenceTagger
}

func NewAnalyzer(log *logger.Logger, tagger SentenceTagger) *Analyzer {
	return &Analyzer{
		log:    log.With("component", "Analyzer"),
		tagger: tagger,
	}
}

// Analyze produces sentence boundaries and grammatical-role annotations for
// every level not already present in completed. onLevelComplete fires after
// each level finishes so the caller can checkpoint at level granularity; a
// single paragraph failure aborts the whole run.
func (a *Analyzer) Analyze(
	ctx context.Context,
	articles []types.ArticleInput,
	completed []types.ArticleWithAnalysis,
	onLevelComplete func(types.ArticleWithAnalysis) error,
) ([]types.ArticleWithAnalysis, types.Usage, error) {
	var usage types.Usage

	done := map[int]types.ArticleWithAnalysis{}
	for _, c := range completed {
		done[c.Level] = c
	}

	ordered := make([]types.ArticleInput, len(articles))
	copy(ordered, articles)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Level < ordered[j].Level })

	out := make([]types.ArticleWithAnalysis, 0, len(ordered))
	for _, art := range ordered {
		if prev, ok := done[art.Level]; ok {
			out = append(out, prev)
			continue
		}
		analyzed, u, err := a.analyzeLevel(ctx, art)
		usage.Add(u)
		if err != nil {
			return nil, usage, fmt.Errorf("analysis: level %d: %w", art.Level, err)
		}
		out = append(out, analyzed)
		if onLevelComplete != nil {
			if err := onLevelComplete(analyzed); err != nil {
				return nil, usage, fmt.Errorf("analysis: level %d checkpoint: %w", art.Level, err)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, usage, nil
}

func (a *Analyzer) analyzeLevel(ctx context.Context, art types.ArticleInput) (types.ArticleWithAnalysis, types.Usage, error) {
	var usage types.Usage
	result := types.ArticleWithAnalysis{ArticleInput: art}

	sentences := SegmentSentences(art.Content)
	result.Sentences = sentences
	result.Structure = []types.AnalysisAnnotation{}

	paragraphs := GroupParagraphs(art.Content, sentences)
	for pi, para := range paragraphs {
		if paragraphWordCount(para) < MinParagraphWords {
			continue
		}
		texts := make([]string, len(para))
		for i, s := range para {
			texts[i] = s.Text
		}
		spans, u, err := a.tagger.TagSentences(ctx, texts)
		usage.Add(u)
		if err != nil {
			return result, usage, fmt.Errorf("paragraph %d: %w", pi, err)
		}
		result.Structure = append(result.Structure, a.mapSpans(para, spans)...)
	}
	return result, usage, nil
}

// mapSpans narrows each returned span to its owning sentence and converts the
// local match position to a global article offset. Spans whose text never
// occurs inside the sentence are hallucinations and dropped; when the text
// occurs more than once, the first occurrence wins.
func (a *Analyzer) mapSpans(para []types.SentenceData, spans []RoleSpan) []types.AnalysisAnnotation {
	var out []types.AnalysisAnnotation
	for _, sp := range spans {
		if sp.SentenceIndex < 0 || sp.SentenceIndex >= len(para) || sp.Text == "" {
			continue
		}
		sentence := para[sp.SentenceIndex]
		local := strings.Index(sentence.Text, sp.Text)
		if local < 0 {
			a.log.Debug("Discarding span not found in sentence", "role", sp.Role, "text", sp.Text)
			continue
		}
		start := sentence.Start + local
		out = append(out, types.AnalysisAnnotation{
			Start: start,
			End:   start + len(sp.Text),
			Role:  sp.Role,
			Text:  sp.Text,
		})
	}
	return out
}
