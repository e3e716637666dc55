package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/readlevel/readlevel-backend/internal/types"
)

const (
	StageSearchSelection = "search_selection"
	StageDraft           = "draft"
	StageConversion      = "conversion"
	StageGrammarAnalysis = "grammar_analysis"
)

// stageRank orders the checkpoint stages; a resumed run skips every
// checkpoint-gated stage at or below the recorded rank.
var stageRank = map[string]int{
	StageSearchSelection: 1,
	StageDraft:           2,
	StageConversion:      3,
	StageGrammarAnalysis: 4,
}

func ValidStage(s string) bool {
	_, ok := stageRank[s]
	return ok
}

// Checkpoint is the serialized progress marker persisted after every stage
// transition. Stage always names the last fully completed stage; resume
// re-enters at the stage after it.
type Checkpoint struct {
	Stage           string                      `json:"stage"`
	SelectedWords   []types.CandidateWord       `json:"selected_words,omitempty"`
	NewsSummary     string                      `json:"news_summary,omitempty"`
	SourceURLs      []string                    `json:"source_urls,omitempty"`
	DraftText       string                      `json:"draft_text,omitempty"`
	CompletedLevels []types.ArticleWithAnalysis `json:"completed_levels,omitempty"`
	Usage           map[string]types.Usage      `json:"usage,omitempty"`
}

// ParseCheckpoint decodes a stored checkpoint. A malformed document or an
// unrecognized stage yields (nil, error); callers treat that as "no
// checkpoint" rather than crashing.
func ParseCheckpoint(raw []byte) (*Checkpoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("pipeline: malformed checkpoint: %w", err)
	}
	if !ValidStage(cp.Stage) {
		return nil, fmt.Errorf("pipeline: unknown checkpoint stage %q", cp.Stage)
	}
	return &cp, nil
}

// CheckpointSaver persists pipeline progress. The pipeline takes this as an
// injected dependency so tests can use an in-memory fake.
type CheckpointSaver interface {
	Save(ctx context.Context, cp Checkpoint) error
}

// StageError attributes a pipeline failure to the stage it happened in; the
// executor records the stage string on the task.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
