package types

// Generation DTOs shared by the pipeline, analyzer and executor. Offsets are
// byte offsets into the owning Content string; every annotated span must
// satisfy Content[Start:End] == Text.

type CandidateWord struct {
	Word string `json:"word"`
	Type string `json:"type"` // new | review
}

type SentenceData struct {
	ID    int    `json:"id"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

type AnalysisAnnotation struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Role  string `json:"role"`
	Text  string `json:"text"`
}

type ArticleInput struct {
	Level     int    `json:"level"` // 1 | 2 | 3
	LevelName string `json:"level_name"`
	Content   string `json:"content"`
}

type ArticleWithAnalysis struct {
	ArticleInput
	Sentences []SentenceData       `json:"sentences"`
	Structure []AnalysisAnnotation `json:"structure"`
}

type NewsItem struct {
	FeedID      string `json:"feed_id"`
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Usage accumulates provider token counts. Add merges stage usage into a
// running total.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
