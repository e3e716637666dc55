// Package executor drives one claimed generation task end to end: lease
// heartbeat, configuration resolution, checkpoint recovery, pipeline run,
// idempotent commit and terminal status writes. Errors never escape to the
// queue worker; they are classified and recorded on the task row.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/readlevel/readlevel-backend/internal/generation/analysis"
	"github.com/readlevel/readlevel-backend/internal/generation/pipeline"
	"github.com/readlevel/readlevel-backend/internal/generation/provider"
	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/repos"
	"github.com/readlevel/readlevel-backend/internal/services/deletion"
	"github.com/readlevel/readlevel-backend/internal/types"
	"github.com/readlevel/readlevel-backend/internal/utils"
)

const (
	defaultVariant        = "default"
	defaultTimeoutSeconds = 900
	defaultLeaseSeconds   = 600
	defaultHeartbeatSecs  = 120
	impressionSampleSize  = 8
	recentTitleLimit      = 20
)

// Failure sites outside the pipeline reuse its stage-string classification.
const (
	StageConfiguration = "configuration"
	StageCommit        = "commit"
)

// TxRunner executes fn inside one database transaction. Fakes in tests run
// fn with a nil handle.
type TxRunner interface {
	Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ProviderFactory resolves the text-generation provider for one task.
// modelOverride comes from the task row and wins over environment defaults.
type ProviderFactory func(log *logger.Logger, modelOverride string) (provider.Provider, error)

type Deps struct {
	Log         *logger.Logger
	DB          TxRunner
	Tasks       repos.GenerationTaskRepo
	Articles    repos.ArticleRepo
	Profiles    repos.GenerationProfileRepo
	Words       repos.DailyWordReferenceRepo
	Deletion    deletion.Service
	News        pipeline.NewsFetcher // optional
	NewProvider ProviderFactory
}

type Executor struct {
	log            *logger.Logger
	db             TxRunner
	tasks          repos.GenerationTaskRepo
	articles       repos.ArticleRepo
	profiles       repos.GenerationProfileRepo
	words          repos.DailyWordReferenceRepo
	deletion       deletion.Service
	news           pipeline.NewsFetcher
	newProvider    ProviderFactory
	leaseExtension time.Duration
	heartbeatEvery time.Duration
	defaultTimeout time.Duration
}

func New(d Deps) *Executor {
	log := d.Log.With("component", "Executor")
	return &Executor{
		log:            log,
		db:             d.DB,
		tasks:          d.Tasks,
		articles:       d.Articles,
		profiles:       d.Profiles,
		words:          d.Words,
		deletion:       d.Deletion,
		news:           d.News,
		newProvider:    d.NewProvider,
		leaseExtension: time.Duration(utils.GetEnvAsInt("TASK_LEASE_SECONDS", defaultLeaseSeconds, log)) * time.Second,
		heartbeatEvery: time.Duration(utils.GetEnvAsInt("TASK_HEARTBEAT_SECONDS", defaultHeartbeatSecs, log)) * time.Second,
		defaultTimeout: time.Duration(utils.GetEnvAsInt("TASK_TIMEOUT_SECONDS", defaultTimeoutSeconds, log)) * time.Second,
	}
}

// Execute runs one claimed task to a terminal state. The returned error is
// informational only (the worker logs and moves on); every failure has
// already been written to the task row by the time Execute returns.
func (e *Executor) Execute(ctx context.Context, task *types.GenerationTask) error {
	if task == nil || task.ID == uuid.Nil {
		return fmt.Errorf("executor: nil task")
	}
	log := e.log.With("task_id", task.ID.String(), "mode", task.Mode, "task_date", task.TaskDate)
	log.Info("Executing task")

	stopHeartbeat := e.startHeartbeat(task.ID)
	defer stopHeartbeat()

	if err := e.run(ctx, log, task); err != nil {
		stage := failureStage(err)
		log.Error("Task failed", "stage", stage, "error", err)
		errCtx, _ := json.Marshal(map[string]string{
			"stage":     stage,
			"mode":      task.Mode,
			"task_date": task.TaskDate,
		})
		if markErr := e.tasks.MarkFailed(ctx, nil, task.ID, task.Version, err.Error(), datatypes.JSON(errCtx)); markErr != nil {
			log.Error("Failed to record task failure", "error", markErr)
		}
		return err
	}
	log.Info("Task succeeded")
	return nil
}

func (e *Executor) run(ctx context.Context, log *logger.Logger, task *types.GenerationTask) error {
	prov, err := e.newProvider(e.log, task.ProviderOverride)
	if err != nil {
		return &pipeline.StageError{Stage: StageConfiguration, Err: err}
	}

	cfg, err := e.resolveConfig(ctx, task)
	if err != nil {
		return &pipeline.StageError{Stage: StageConfiguration, Err: err}
	}

	cp, err := pipeline.ParseCheckpoint(task.ContextJSON)
	if err != nil {
		// Malformed or unknown-stage checkpoints are discarded rather than
		// crashing the attempt.
		log.Warn("Discarding unusable checkpoint", "error", err)
		cp = nil
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	result, err := pipeline.Run(runCtx, pipeline.Deps{
		Log:      e.log,
		Provider: prov,
		Analyzer: analysis.NewAnalyzer(e.log, prov),
		News:     e.news,
	}, pipeline.Args{
		Mode:           task.Mode,
		TaskDate:       task.TaskDate,
		CandidateWords: cfg.candidateWords,
		Topics:         cfg.topics,
		TopicFeeds:     cfg.topicFeeds,
		RecentTitles:   cfg.recentTitles,
		ExcludeLinks:   cfg.excludeLinks,
		Checkpoint:     cp,
		Saver:          &taskCheckpointSaver{tasks: e.tasks, taskID: task.ID},
	})
	if err != nil {
		return err
	}

	// A prior attempt may have committed before crashing; at-least-once
	// delivery makes the sweep mandatory.
	existing, err := e.articles.FindByTaskOutput(ctx, nil, task.ID, prov.Name(), prov.Model(), defaultVariant)
	if err != nil {
		return &pipeline.StageError{Stage: StageCommit, Err: err}
	}
	if existing != nil {
		log.Info("Removing article from earlier attempt", "article_id", existing.ID.String())
		if err := e.deletion.DeleteArticleWithCascade(ctx, existing.ID); err != nil {
			return &pipeline.StageError{Stage: StageCommit, Err: err}
		}
	}

	if err := e.commit(ctx, task, prov, result); err != nil {
		return &pipeline.StageError{Stage: StageCommit, Err: err}
	}
	return nil
}

type taskConfig struct {
	candidateWords []types.CandidateWord
	topics         []string
	topicFeeds     []string
	recentTitles   []string
	excludeLinks   []string
	timeout        time.Duration
}

func (e *Executor) resolveConfig(ctx context.Context, task *types.GenerationTask) (*taskConfig, error) {
	cfg := &taskConfig{timeout: e.defaultTimeout}

	if task.Mode == types.TaskModeRSS {
		if task.ProfileID == nil {
			return nil, fmt.Errorf("executor: rss task %s has no profile", task.ID)
		}
		profile, err := e.profiles.GetByID(ctx, nil, *task.ProfileID)
		if err != nil {
			return nil, fmt.Errorf("executor: load profile: %w", err)
		}
		if profile == nil {
			return nil, fmt.Errorf("executor: profile %s not found", task.ProfileID)
		}
		if len(profile.TopicFeeds) > 0 {
			if err := json.Unmarshal(profile.TopicFeeds, &cfg.topicFeeds); err != nil {
				return nil, fmt.Errorf("executor: decode profile feeds: %w", err)
			}
		}
		cfg.topics = []string{profile.Name}
		if profile.TimeoutSeconds > 0 {
			cfg.timeout = time.Duration(profile.TimeoutSeconds) * time.Second
		}
	}

	refs, err := e.words.ListByDate(ctx, nil, task.TaskDate)
	if err != nil {
		return nil, fmt.Errorf("executor: load word references: %w", err)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("executor: empty word pool for %s", task.TaskDate)
	}

	titles, err := e.articles.RecentTitles(ctx, nil, recentTitleLimit)
	if err != nil {
		return nil, fmt.Errorf("executor: load recent titles: %w", err)
	}
	cfg.recentTitles = titles

	switch task.Mode {
	case types.TaskModeImpression:
		// Repetition is allowed here: novelty comes from random sampling
		// plus recent-title context, not from exclusion.
		cfg.candidateWords = sampleWords(refs, impressionSampleSize)
	default:
		used, err := e.articles.WordsUsedOnDate(ctx, nil, task.TaskDate)
		if err != nil {
			return nil, fmt.Errorf("executor: load used words: %w", err)
		}
		cfg.candidateWords = filterUsed(refs, used)
		if len(cfg.candidateWords) == 0 {
			return nil, fmt.Errorf("executor: word pool exhausted for %s", task.TaskDate)
		}
		links, err := e.articles.SourceURLsOnDate(ctx, nil, task.TaskDate)
		if err != nil {
			return nil, fmt.Errorf("executor: load used source urls: %w", err)
		}
		cfg.excludeLinks = links
	}
	return cfg, nil
}

func (e *Executor) commit(ctx context.Context, task *types.GenerationTask, prov provider.Provider, result *pipeline.Result) error {
	now := time.Now().UTC()
	sourceURLs, _ := json.Marshal(result.SourceURLs)

	article := &types.Article{
		TaskID:      task.ID,
		ProfileID:   task.ProfileID,
		Provider:    prov.Name(),
		Model:       prov.Model(),
		Variant:     defaultVariant,
		Title:       result.Title,
		PullQuote:   result.PullQuote,
		Summary:     result.Summary,
		NewsSummary: result.NewsSummary,
		SourceURLs:  datatypes.JSON(sourceURLs),
		TaskDate:    task.TaskDate,
		PublishedAt: &now,
	}

	return e.db.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := e.articles.Create(ctx, tx, article); err != nil {
			return fmt.Errorf("create article: %w", err)
		}

		levels := make([]*types.ArticleLevel, 0, len(result.Articles))
		for _, a := range result.Articles {
			sentences, err := json.Marshal(orEmptySentences(a.Sentences))
			if err != nil {
				return fmt.Errorf("encode sentences: %w", err)
			}
			structure, err := json.Marshal(orEmptyAnnotations(a.Structure))
			if err != nil {
				return fmt.Errorf("encode structure: %w", err)
			}
			levels = append(levels, &types.ArticleLevel{
				ArticleID: article.ID,
				Level:     a.Level,
				LevelName: a.LevelName,
				Content:   a.Content,
				Sentences: datatypes.JSON(sentences),
				Structure: datatypes.JSON(structure),
			})
		}
		if _, err := e.articles.CreateLevels(ctx, tx, levels); err != nil {
			return fmt.Errorf("create levels: %w", err)
		}

		vocab := make([]*types.ArticleVocabulary, 0, len(result.SelectedWords))
		for _, w := range result.SelectedWords {
			vocab = append(vocab, &types.ArticleVocabulary{
				ArticleID: article.ID,
				Word:      w.Word,
				WordType:  w.Type,
			})
		}
		if _, err := e.articles.CreateVocabulary(ctx, tx, vocab); err != nil {
			return fmt.Errorf("create vocabulary: %w", err)
		}

		if err := e.tasks.MarkSucceeded(ctx, tx, task.ID, task.Version); err != nil {
			return fmt.Errorf("mark succeeded: %w", err)
		}
		return nil
	})
}

// startHeartbeat renews the lease on its own context so a pipeline timeout
// cannot silently kill renewal before the task reaches a terminal state.
func (e *Executor) startHeartbeat(taskID uuid.UUID) func() {
	hbCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := e.tasks.KeepAlive(hbCtx, nil, taskID, e.leaseExtension); err != nil {
					e.log.Warn("Lease renewal failed", "task_id", taskID.String(), "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

type taskCheckpointSaver struct {
	tasks  repos.GenerationTaskRepo
	taskID uuid.UUID
}

func (s *taskCheckpointSaver) Save(ctx context.Context, cp pipeline.Checkpoint) error {
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("executor: encode checkpoint: %w", err)
	}
	return s.tasks.SaveCheckpoint(ctx, nil, s.taskID, datatypes.JSON(raw))
}

func failureStage(err error) string {
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return StageConfiguration
}

func filterUsed(refs []*types.DailyWordReference, used []string) []types.CandidateWord {
	usedSet := make(map[string]bool, len(used))
	for _, w := range used {
		usedSet[w] = true
	}
	out := make([]types.CandidateWord, 0, len(refs))
	for _, r := range refs {
		if usedSet[r.Word] {
			continue
		}
		out = append(out, types.CandidateWord{Word: r.Word, Type: r.WordType})
	}
	return out
}

func sampleWords(refs []*types.DailyWordReference, n int) []types.CandidateWord {
	pool := make([]types.CandidateWord, len(refs))
	for i, r := range refs {
		pool[i] = types.CandidateWord{Word: r.Word, Type: r.WordType}
	}
	rand.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if n > 0 && len(pool) > n {
		pool = pool[:n]
	}
	return pool
}

func orEmptySentences(s []types.SentenceData) []types.SentenceData {
	if s == nil {
		return []types.SentenceData{}
	}
	return s
}

func orEmptyAnnotations(a []types.AnalysisAnnotation) []types.AnalysisAnnotation {
	if a == nil {
		return []types.AnalysisAnnotation{}
	}
	return a
}
