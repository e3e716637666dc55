package main

import (
	"context"
	"fmt"
	"os"

	"github.com/readlevel/readlevel-backend/internal/app"
	"github.com/readlevel/readlevel-backend/internal/db"
	"github.com/readlevel/readlevel-backend/internal/generation/executor"
	"github.com/readlevel/readlevel-backend/internal/generation/provider"
	"github.com/readlevel/readlevel-backend/internal/handlers"
	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/platform/openai"
	"github.com/readlevel/readlevel-backend/internal/queue"
	"github.com/readlevel/readlevel-backend/internal/repos"
	"github.com/readlevel/readlevel-backend/internal/server"
	"github.com/readlevel/readlevel-backend/internal/services/deletion"
	"github.com/readlevel/readlevel-backend/internal/services/news"
	"github.com/readlevel/readlevel-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	taskRepo := repos.NewGenerationTaskRepo(thePG, log)
	articleRepo := repos.NewArticleRepo(thePG, log)
	profileRepo := repos.NewGenerationProfileRepo(thePG, log)
	wordRepo := repos.NewDailyWordReferenceRepo(thePG, log)

	// Profiles from config
	profilesPath := utils.GetEnv("PROFILES_PATH", "profiles.yaml", log)
	profileConfigs, err := app.LoadProfiles(profilesPath)
	if err != nil {
		log.Warn("Could not load profiles config", "path", profilesPath, "error", err)
	} else if err := app.SeedProfiles(context.Background(), log, profileRepo, profileConfigs); err != nil {
		log.Error("Profile seeding failed", "error", err)
		os.Exit(1)
	}

	// Services
	log.Info("Setting up Services from main...")
	deletionService := deletion.NewService(thePG, log)
	newsFetcher := news.NewFetcher(log)

	// Executor + queue worker
	exec := executor.New(executor.Deps{
		Log:      log,
		DB:       db.TxRunner{DB: thePG},
		Tasks:    taskRepo,
		Articles: articleRepo,
		Profiles: profileRepo,
		Words:    wordRepo,
		Deletion: deletionService,
		News:     newsFetcher,
		NewProvider: func(provLog *logger.Logger, modelOverride string) (provider.Provider, error) {
			client, err := openai.NewClient(provLog, modelOverride)
			if err != nil {
				return nil, err
			}
			return provider.NewOpenAI(provLog, client), nil
		},
	})
	worker := queue.NewWorker(log, taskRepo, exec)
	worker.Start(context.Background())
	enqueuer := queue.NewEnqueuer(log, taskRepo, profileRepo)

	// Handlers
	log.Info("Setting up handlers from main...")
	tasksHandler := handlers.NewTasksHandler(enqueuer, worker, taskRepo)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		TasksHandler: tasksHandler,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
