package db

import (
	"context"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/readlevel/readlevel-backend/internal/pkg/logger"
	"github.com/readlevel/readlevel-backend/internal/types"
	"github.com/readlevel/readlevel-backend/internal/utils"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	postgresHost := utils.GetEnv("POSTGRES_HOST", "localhost", log)
	postgresPort := utils.GetEnv("POSTGRES_PORT", "5432", log)
	postgresUser := utils.GetEnv("POSTGRES_USER", "postgres", log)
	postgresPassword := utils.GetEnv("POSTGRES_PASSWORD", "", log)
	postgresName := utils.GetEnv("POSTGRES_NAME", "readlevel", log)

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresHost, postgresPort, postgresName)

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		serviceLog.Error("Failed to connect to Postgres", "error", err)
		return nil, fmt.Errorf("db: connect postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		serviceLog.Error("Failed to enable uuid-ossp extension", "error", err)
		return nil, fmt.Errorf("db: enable uuid-ossp: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&types.GenerationProfile{},
		&types.DailyWordReference{},
		&types.GenerationTask{},
		&types.Article{},
		&types.ArticleLevel{},
		&types.ArticleVocabulary{},
	)
	if err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}

	s.log.Info("Configuring foreign key relationships for postgres tables...")
	statements := []string{
		`ALTER TABLE "generation_task"
		 DROP CONSTRAINT IF EXISTS "fk_generation_task_profile_id",
		 ADD CONSTRAINT "fk_generation_task_profile_id"
		 FOREIGN KEY ("profile_id") REFERENCES "generation_profile"("id")
		 ON DELETE SET NULL`,
		`ALTER TABLE "article"
		 DROP CONSTRAINT IF EXISTS "fk_article_task_id",
		 ADD CONSTRAINT "fk_article_task_id"
		 FOREIGN KEY ("task_id") REFERENCES "generation_task"("id")
		 ON DELETE CASCADE`,
		`ALTER TABLE "article_level"
		 DROP CONSTRAINT IF EXISTS "fk_article_level_article_id",
		 ADD CONSTRAINT "fk_article_level_article_id"
		 FOREIGN KEY ("article_id") REFERENCES "article"("id")
		 ON DELETE CASCADE`,
		`ALTER TABLE "article_vocabulary"
		 DROP CONSTRAINT IF EXISTS "fk_article_vocabulary_article_id",
		 ADD CONSTRAINT "fk_article_vocabulary_article_id"
		 FOREIGN KEY ("article_id") REFERENCES "article"("id")
		 ON DELETE CASCADE`,
	}
	for _, stmt := range statements {
		if err := s.db.Exec(stmt).Error; err != nil {
			s.log.Error("Failed to configure foreign key", "error", err)
			return err
		}
	}
	return nil
}

// TxRunner adapts the gorm connection to the executor's transaction
// interface.
type TxRunner struct {
	DB *gorm.DB
}

func (r TxRunner) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.DB.WithContext(ctx).Transaction(fn)
}
