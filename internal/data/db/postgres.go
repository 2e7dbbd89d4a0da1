package db

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/brightloom-ai/episodic/internal/data/models"
	"github.com/brightloom-ai/episodic/internal/platform/envutil"
	"github.com/brightloom-ai/episodic/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewPostgresService opens the connection from DATABASE_URL (falling back to
// discrete POSTGRES_* parts) and enables the pgvector extension, following
// the bootstrap-on-connect idiom the rest of this stack uses for Postgres
// extensions.
func NewPostgresService(logg *logger.Logger) (*PostgresService, error) {
	serviceLog := logg.With("service", "PostgresService")

	dsn := strings.TrimSpace(envutil.GetString("DATABASE_URL", "", logg))
	if dsn == "" {
		host := envutil.GetString("POSTGRES_HOST", "localhost", logg)
		port := envutil.GetString("POSTGRES_PORT", "5432", logg)
		user := envutil.GetString("POSTGRES_USER", "postgres", logg)
		pass := envutil.GetString("POSTGRES_PASSWORD", "", logg)
		name := envutil.GetString("POSTGRES_NAME", "episodic", logg)
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
	}

	gormLog := gormLogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             1 * time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger: gormLog,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS vector;`).Error; err != nil {
		return nil, fmt.Errorf("failed to enable vector extension: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

// Migrate runs AutoMigrate over the model set plus the raw-SQL HNSW indices
// pgvector's gorm tag alone cannot express. Gated by RUN_MIGRATIONS so a
// worker replica sharing a DB with a migration-owning replica can skip it.
func (s *PostgresService) Migrate(logg *logger.Logger) error {
	if !envutil.GetBool("RUN_MIGRATIONS", true, logg) {
		s.log.Info("RUN_MIGRATIONS disabled, skipping schema apply")
		return nil
	}

	if err := s.db.AutoMigrate(models.AllModels()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}

	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_node_embeddings_vector ON node_embeddings USING hnsw (vector vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_edge_embeddings_vector ON edge_embeddings USING hnsw (vector vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("index migration %q: %w", stmt, err)
		}
	}

	s.log.Info("schema migration complete")
	return nil
}
