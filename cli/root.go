// Package cli implements the memoryd CLI commands.
package cli

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/arborchat/memoryd/cache"
	"github.com/arborchat/memoryd/config"
	"github.com/arborchat/memoryd/episode"
	"github.com/arborchat/memoryd/extract"
	"github.com/arborchat/memoryd/logger"
	"github.com/arborchat/memoryd/memory"
	"github.com/arborchat/memoryd/migrations"
	"github.com/arborchat/memoryd/prompt"
	"github.com/arborchat/memoryd/provider"
)

var (
	configPath string
	dbPath     string
	userID     string
	projectID  string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memoryd",
	Short: "Long-term memory engine for conversational agents",
	Long: "memoryd manages durable memory items, project anchors and episode\n" +
		"summaries backing a conversational agent, with relevance-ranked\n" +
		"retrieval and prompt assembly.",
}

func init() {
	RootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default: $MEMORYD_CONFIG_PATH or ~/.memoryd/config.yaml)")
	RootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database path (overrides config)")
	RootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User id scope for the operation")
	RootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "", "Project id scope for the operation")
}

// app bundles the wired components behind each CLI command.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	db        *sql.DB
	store     *memory.Store
	retriever *memory.Retriever
	builder   *prompt.Builder
	pipeline  *episode.Pipeline
	extractor *extract.Extractor
	promoter  *memory.Promoter
}

// openApp loads config, opens the database, applies migrations and wires
// the component graph. The OpenAI provider is optional unless requireLLM
// is set; without it, writes store no embedding and retrieval falls back
// to non-vector ranking.
func openApp(requireLLM bool) (*app, error) {
	path := configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}

	log, err := logger.InitWithOptions(cfg.Log.File, cfg.Log.Pretty)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", cfg.Database.Path, err)
	}
	if err := migrations.RunMigrations(db, cfg.Database.MigrationsPath, log); err != nil {
		db.Close() //nolint:errcheck // open error takes precedence
		return nil, err
	}

	var gen provider.Generator
	var emb provider.Embedder
	if cfg.OpenAI.APIKey != "" {
		p, err := provider.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.ChatModel, cfg.OpenAI.EmbedModel, log)
		if err != nil {
			db.Close() //nolint:errcheck
			return nil, err
		}
		gen, emb = p, p
	} else if requireLLM {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("this command needs an OpenAI key: set openai.api_key in config or OPENAI_API_KEY")
	}

	store := memory.NewStore(db, emb, cfg.Memory.LockThreshold, log)

	retCache, err := cache.NewRistretto()
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	retriever := memory.NewRetriever(store, emb, retCache, retrievalConfig(cfg), log)
	builder := prompt.NewBuilder(store, retriever, cache.NewTTLMap(), log)
	if cfg.Memory.PromptCacheTTL > 0 {
		builder.SetCacheTTL(time.Duration(cfg.Memory.PromptCacheTTL) * time.Second)
	}

	return &app{
		cfg:       cfg,
		logger:    log,
		db:        db,
		store:     store,
		retriever: retriever,
		builder:   builder,
		pipeline:  episode.NewPipeline(db, gen, episode.DefaultConfig(), log),
		extractor: extract.NewExtractor(gen, log),
		promoter:  memory.NewPromoter(store, builder, log),
	}, nil
}

func retrievalConfig(cfg *config.Config) memory.RetrievalConfig {
	rc := memory.DefaultRetrievalConfig()
	if cfg.Memory.CandidateLimit > 0 {
		rc.CandidateLimit = cfg.Memory.CandidateLimit
	}
	if cfg.Memory.PinnedCap > 0 {
		rc.PinnedCap = cfg.Memory.PinnedCap
	}
	if cfg.Memory.RelatedCap > 0 {
		rc.RelatedCap = cfg.Memory.RelatedCap
	}
	if cfg.Memory.RecencyHalfLifeHrs > 0 {
		rc.RecencyHalfLifeHours = cfg.Memory.RecencyHalfLifeHrs
	}
	if cfg.Memory.RetrievalCacheTTL > 0 {
		rc.CacheTTL = time.Duration(cfg.Memory.RetrievalCacheTTL) * time.Second
	}
	return rc
}

func (a *app) close() {
	a.db.Close() //nolint:errcheck // nothing to do on close error
}

func requireUser() (string, error) {
	if userID == "" {
		return "", fmt.Errorf("--user is required")
	}
	return userID, nil
}

// projectPtr returns the --project flag as a nullable scope.
func projectPtr() *string {
	if projectID == "" {
		return nil
	}
	p := projectID
	return &p
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
