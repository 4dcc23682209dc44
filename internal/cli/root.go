// Package cli provides the command-line interface for unipipe.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/unipipe/internal/config"
	"github.com/raphaelgruber/unipipe/internal/db"
	"github.com/raphaelgruber/unipipe/internal/identity"
	"github.com/raphaelgruber/unipipe/internal/pipeline"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose bool

	// Global config, logger and db client
	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error
	dbClient   *db.Client
	sources    *config.Sources
	manager    *pipeline.Manager
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "unipipe",
	Short: "Incremental multi-source ingestion pipeline",
	Long: `Unipipe ingests records from heterogeneous sources (CSV exports, paginated
JSON APIs, RSS feeds) into one canonical entity store, with per-source
checkpoints so interrupted runs resume where they left off.

Every run is recorded; schema drift in incoming records is detected and
logged without dropping data.`,
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip DB connection for version and help commands
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		cfg = config.Load()

		level := cfg.LogLevel
		if verbose {
			level = slog.LevelDebug
		}
		logger, logCleanup = config.SetupLogger(cfg.LogFile, level)

		ctx := context.Background()
		dbCfg := db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: cfg.SurrealDBAuthLevel,
		}

		var err error
		dbClient, err = db.NewClient(ctx, dbCfg, logger)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}

		if err := dbClient.InitSchema(ctx); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}

		// Checkpoints stuck in "running" from a crashed process block new
		// runs until reconciled.
		recovered, err := dbClient.QueryRecoverAbandonedRuns(ctx)
		if err != nil {
			return fmt.Errorf("recover abandoned runs: %w", err)
		}
		for _, cp := range recovered {
			logger.Warn("recovered abandoned run", "source", cp.SourceType)
		}

		sources, err = config.LoadSources(cfg.SourcesFile)
		if err != nil {
			return fmt.Errorf("load sources: %w", err)
		}

		manager = pipeline.NewManager(dbClient, sources, newResolver(sources), logger, nil)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if dbClient != nil {
			if err := dbClient.Close(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
			}
		}
		if logCleanup != nil {
			_ = logCleanup()
		}
	},
}

// newResolver builds the canonical-identity chain: explicit aliases from the
// sources file first, title slugs as the fallback grouping.
func newResolver(s *config.Sources) identity.Resolver {
	chain := identity.Chain{}
	if len(s.CanonicalAliases) > 0 {
		chain = append(chain, identity.NewVocabulary(s.CanonicalAliases))
	}
	chain = append(chain, identity.TitleSlug{})
	return chain
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(driftCmd)
	rootCmd.AddCommand(watchCmd)
}
