package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mjc/reencodarr/internal/database"
	"github.com/mjc/reencodarr/internal/database/migrations"
	"github.com/mjc/reencodarr/internal/repository"
	"github.com/spf13/cobra"
)

// resetCmd rewinds failed videos without starting the server. The same
// operation is available at POST /api/v1/videos/reset-failed while the
// server runs.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset all failed videos",
	Long: `Rewind every failed video to needs-analysis and clear its failed
flag, making it eligible for another pipeline pass. Failure audit
records are kept.`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	initLogging(cfg)

	db, err := database.New(cfg.Database, slog.Default(), nil)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	migrator := migrations.NewMigrator(db.DB, slog.Default())
	migrator.RegisterAll(migrations.AllMigrations())
	if err := migrator.Up(context.Background()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	videos := repository.NewVideoRepository(db.DB)
	count, err := videos.ResetFailed(context.Background())
	if err != nil {
		return fmt.Errorf("resetting failed videos: %w", err)
	}

	fmt.Printf("reset %d failed video(s) to needs-analysis\n", count)
	return nil
}
