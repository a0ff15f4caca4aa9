package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/export"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Mirror the encoding database into PostgreSQL",
	Long: `Push upserts every current encoding into a pgvector-enabled
PostgreSQL database and prunes rows that no longer exist locally. The
local database stays the source of truth; the mirror serves SQL analytics
and server-side similarity search.`,
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)

	pushCmd.Flags().Bool("create-index", false, "Create the IVFFlat similarity index after pushing")
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := newLogger()

	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL environment variable is required")
	}

	svc, err := openService(cfg, log)
	if err != nil {
		return err
	}
	db, err := svc.Database()
	if err != nil {
		return err
	}

	pool, err := export.NewPool(&cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx := cmd.Context()
	b := newBackend(cfg)

	if err := pool.Migrate(ctx, b.EncodingDim()); err != nil {
		return err
	}

	repo := export.NewRepository(pool)
	pushed, err := repo.Push(ctx, db, b.Name(), b.EncodingDim())
	if err != nil {
		return err
	}
	fmt.Printf("Mirrored %d encodings\n", pushed)

	if mustGetBool(cmd, "create-index") {
		if err := pool.CreateVectorIndex(ctx); err != nil {
			return err
		}
		fmt.Println("Similarity index created")
	}

	counts, err := repo.Count(ctx)
	if err != nil {
		return err
	}
	for category, n := range counts {
		fmt.Printf("  %-14s %d\n", category, n)
	}
	return nil
}
