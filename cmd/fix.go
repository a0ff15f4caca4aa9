package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/pipeline"
	"github.com/kozaktomas/faceid/internal/store"
)

var fixCmd = &cobra.Command{
	Use:   "fix [image...]",
	Short: "Undo a mislabeled image and reprocess it",
	Long: `Fix removes the encodings an image contributed to the database,
clears its processed mark and runs it through the pipeline again. Use it
when an image was reviewed with the wrong labels.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFix,
}

func init() {
	rootCmd.AddCommand(fixCmd)

	fixCmd.Flags().Bool("no-reprocess", false, "Only remove the old encodings, do not reprocess")
}

func runFix(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := newLogger()

	svc, err := openService(cfg, log)
	if err != nil {
		return err
	}

	attemptLog, err := svc.Store().LoadAttemptLog(true)
	if err != nil {
		return fmt.Errorf("loading attempt log: %w", err)
	}

	// Match by base name and by content hash, so renamed files still fix.
	var identifiers []string
	for _, arg := range args {
		identifiers = append(identifiers, filepath.Base(arg))
		if hash := store.FileHash(arg); hash != "" {
			identifiers = append(identifiers, hash)
		}
	}

	db, err := svc.Reload()
	if err != nil {
		return err
	}

	removed := db.RemoveEncodingsForFile(attemptLog, cfg.Matching.AutoIgnoreOnFix, identifiers...)
	unmarked := db.UnmarkProcessed(append(append([]string(nil), args...), identifiers...)...)

	if err := svc.Save(db); err != nil {
		return fmt.Errorf("saving database: %w", err)
	}

	fmt.Printf("Removed %d encodings, cleared %d processed marks\n", removed, unmarked)
	if cfg.Matching.AutoIgnoreOnFix && removed > 0 {
		fmt.Println("Previously named faces moved to the ignore list")
	}

	if mustGetBool(cmd, "no-reprocess") {
		return nil
	}

	var images []string
	for _, arg := range args {
		if _, err := os.Stat(arg); err != nil {
			fmt.Printf("Skipping %s: file not found\n", arg)
			continue
		}
		images = append(images, arg)
	}
	if len(images) == 0 {
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(svc, newBackend(cfg), cfg, nil, log)
	summary, err := runner.Run(ctx, images)
	if err != nil {
		return fmt.Errorf("reprocessing: %w", err)
	}

	fmt.Printf("Reprocessed: %d reviewed, %d skipped, %d without faces, %d all-ignored\n",
		summary.Reviewed, summary.Skipped, summary.NoFaces, summary.AllIgnored)
	return nil
}
