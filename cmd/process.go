package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/faceid/internal/config"
	"github.com/kozaktomas/faceid/internal/pipeline"
	"github.com/kozaktomas/faceid/internal/store"
)

var processCmd = &cobra.Command{
	Use:   "process [directory]",
	Short: "Detect and identify faces in a directory of photos",
	Long: `Process scans a directory for images, detects faces with escalating
resolution tiers, classifies each face against the encoding database and
stores confident results. Already-processed images are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().Int("limit", 0, "Maximum number of images to process (0 = all)")
	processCmd.Flags().Int("workers", 0, "Preprocessing workers (0 = configured default)")
	processCmd.Flags().Bool("force", false, "Reprocess images already marked as processed")
}

// imageExtensions are the file types picked up from a directory scan.
var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true,
}

// collectImages returns images under dir sorted by name, skipping processed
// ones unless force is set.
func collectImages(dir string, db *store.Database, limit int, force bool) ([]string, int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, 0, fmt.Errorf("reading directory %s: %w", dir, err)
	}

	var images []string
	skipped := 0
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !force && db.IsProcessed(path, store.FileHash(path)) {
			skipped++
			continue
		}
		images = append(images, path)
	}
	sort.Strings(images)

	if limit > 0 && len(images) > limit {
		images = images[:limit]
	}
	return images, skipped, nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	log := newLogger()

	if workers := mustGetInt(cmd, "workers"); workers > 0 {
		cfg.Pipeline.Workers = workers
	}

	svc, err := openService(cfg, log)
	if err != nil {
		return err
	}

	db, err := svc.Database()
	if err != nil {
		return err
	}

	images, skipped, err := collectImages(args[0], db, mustGetInt(cmd, "limit"), mustGetBool(cmd, "force"))
	if err != nil {
		return err
	}
	if len(images) == 0 {
		fmt.Printf("Nothing to process (%d already processed)\n", skipped)
		return nil
	}

	fmt.Printf("Images to process: %d (skipping %d already processed)\n\n", len(images), skipped)

	bar := progressbar.NewOptions(len(images),
		progressbar.OptionSetDescription("Identifying faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(svc, newBackend(cfg), cfg, nil, log)
	runner.OnImageDone = func(path string, phase pipeline.Phase) {
		bar.Add(1)
	}

	summary, err := runner.Run(ctx, images)
	fmt.Println()
	if err != nil {
		return fmt.Errorf("processing interrupted: %w", err)
	}

	fmt.Printf("\nDone: %d reviewed, %d skipped, %d without faces, %d all-ignored, %d missing\n",
		summary.Reviewed, summary.Skipped, summary.NoFaces, summary.AllIgnored, summary.Missing)
	return nil
}
